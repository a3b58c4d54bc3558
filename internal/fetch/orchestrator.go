// Package fetch выполняет запросы к провайдеру по набору целей,
// изолируя ошибки отдельных целей, и собирает общий результат.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"healthlink_gateway/internal/provider"
	"healthlink_gateway/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CodeNoRows код ошибки, когда ни один источник не вернул строк
const CodeNoRows = "NO_ROWS"

type Config struct {
	DefaultYearLimit   int
	MaxYearsPerRequest int
	YearlyMaxFanout    int
	TargetTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultYearLimit:   1,
		MaxYearsPerRequest: 5,
		YearlyMaxFanout:    3,
		TargetTimeout:      25 * time.Second,
	}
}

type Input struct {
	Targets       []types.Target
	YearLimit     int
	BasePayload   provider.Payload
	DetailPayload provider.Payload
	FromDate      string
	ToDate        string
}

type FailedTarget struct {
	Target       types.Target `json:"target"`
	ErrorCode    string       `json:"errCd,omitempty"`
	ErrorMessage string       `json:"errMsg,omitempty"`
	status       int
}

type Result struct {
	OK           bool                       `json:"ok"`
	Partial      bool                       `json:"partial"`
	Failed       []FailedTarget             `json:"failed"`
	ErrorCode    string                     `json:"errCd,omitempty"`
	ErrorMessage string                     `json:"errMsg,omitempty"`
	StatusCode   int                        `json:"-"`
	Normalized   *Normalized                `json:"normalized,omitempty"`
	Raw          map[string]json.RawMessage `json:"raw,omitempty"`
}

// FirstFailure первая по порядку запроса неудачная цель
func (r *Result) FirstFailure() *FailedTarget {
	if len(r.Failed) == 0 {
		return nil
	}
	return &r.Failed[0]
}

// Artifacts step/cookie data, найденные в сырых ответах
func (r *Result) Artifacts() (stepData, cookieData json.RawMessage) {
	keys := make([]string, 0, len(r.Raw))
	for key := range r.Raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		var resp provider.Response
		if err := json.Unmarshal(r.Raw[key], &resp); err != nil {
			continue
		}
		if stepData == nil {
			stepData = provider.ExtractStepData(resp)
		}
		if cookieData == nil {
			cookieData = provider.ExtractCookieData(resp)
		}
	}
	return stepData, cookieData
}

type Orchestrator struct {
	caller provider.Caller
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewOrchestrator(caller provider.Caller, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.YearlyMaxFanout <= 0 {
		cfg.YearlyMaxFanout = 1
	}
	if cfg.DefaultYearLimit <= 0 {
		cfg.DefaultYearLimit = 1
	}
	if cfg.MaxYearsPerRequest < cfg.DefaultYearLimit {
		cfg.MaxYearsPerRequest = cfg.DefaultYearLimit
	}
	return &Orchestrator{
		caller: caller,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

type execution struct {
	o      *Orchestrator
	in     Input
	mu     sync.Mutex
	ok     successes
	failed []FailedTarget
	raw    map[string]json.RawMessage
}

// Execute никогда не возвращает ошибку: сбои целей попадают в Result.Failed
func (o *Orchestrator) Execute(ctx context.Context, in Input) *Result {
	e := &execution{
		o:   o,
		in:  in,
		ok:  successes{has: make(map[types.Target]bool)},
		raw: make(map[string]json.RawMessage),
	}

	var g errgroup.Group
	launch := func(target types.Target, fn func()) {
		if !e.wants(target) {
			return
		}
		g.Go(func() error {
			fn()
			return nil
		})
	}

	launch(types.TargetMedical, func() {
		resp, err := o.call(ctx, types.TargetMedical, in.DetailPayload)
		if err != nil {
			e.fail(types.TargetMedical, err, "failed to load medical records")
			return
		}
		e.succeed(types.TargetMedical, resp.Raw(), func(s *successes) { s.medical = resp })
	})
	launch(types.TargetHealthAge, func() {
		resp, err := o.call(ctx, types.TargetHealthAge, in.BasePayload)
		if err != nil {
			e.fail(types.TargetHealthAge, err, "failed to load health age")
			return
		}
		e.succeed(types.TargetHealthAge, resp.Raw(), func(s *successes) { s.healthAge = resp })
	})
	launch(types.TargetCheckupOverview, func() {
		resp, err := o.call(ctx, types.TargetCheckupOverview, in.BasePayload)
		if err != nil {
			e.fail(types.TargetCheckupOverview, err, "failed to load checkup overview")
			return
		}
		e.succeed(types.TargetCheckupOverview, resp.Raw(), func(s *successes) { s.checkupOverview = resp })
	})
	launch(types.TargetMedication, func() {
		resp, rows, source, err := o.fetchMedication(ctx, in)
		if err != nil {
			e.fail(types.TargetMedication, err, "failed to load medication history")
			return
		}
		e.succeed(types.TargetMedication, resp.Raw(), func(s *successes) {
			s.medication = resp
			s.medicationRows = rows
			s.medicationFrom = source
		})
	})

	if e.wants(types.TargetCheckupList) || e.wants(types.TargetCheckupYearly) {
		keys := e.loadCheckupList(ctx)
		if e.wants(types.TargetCheckupYearly) {
			e.loadCheckupYearly(ctx, keys)
		}
	}

	_ = g.Wait()

	return e.result()
}

func (o *Orchestrator) call(ctx context.Context, target types.Target, payload provider.Payload) (provider.Response, error) {
	if o.cfg.TargetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TargetTimeout)
		defer cancel()
	}
	return o.caller.Call(ctx, target, payload)
}

// fetchMedication перебирает окна дат, затем пробует эндпоинт медицинских записей
func (o *Orchestrator) fetchMedication(ctx context.Context, in Input) (provider.Response, []Record, string, error) {
	var originalErr error

	for _, w := range medicationProbeWindows(in.FromDate, in.ToDate) {
		payload := in.DetailPayload.With(nil)
		if w.FromDate != "" {
			payload["fromDate"] = w.FromDate
		}
		if w.ToDate != "" {
			payload["toDate"] = w.ToDate
		}

		resp, err := o.call(ctx, types.TargetMedication, payload)
		if err != nil {
			originalErr = err
			break
		}
		if rows := ExtractRows(types.TargetMedication, resp); len(rows) > 0 {
			return resp, rows, string(types.TargetMedication), nil
		}
	}

	resp, err := o.call(ctx, types.TargetMedical, in.DetailPayload)
	if err == nil {
		if rows := ExtractRows(types.TargetMedical, resp); len(rows) > 0 {
			o.logger.Debug("medication resolved from medical records fallback", zap.Int("rows", len(rows)))
			return resp, rows, string(types.TargetMedical), nil
		}
	} else {
		o.logger.Debug("medical fallback for medication failed", zap.Error(err))
	}

	if originalErr != nil {
		return nil, nil, "", originalErr
	}
	return nil, nil, "", &provider.APIError{
		Status:   http.StatusNotFound,
		Endpoint: provider.EndpointMedication,
		Code:     CodeNoRows,
		Message:  "medication history returned no rows",
	}
}

func (o *Orchestrator) effectiveYearLimit(limit int) int {
	return max(o.cfg.DefaultYearLimit, min(limit, o.cfg.MaxYearsPerRequest))
}

// loadCheckupList запрашивает список осмотров по годам последовательно.
// При запросе детализации останавливается на первом годе с ключами.
func (e *execution) loadCheckupList(ctx context.Context) []DetailKey {
	o := e.o
	years := checkupYears(e.in.FromDate, e.in.ToDate, o.effectiveYearLimit(e.in.YearLimit), o.now())
	seekKeys := e.wants(types.TargetCheckupYearly)

	var payloads []provider.Response
	var yearFailures []string
	var keys []DetailKey
	var yearsHit []string
	byYear := make(map[string]json.RawMessage)

	for _, year := range years {
		resp, err := o.call(ctx, types.TargetCheckupList, e.in.BasePayload.With(provider.Payload{"yyyy": year}))
		if err != nil {
			_, msg := provider.CodeMessage(err)
			if msg == "" {
				msg = "request failed"
			}
			yearFailures = append(yearFailures, year+": "+msg)
			if body := provider.ErrorBody(err); body != nil {
				byYear[year] = body
			}
			continue
		}

		payloads = append(payloads, resp)
		byYear[year] = resp.Raw()
		yearsHit = append(yearsHit, year)

		if seekKeys {
			if found := collectDetailKeys(map[string]any(resp), o.cfg.YearlyMaxFanout); len(found) > 0 {
				keys = found
				break
			}
		}
	}

	listRaw, _ := json.Marshal(byYear)
	e.setRaw("checkupListByYear", listRaw)

	if len(payloads) == 0 {
		e.failWith(FailedTarget{
			Target:       types.TargetCheckupList,
			ErrorMessage: "failed to load checkup list",
			status:       http.StatusBadGateway,
		}, listRaw)
		return nil
	}

	e.succeed(types.TargetCheckupList, mergeListPayloads(payloads, yearsHit), func(s *successes) {
		s.checkupList = payloads
	})
	if len(yearFailures) > 0 {
		e.failWith(FailedTarget{
			Target:       types.TargetCheckupList,
			ErrorMessage: fmt.Sprintf("checkup list partially failed (%s)", strings.Join(yearFailures[:min(4, len(yearFailures))], ", ")),
			status:       http.StatusOK,
		}, nil)
	}

	if len(keys) == 0 && seekKeys {
		all := make([]any, 0, len(payloads))
		for _, p := range payloads {
			all = append(all, map[string]any(p))
		}
		keys = collectDetailKeys(all, o.cfg.YearlyMaxFanout)
	}
	return keys
}

// loadCheckupYearly запрашивает детализацию по всем ключам, собирая и успехи, и ошибки
func (e *execution) loadCheckupYearly(ctx context.Context, keys []DetailKey) {
	if len(keys) == 0 {
		e.succeed(types.TargetCheckupYearly, json.RawMessage("[]"), func(s *successes) { s.checkupYearly = nil })
		return
	}

	responses := make([]provider.Response, len(keys))
	errs := make([]error, len(keys))

	var g errgroup.Group
	g.SetLimit(e.o.cfg.YearlyMaxFanout)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			payload := e.in.BasePayload.With(provider.Payload{"detailKey": key.Key})
			if key.Key2 != "" {
				payload["detailKey2"] = key.Key2
			}
			responses[i], errs[i] = e.o.call(ctx, types.TargetCheckupYearly, payload)
			return nil
		})
	}
	_ = g.Wait()

	var succeeded []provider.Response
	var rawItems []json.RawMessage
	var firstErr error
	for i := range keys {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			if body := provider.ErrorBody(errs[i]); body != nil {
				rawItems = append(rawItems, body)
			}
			continue
		}
		succeeded = append(succeeded, responses[i])
		rawItems = append(rawItems, responses[i].Raw())
	}

	raw, _ := json.Marshal(rawItems)
	if len(succeeded) == 0 {
		code, msg := provider.CodeMessage(firstErr)
		if msg == "" {
			msg = "failed to load checkup details"
		}
		e.failWith(FailedTarget{
			Target:       types.TargetCheckupYearly,
			ErrorCode:    code,
			ErrorMessage: msg,
			status:       statusOf(firstErr),
		}, raw)
		return
	}

	e.succeed(types.TargetCheckupYearly, raw, func(s *successes) { s.checkupYearly = succeeded })
}

func mergeListPayloads(payloads []provider.Response, years []string) json.RawMessage {
	list := []any{}
	for _, p := range payloads {
		if items, ok := p.Data()["list"].([]any); ok {
			list = append(list, items...)
		}
	}
	merged, err := json.Marshal(map[string]any{"data": map[string]any{"list": list, "years": years}})
	if err != nil {
		return nil
	}
	return merged
}

func (e *execution) wants(target types.Target) bool {
	return types.ContainsTarget(e.in.Targets, target)
}

func (e *execution) succeed(target types.Target, raw json.RawMessage, apply func(s *successes)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ok.has[target] = true
	apply(&e.ok)
	if raw != nil {
		e.raw[string(target)] = raw
	}
}

func (e *execution) fail(target types.Target, err error, fallback string) {
	code, msg := provider.CodeMessage(err)
	if msg == "" {
		msg = fallback
	}
	e.o.logger.Warn("fetch target failed",
		zap.String("target", string(target)),
		zap.String("code", code),
		zap.Error(err))
	e.failWith(FailedTarget{Target: target, ErrorCode: code, ErrorMessage: msg, status: statusOf(err)}, provider.ErrorBody(err))
}

func (e *execution) failWith(item FailedTarget, raw json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, item)
	if raw != nil && !e.ok.has[item.Target] {
		e.raw[string(item.Target)] = raw
	}
}

func (e *execution) setRaw(key string, raw json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.raw[key] = raw
}

func statusOf(err error) int {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= http.StatusBadRequest {
		return apiErr.Status
	}
	return http.StatusBadGateway
}

func (e *execution) order(target types.Target) int {
	for i, t := range e.in.Targets {
		if t == target {
			return i
		}
	}
	for i, t := range types.AllTargets {
		if t == target {
			return len(e.in.Targets) + i
		}
	}
	return len(e.in.Targets) + len(types.AllTargets)
}

func (e *execution) result() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	failed := append([]FailedTarget{}, e.failed...)
	sort.SliceStable(failed, func(i, j int) bool {
		return e.order(failed[i].Target) < e.order(failed[j].Target)
	})

	res := &Result{
		Failed: failed,
		Raw:    e.raw,
	}

	if len(e.ok.has) == 0 {
		res.OK = false
		res.StatusCode = http.StatusBadGateway
		if first := res.FirstFailure(); first != nil {
			res.ErrorCode = first.ErrorCode
			res.ErrorMessage = first.ErrorMessage
			res.StatusCode = first.status
		}
		if res.ErrorMessage == "" {
			res.ErrorMessage = "failed to load health records"
		}
		return res
	}

	res.OK = true
	res.Partial = len(failed) > 0
	res.StatusCode = http.StatusOK
	res.Normalized = normalize(&e.ok)
	return res
}

// ParseResult разбирает результат, сохранённый в кэше
func ParseResult(payload json.RawMessage) (*Result, error) {
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("failed to parse cached fetch result: %w", err)
	}
	return &res, nil
}
