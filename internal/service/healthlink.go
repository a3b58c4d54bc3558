package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"healthlink_gateway/internal/budget"
	"healthlink_gateway/internal/cache"
	"healthlink_gateway/internal/fetch"
	"healthlink_gateway/internal/identity"
	"healthlink_gateway/internal/inflight"
	"healthlink_gateway/internal/messaging"
	"healthlink_gateway/internal/patch"
	"healthlink_gateway/internal/provider"
	"healthlink_gateway/internal/repository"
	"healthlink_gateway/internal/signflow"
	"healthlink_gateway/types"

	"go.uber.org/zap"
)

// CodeFetchBudgetExceeded исчерпан лимит живых запросов в окне
const CodeFetchBudgetExceeded = "NHIS_FETCH_BUDGET_EXCEEDED"

var (
	ErrNotLinked      = errors.New("provider is not linked, start from init")
	ErrSessionExpired = errors.New("provider session is missing, sign in again")
	ErrInvalidTargets = errors.New("no known targets requested")
)

type HealthLinkService interface {
	Initialize(ctx context.Context, sessionID, appUserID string, in signflow.InitInput) (*signflow.Outcome, error)
	Sign(ctx context.Context, sessionID, appUserID string, in signflow.SignInput) (*signflow.Outcome, error)
	GetCachedOrFetch(ctx context.Context, appUserID string, req FetchRequest) (*FetchResponse, error)
	Summary(ctx context.Context, appUserID string, req FetchRequest) (*SummaryResponse, error)
	Status(ctx context.Context, sessionID, appUserID string) (*StatusResponse, error)
	Unlink(ctx context.Context, sessionID, appUserID string) (*UnlinkResult, error)
}

type Cache interface {
	patch.Cache
	Invalidate(appUserID string) int
}

// CacheRows постоянный уровень кэша, нужен только для удаления при отвязке
type CacheRows interface {
	DeleteByUser(ctx context.Context, appUserID, provider string) (int64, error)
}

type SignFlow interface {
	Initialize(ctx context.Context, sessionID, appUserID string, in signflow.InitInput) (*signflow.Outcome, error)
	AttemptSign(ctx context.Context, sessionID, appUserID string, in signflow.SignInput) (*signflow.Outcome, error)
	Status(ctx context.Context, sessionID, appUserID string) (*signflow.StatusView, error)
	Reset(ctx context.Context, sessionID string) error
}

type Events interface {
	PublishFetchCompleted(ctx context.Context, msg messaging.FetchCompletedMessage) error
	PublishLinkUpdated(ctx context.Context, appUserID string, linked bool, reason string) error
	PublishCacheInvalidate(ctx context.Context, appUserID string) error
}

// AttemptRecorder журнал обращений к провайдеру
type AttemptRecorder interface {
	Record(ctx context.Context, attempt *types.Attempt) error
}

type Config struct {
	DefaultYearLimit   int
	MaxYearsPerRequest int
	LookbackYears      int
	SubjectType        string
}

type Deps struct {
	Links    repository.LinkRepository
	Cache    Cache
	Rows     CacheRows
	Executor patch.Executor
	SignFlow SignFlow
	Hasher   *identity.Hasher
	Dedup    *inflight.Group
	// Events может быть nil, тогда события не публикуются
	Events Events
	// Budget и Attempts могут быть nil, тогда лимит живых запросов не действует
	Budget   *budget.Guard
	Attempts AttemptRecorder
}

type FetchRequest struct {
	Targets       []string `json:"targets"`
	YearLimit     int      `json:"yearLimit"`
	ForceRefresh  bool     `json:"forceRefresh"`
	MaxAgeSeconds int      `json:"maxAgeSeconds"`
}

// CacheMeta откуда взят ответ
type CacheMeta struct {
	Source      cache.Source `json:"source"`
	Stale       bool         `json:"stale"`
	FetchedAt   time.Time    `json:"fetchedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	RequestHash string       `json:"requestHash"`
}

type FetchResponse struct {
	fetch.Result
	Cached     bool       `json:"cached"`
	Cache      *CacheMeta `json:"cache,omitempty"`
	Code       string     `json:"code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	NextAction string     `json:"nextAction,omitempty"`
	// RetryAfterSec и Budget заполняются только при исчерпанном лимите
	RetryAfterSec int              `json:"retryAfterSec,omitempty"`
	Budget        *budget.Snapshot `json:"budget,omitempty"`
	Status        int              `json:"-"`
}

type PatchMeta struct {
	Targets []types.Target `json:"targets"`
	Source  patch.Source   `json:"source,omitempty"`
	Stale   bool           `json:"stale"`
	Applied bool           `json:"applied"`
}

type SummaryResponse struct {
	OK         bool              `json:"ok"`
	Partial    bool              `json:"partial"`
	Normalized *fetch.Normalized `json:"normalized"`
	Cache      *CacheMeta        `json:"cache,omitempty"`
	Patch      *PatchMeta        `json:"patch,omitempty"`
	// поля ниже переносятся из неудачного базового запроса
	ErrorCode     string           `json:"errCd,omitempty"`
	Code          string           `json:"code,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	NextAction    string           `json:"nextAction,omitempty"`
	RetryAfterSec int              `json:"retryAfterSec,omitempty"`
	Budget        *budget.Snapshot `json:"budget,omitempty"`
	Status        int              `json:"-"`
}

type StatusResponse struct {
	*signflow.StatusView
	FetchBudget *budget.Snapshot `json:"fetchBudget,omitempty"`
}

type UnlinkResult struct {
	DeletedCacheRows     int64 `json:"deletedCacheRows"`
	ClearedMemoryEntries int   `json:"clearedMemoryEntries"`
}

type healthLinkService struct {
	links    repository.LinkRepository
	cache    Cache
	rows     CacheRows
	executor patch.Executor
	merger   *patch.Merger
	signFlow SignFlow
	hasher   *identity.Hasher
	dedup    *inflight.Group
	events   Events
	budget   *budget.Guard
	attempts AttemptRecorder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewHealthLinkService(deps Deps, cfg Config, logger *zap.Logger) HealthLinkService {
	return newHealthLinkService(deps, cfg, logger)
}

func newHealthLinkService(deps Deps, cfg Config, logger *zap.Logger) *healthLinkService {
	if cfg.DefaultYearLimit < 1 {
		cfg.DefaultYearLimit = 1
	}
	if cfg.MaxYearsPerRequest < cfg.DefaultYearLimit {
		cfg.MaxYearsPerRequest = cfg.DefaultYearLimit
	}
	return &healthLinkService{
		links:    deps.Links,
		cache:    deps.Cache,
		rows:     deps.Rows,
		executor: deps.Executor,
		merger:   patch.NewMerger(deps.Cache, deps.Executor, deps.Hasher, deps.Dedup, logger),
		signFlow: deps.SignFlow,
		hasher:   deps.Hasher,
		dedup:    deps.Dedup,
		events:   deps.Events,
		budget:   deps.Budget,
		attempts: deps.Attempts,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *healthLinkService) Initialize(ctx context.Context, sessionID, appUserID string, in signflow.InitInput) (*signflow.Outcome, error) {
	if appUserID == "" {
		return nil, fmt.Errorf("app user id cannot be empty")
	}
	outcome, err := s.signFlow.Initialize(ctx, sessionID, appUserID, in)
	ident := s.hasher.Resolve(identity.Input{
		AppUserID:  appUserID,
		LoginOrgCd: in.LoginOrgCd,
		ResNm:      in.ResNm,
		ResNo:      in.ResNo,
		MobileNo:   in.MobileNo,
	})
	s.recordOperation(ctx, appUserID, types.AttemptInit, ident.IdentityHash, outcome, err)
	return outcome, err
}

func (s *healthLinkService) Sign(ctx context.Context, sessionID, appUserID string, in signflow.SignInput) (*signflow.Outcome, error) {
	if appUserID == "" {
		return nil, fmt.Errorf("app user id cannot be empty")
	}
	outcome, err := s.signFlow.AttemptSign(ctx, sessionID, appUserID, in)
	var storedHash string
	if link, linkErr := s.links.Get(ctx, appUserID, types.ProviderName); linkErr == nil && link != nil {
		storedHash = link.LastIdentityHash
	}
	ident := s.hasher.Resolve(identity.Input{AppUserID: appUserID, StoredIdentityHash: storedHash})
	s.recordOperation(ctx, appUserID, types.AttemptSign, ident.IdentityHash, outcome, err)
	return outcome, err
}

// recordOperation пишет init и sign в журнал обращений. Ошибка журнала
// только логируется.
func (s *healthLinkService) recordOperation(ctx context.Context, appUserID, action, identityHash string, outcome *signflow.Outcome, opErr error) {
	if s.attempts == nil {
		return
	}
	attempt := &types.Attempt{
		AppUserID:    appUserID,
		Provider:     types.ProviderName,
		Action:       action,
		IdentityHash: identityHash,
		CreatedAt:    s.now(),
	}
	switch {
	case opErr != nil:
		attempt.StatusCode = http.StatusInternalServerError
		attempt.Reason = "internal_error"
	case outcome != nil:
		attempt.OK = outcome.OK
		attempt.StatusCode = outcome.Status
		if attempt.StatusCode == 0 {
			attempt.StatusCode = http.StatusOK
		}
		attempt.Reason = outcome.Reason
	}
	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Warn("failed to record provider attempt", zap.Error(err),
			zap.String("app_user_id", appUserID), zap.String("action", action))
	}
}

func (s *healthLinkService) Status(ctx context.Context, sessionID, appUserID string) (*StatusResponse, error) {
	if appUserID == "" {
		return nil, fmt.Errorf("app user id cannot be empty")
	}
	view, err := s.signFlow.Status(ctx, sessionID, appUserID)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{StatusView: view}
	if s.budget != nil {
		snapshot, err := s.budget.Snapshot(ctx, appUserID, s.now())
		if err != nil {
			s.logger.Warn("failed to read fetch budget", zap.Error(err), zap.String("app_user_id", appUserID))
		} else {
			resp.FetchBudget = snapshot
		}
	}
	return resp, nil
}

// fetchPlan всё, что нужно для чтения кэша и живого запроса
type fetchPlan struct {
	link      *types.LinkRecord
	identity  identity.Identity
	key       identity.RequestKey
	targets   []types.Target
	yearLimit int
	window    provider.Window
	maxAge    time.Duration
}

func (p *fetchPlan) linked() bool {
	return p.link != nil && p.link.Linked
}

func (p *fetchPlan) hasSession() bool {
	return p.linked() && p.link.HasCookieData()
}

func (p *fetchPlan) lookup(appUserID string, allowHistory bool) cache.Lookup {
	return cache.Lookup{
		AppUserID:    appUserID,
		RequestHash:  p.key.RequestHash,
		IdentityHash: p.identity.IdentityHash,
		Targets:      p.key.NormalizedTargets,
		YearLimit:    p.yearLimit,
		SubjectType:  p.window.SubjectType,
		AllowHistory: allowHistory,
		MaxAge:       p.maxAge,
	}
}

func (s *healthLinkService) yearLimit(requested int) int {
	if requested <= 0 {
		return s.cfg.DefaultYearLimit
	}
	if requested > s.cfg.MaxYearsPerRequest {
		return s.cfg.MaxYearsPerRequest
	}
	return requested
}

func (s *healthLinkService) plan(ctx context.Context, appUserID string, req FetchRequest) (*fetchPlan, error) {
	if appUserID == "" {
		return nil, fmt.Errorf("app user id cannot be empty")
	}

	targets := types.SummaryTargets
	if len(req.Targets) > 0 {
		targets = types.ParseTargets(req.Targets)
		if len(targets) == 0 {
			return nil, ErrInvalidTargets
		}
	}

	link, err := s.links.Get(ctx, appUserID, types.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}

	in := identity.Input{AppUserID: appUserID}
	if link != nil {
		in.LoginOrgCd = link.LoginOrgCd
		in.StoredIdentityHash = link.LastIdentityHash
	}
	ident := s.hasher.Resolve(in)

	p := &fetchPlan{
		link:      link,
		identity:  ident,
		targets:   targets,
		yearLimit: s.yearLimit(req.YearLimit),
		window:    provider.DefaultWindow(s.now(), s.cfg.LookbackYears, s.cfg.SubjectType),
	}
	if req.MaxAgeSeconds > 0 {
		p.maxAge = time.Duration(req.MaxAgeSeconds) * time.Second
	}
	p.key = s.hasher.BuildRequestKey(identity.RequestInput{
		IdentityHash: ident.IdentityHash,
		Targets:      types.TargetNames(targets),
		YearLimit:    p.yearLimit,
		FromDate:     p.window.FromDate,
		ToDate:       p.window.ToDate,
		SubjectType:  p.window.SubjectType,
	})
	return p, nil
}

// GetCachedOrFetch отдаёт кэш, а при промахе выполняет один живой запрос
// на ключ, даже если одинаковых вызовов несколько.
func (s *healthLinkService) GetCachedOrFetch(ctx context.Context, appUserID string, req FetchRequest) (*FetchResponse, error) {
	p, err := s.plan(ctx, appUserID, req)
	if err != nil {
		return nil, err
	}

	if !req.ForceRefresh || !p.hasSession() {
		// история доступна только без живой сессии провайдера
		if resp := s.serveCached(ctx, appUserID, p, p.lookup(appUserID, !p.hasSession())); resp != nil {
			return resp, nil
		}
	}

	if !p.linked() {
		return nil, ErrNotLinked
	}
	if !p.hasSession() {
		return nil, ErrSessionExpired
	}

	if blocked := s.checkBudget(ctx, appUserID, req.ForceRefresh); blocked != nil {
		return blocked, nil
	}

	res, err := inflight.Run(ctx, s.dedup, "fetch", appUserID+"|"+p.key.RequestHash, func(ctx context.Context) (*fetch.Result, error) {
		return s.fetchLive(ctx, appUserID, p, req.ForceRefresh), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch health records: %w", err)
	}

	resp := &FetchResponse{Result: *res, Status: res.StatusCode}
	if !res.OK && hasStaleFailure(res) {
		resp.Code = signflow.CodeAuthExpired
		resp.Reason = signflow.ReasonAuthExpired
		resp.NextAction = signflow.ActionInit
		resp.Status = http.StatusConflict
	}
	return resp, nil
}

// checkBudget возвращает ответ 429, если лимит живых запросов исчерпан.
// Недоступный журнал лимит не применяет.
func (s *healthLinkService) checkBudget(ctx context.Context, appUserID string, forceRefresh bool) *FetchResponse {
	if s.budget == nil {
		return nil
	}
	decision, err := s.budget.Evaluate(ctx, appUserID, forceRefresh, s.now())
	if err != nil {
		s.logger.Warn("failed to evaluate fetch budget", zap.Error(err), zap.String("app_user_id", appUserID))
		return nil
	}
	if decision.Available {
		return nil
	}

	snapshot := decision.Snapshot
	return &FetchResponse{
		Result: fetch.Result{
			OK:           false,
			ErrorCode:    CodeFetchBudgetExceeded,
			ErrorMessage: fmt.Sprintf("fetch budget exhausted, retry in %d seconds", decision.RetryAfterSec),
			Failed:       []fetch.FailedTarget{},
		},
		Code:          CodeFetchBudgetExceeded,
		Reason:        decision.Reason,
		NextAction:    signflow.ActionWait,
		RetryAfterSec: decision.RetryAfterSec,
		Budget:        &snapshot,
		Status:        http.StatusTooManyRequests,
	}
}

func hasStaleFailure(res *fetch.Result) bool {
	if signflow.IsStaleCode(res.ErrorCode) {
		return true
	}
	for _, f := range res.Failed {
		if signflow.IsStaleCode(f.ErrorCode) {
			return true
		}
	}
	return false
}

func (s *healthLinkService) serveCached(ctx context.Context, appUserID string, p *fetchPlan, q cache.Lookup) *FetchResponse {
	hit := s.cache.Read(ctx, q)
	if hit == nil {
		return nil
	}
	res, err := fetch.ParseResult(hit.Entry.Payload)
	if err != nil {
		s.logger.Warn("ignoring unreadable cache entry", zap.Error(err), zap.String("id", hit.Entry.ID))
		return nil
	}

	status := hit.Entry.StatusCode
	if status == 0 {
		status = http.StatusOK
		if !res.OK {
			status = http.StatusBadGateway
		}
	}

	if p.link != nil {
		linkPatch := types.LinkPatch{}
		if p.link.LastIdentityHash != p.identity.IdentityHash {
			linkPatch.LastIdentityHash = &p.identity.IdentityHash
		}
		if res.OK && p.link.LastErrorCode != "" {
			linkPatch.ClearError()
		}
		s.upsertLink(ctx, appUserID, linkPatch)
	}

	s.logger.Debug("serving cached health records",
		zap.String("app_user_id", appUserID),
		zap.String("source", string(hit.Source)),
		zap.Bool("stale", hit.Stale))

	return &FetchResponse{
		Result: *res,
		Cached: true,
		Cache: &CacheMeta{
			Source:      hit.Source,
			Stale:       hit.Stale,
			FetchedAt:   hit.Entry.FetchedAt,
			ExpiresAt:   hit.Entry.ExpiresAt,
			RequestHash: hit.Entry.RequestHash,
		},
		Status: status,
	}
}

func (s *healthLinkService) upsertLink(ctx context.Context, appUserID string, linkPatch types.LinkPatch) {
	if linkPatch.IsEmpty() {
		return
	}
	if _, err := s.links.Upsert(ctx, appUserID, types.ProviderName, linkPatch); err != nil {
		s.logger.Error("failed to update link", zap.Error(err), zap.String("app_user_id", appUserID))
	}
}

func requestPayloads(link *types.LinkRecord, window provider.Window) (base, detail provider.Payload) {
	loginMethod := strings.TrimSpace(link.LoginMethod)
	if loginMethod == "" {
		loginMethod = "EASY"
	}
	fields := provider.Payload{
		"loginMethod": loginMethod,
		"cookieData":  link.CookieData,
		"showCookie":  "Y",
	}
	if link.LoginOrgCd != "" {
		fields["loginOrgCd"] = link.LoginOrgCd
	}
	base = window.Payload().With(fields)
	detail = base.With(provider.Payload{"detailYn": "Y", "imgYn": "N"})
	return base, detail
}

func (s *healthLinkService) fetchLive(ctx context.Context, appUserID string, p *fetchPlan, forceRefresh bool) *fetch.Result {
	base, detail := requestPayloads(p.link, p.window)
	res := s.executor.Execute(ctx, fetch.Input{
		Targets:       p.targets,
		YearLimit:     p.yearLimit,
		BasePayload:   base,
		DetailPayload: detail,
		FromDate:      p.window.FromDate,
		ToDate:        p.window.ToDate,
	})

	entry := &types.CacheEntry{
		AppUserID:    appUserID,
		IdentityHash: p.identity.IdentityHash,
		RequestHash:  p.key.RequestHash,
		RequestKey:   p.key.RequestKey,
		Targets:      p.key.NormalizedTargets,
		YearLimit:    p.yearLimit,
		FromDate:     p.window.FromDate,
		ToDate:       p.window.ToDate,
		SubjectType:  p.window.SubjectType,
		OK:           res.OK,
		Partial:      res.Partial,
		StatusCode:   res.StatusCode,
	}
	if payload, err := json.Marshal(res); err == nil {
		entry.Payload = payload
	} else {
		s.logger.Error("failed to marshal fetch result", zap.Error(err))
	}
	s.cache.Write(ctx, entry)

	s.recordFetch(ctx, appUserID, p, res)
	s.recordAttempt(ctx, appUserID, p, res, forceRefresh)
	s.publishFetch(ctx, appUserID, p, res)

	s.logger.Info("health records fetched",
		zap.String("app_user_id", appUserID),
		zap.String("request_hash", p.key.RequestHash),
		zap.Bool("ok", res.OK),
		zap.Bool("partial", res.Partial),
		zap.Int("failed", len(res.Failed)))
	return res
}

func (s *healthLinkService) recordFetch(ctx context.Context, appUserID string, p *fetchPlan, res *fetch.Result) {
	now := s.now()
	linkPatch := types.LinkPatch{
		LastIdentityHash: &p.identity.IdentityHash,
		LastFetchedAt:    &now,
	}
	if res.OK {
		linkPatch.ClearError()
		stepData, cookieData := res.Artifacts()
		if stepData != nil {
			linkPatch.StepData = &stepData
		}
		if cookieData != nil {
			linkPatch.CookieData = &cookieData
		}
	} else {
		code, msg := res.ErrorCode, res.ErrorMessage
		if first := res.FirstFailure(); first != nil {
			code, msg = first.ErrorCode, first.ErrorMessage
		}
		if msg == "" {
			msg = "fetch failed"
		}
		linkPatch.SetError(code, msg)
	}
	s.upsertLink(ctx, appUserID, linkPatch)
}

func (s *healthLinkService) recordAttempt(ctx context.Context, appUserID string, p *fetchPlan, res *fetch.Result, forceRefresh bool) {
	if s.attempts == nil {
		return
	}
	attempt := &types.Attempt{
		AppUserID:    appUserID,
		Provider:     types.ProviderName,
		Action:       types.AttemptFetch,
		IdentityHash: p.identity.IdentityHash,
		RequestHash:  p.key.RequestHash,
		RequestKey:   p.key.RequestKey,
		ForceRefresh: forceRefresh,
		StatusCode:   res.StatusCode,
		OK:           res.OK,
		Reason:       res.ErrorCode,
		CreatedAt:    s.now(),
	}
	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Warn("failed to record fetch attempt", zap.Error(err), zap.String("app_user_id", appUserID))
	}
}

func (s *healthLinkService) publishFetch(ctx context.Context, appUserID string, p *fetchPlan, res *fetch.Result) {
	if s.events == nil {
		return
	}
	failed := make([]string, 0, len(res.Failed))
	for _, f := range res.Failed {
		failed = append(failed, string(f.Target))
	}
	msg := messaging.FetchCompletedMessage{
		AppUserID:     appUserID,
		RequestHash:   p.key.RequestHash,
		Targets:       p.key.NormalizedTargets,
		OK:            res.OK,
		Partial:       res.Partial,
		FailedTargets: failed,
		ErrorCode:     res.ErrorCode,
		CompletedAt:   s.now(),
	}
	if err := s.events.PublishFetchCompleted(ctx, msg); err != nil {
		s.logger.Warn("failed to publish fetch completed", zap.Error(err), zap.String("app_user_id", appUserID))
	}
}

// Summary сводка по основным категориям, недостающие категории догружаются
// из кэша или, при живой сессии, у провайдера.
func (s *healthLinkService) Summary(ctx context.Context, appUserID string, req FetchRequest) (*SummaryResponse, error) {
	req.Targets = types.TargetNames(types.SummaryTargets)
	resp, err := s.GetCachedOrFetch(ctx, appUserID, req)
	if err != nil {
		return nil, err
	}

	out := &SummaryResponse{
		OK:         resp.OK,
		Partial:    resp.Partial,
		Normalized: resp.Normalized,
		Cache:      resp.Cache,
	}
	// базовый запрос провалился целиком, догружать не к чему
	if !resp.OK && resp.Normalized == nil {
		out.ErrorCode = resp.ErrorCode
		out.Code = resp.Code
		out.Reason = resp.Reason
		out.NextAction = resp.NextAction
		out.RetryAfterSec = resp.RetryAfterSec
		out.Budget = resp.Budget
		out.Status = resp.Status
		return out, nil
	}
	needs := patch.DetectMissing(resp.Normalized)
	if needs.Empty() {
		return out, nil
	}

	p, err := s.plan(ctx, appUserID, req)
	if err != nil {
		return nil, err
	}
	preq := patch.Request{
		AppUserID:    appUserID,
		IdentityHash: p.identity.IdentityHash,
		YearLimit:    p.yearLimit,
		FromDate:     p.window.FromDate,
		ToDate:       p.window.ToDate,
		SubjectType:  p.window.SubjectType,
		AllowNetwork: p.hasSession(),
	}
	if p.hasSession() {
		preq.BasePayload, preq.DetailPayload = requestPayloads(p.link, p.window)
	}

	merged, resolution := s.merger.Patch(ctx, resp.Normalized, preq)
	out.Patch = &PatchMeta{Targets: needs.Targets}
	if resolution != nil {
		out.Normalized = merged
		out.OK = true
		out.Patch.Source = resolution.Source
		out.Patch.Stale = resolution.Stale
		out.Patch.Applied = true
	}
	return out, nil
}

// Unlink сбрасывает связку и удаляет кэш пользователя во всех процессах
func (s *healthLinkService) Unlink(ctx context.Context, sessionID, appUserID string) (*UnlinkResult, error) {
	if appUserID == "" {
		return nil, fmt.Errorf("app user id cannot be empty")
	}

	var empty json.RawMessage
	linkPatch := types.LinkPatch{
		Linked:           types.Ptr(false),
		StepData:         &empty,
		CookieData:       &empty,
		LastIdentityHash: types.Ptr(""),
	}
	linkPatch.ClearError()
	if _, err := s.links.Upsert(ctx, appUserID, types.ProviderName, linkPatch); err != nil {
		return nil, fmt.Errorf("failed to reset link: %w", err)
	}

	result := &UnlinkResult{}
	if s.rows != nil {
		deleted, err := s.rows.DeleteByUser(ctx, appUserID, types.ProviderName)
		if err != nil {
			return nil, fmt.Errorf("failed to delete cached records: %w", err)
		}
		result.DeletedCacheRows = deleted
	}
	result.ClearedMemoryEntries = s.cache.Invalidate(appUserID)

	if err := s.signFlow.Reset(ctx, sessionID); err != nil {
		s.logger.Warn("failed to reset sign session", zap.Error(err), zap.String("app_user_id", appUserID))
	}

	if s.events != nil {
		if err := s.events.PublishCacheInvalidate(ctx, appUserID); err != nil {
			s.logger.Warn("failed to publish cache invalidation", zap.Error(err), zap.String("app_user_id", appUserID))
		}
		if err := s.events.PublishLinkUpdated(ctx, appUserID, false, "unlink"); err != nil {
			s.logger.Warn("failed to publish link update", zap.Error(err), zap.String("app_user_id", appUserID))
		}
	}

	s.logger.Info("provider unlinked",
		zap.String("app_user_id", appUserID),
		zap.Int64("deleted_cache_rows", result.DeletedCacheRows),
		zap.Int("cleared_memory_entries", result.ClearedMemoryEntries))
	return result, nil
}
