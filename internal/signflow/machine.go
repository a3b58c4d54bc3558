// Package signflow ведёт процедуру подтверждения личности у провайдера:
// init -> ожидание подтверждения -> sign.
package signflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"healthlink_gateway/internal/identity"
	"healthlink_gateway/internal/inflight"
	"healthlink_gateway/internal/provider"
	"healthlink_gateway/internal/repository"
	"healthlink_gateway/internal/session"
	"healthlink_gateway/types"

	"go.uber.org/zap"
)

const defaultLoginMethod = "EASY"

type Config struct {
	Throttle       ThrottleConfig
	PendingAuthTTL time.Duration
	PendingReuse   time.Duration
	AutoReinit     bool
}

func DefaultConfig() Config {
	return Config{
		Throttle: ThrottleConfig{
			MinInterval: 20 * time.Second,
			Window:      900 * time.Second,
			MaxAttempts: 8,
			HistoryCap:  20,
		},
		PendingAuthTTL: time.Hour,
		PendingReuse:   90 * time.Second,
		AutoReinit:     true,
	}
}

// Provider шаги init и sign у провайдера
type Provider interface {
	Init(ctx context.Context, payload provider.Payload) (provider.Response, error)
	Sign(ctx context.Context, payload provider.Payload, stepData, cookieData json.RawMessage) (provider.Response, error)
}

// Notifier получает изменения состояния связки
type Notifier interface {
	PublishLinkUpdated(ctx context.Context, appUserID string, linked bool, reason string) error
}

type InitInput struct {
	LoginMethod string `json:"loginMethod"`
	LoginOrgCd  string `json:"loginOrgCd"`
	ResNm       string `json:"resNm"`
	ResNo       string `json:"resNo"`
	MobileNo    string `json:"mobileNo"`
	Force       bool   `json:"force"`
}

type SignInput struct {
	OtpOrAuthResult json.RawMessage `json:"otpOrAuthResult,omitempty"`
}

// Outcome результат шага для клиента. Status код HTTP ответа.
type Outcome struct {
	OK            bool       `json:"ok"`
	Linked        bool       `json:"linked"`
	NextStep      string     `json:"nextStep,omitempty"`
	NextAction    string     `json:"nextAction,omitempty"`
	Code          string     `json:"code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Message       string     `json:"error,omitempty"`
	Reused        bool       `json:"reused,omitempty"`
	Reinitialized bool       `json:"reinitialized,omitempty"`
	RetryAfterSec int        `json:"retryAfterSec,omitempty"`
	AvailableAt   *time.Time `json:"availableAt,omitempty"`
	Throttle      *Snapshot  `json:"throttle,omitempty"`
	Status        int        `json:"-"`
}

// StatusView текущее состояние связки и процедуры подписи
type StatusView struct {
	Linked               bool       `json:"linked"`
	LoginOrgCd           string     `json:"loginOrgCd,omitempty"`
	LastLinkedAt         *time.Time `json:"lastLinkedAt,omitempty"`
	LastFetchedAt        *time.Time `json:"lastFetchedAt,omitempty"`
	LastErrorCode        string     `json:"lastErrorCode,omitempty"`
	LastErrorMessage     string     `json:"lastErrorMessage,omitempty"`
	PendingAuthReady     bool       `json:"pendingAuthReady"`
	PendingAuthExpiresAt *time.Time `json:"pendingAuthExpiresAt,omitempty"`
	SignThrottle         Snapshot   `json:"signThrottle"`
}

type Machine struct {
	provider Provider
	links    repository.LinkRepository
	sessions session.Store
	hasher   *identity.Hasher
	dedup    *inflight.Group
	notifier Notifier
	window   func() provider.Window
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewMachine(
	p Provider,
	links repository.LinkRepository,
	sessions session.Store,
	hasher *identity.Hasher,
	dedup *inflight.Group,
	window func() provider.Window,
	cfg Config,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		provider: p,
		links:    links,
		sessions: sessions,
		hasher:   hasher,
		dedup:    dedup,
		window:   window,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier включает публикацию изменений связки
func (m *Machine) WithNotifier(n Notifier) *Machine {
	m.notifier = n
	return m
}

func normalizeInit(in InitInput) InitInput {
	in.LoginMethod = strings.ToUpper(strings.TrimSpace(in.LoginMethod))
	if in.LoginMethod == "" {
		in.LoginMethod = defaultLoginMethod
	}
	in.LoginOrgCd = strings.TrimSpace(in.LoginOrgCd)
	in.ResNm = strings.TrimSpace(in.ResNm)
	in.ResNo = strings.TrimSpace(in.ResNo)
	in.MobileNo = strings.TrimSpace(in.MobileNo)
	return in
}

func identityInput(appUserID string, p *types.PendingAuth, storedHash string) identity.Input {
	return identity.Input{
		AppUserID:          appUserID,
		LoginOrgCd:         p.LoginOrgCd,
		ResNm:              p.ResNm,
		ResNo:              p.ResNo,
		MobileNo:           p.MobileNo,
		StoredIdentityHash: storedHash,
	}
}

func (m *Machine) basePayload(p *types.PendingAuth) provider.Payload {
	payload := provider.Payload{}
	if m.window != nil {
		payload = m.window().Payload()
	}
	return payload.With(provider.Payload{
		"loginMethod": p.LoginMethod,
		"loginOrgCd":  p.LoginOrgCd,
		"resNm":       p.ResNm,
		"resNo":       p.ResNo,
		"mobileNo":    p.MobileNo,
	})
}

func samePII(a *types.PendingAuth, b InitInput) bool {
	return a.LoginMethod == b.LoginMethod && a.LoginOrgCd == b.LoginOrgCd &&
		a.ResNm == b.ResNm && a.ResNo == b.ResNo && a.MobileNo == b.MobileNo
}

func statusOf(err error) int {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= http.StatusBadRequest {
		return apiErr.Status
	}
	return http.StatusBadGateway
}

func (m *Machine) notify(ctx context.Context, appUserID string, linked bool, reason string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.PublishLinkUpdated(ctx, appUserID, linked, reason); err != nil {
		m.logger.Warn("failed to publish link update", zap.String("app_user_id", appUserID), zap.Error(err))
	}
}

// Initialize запускает процедуру подтверждения и сохраняет ожидающие данные в сессии
func (m *Machine) Initialize(ctx context.Context, sessionID, appUserID string, in InitInput) (*Outcome, error) {
	in = normalizeInit(in)
	pending := &types.PendingAuth{
		LoginMethod: in.LoginMethod,
		LoginOrgCd:  in.LoginOrgCd,
		ResNm:       in.ResNm,
		ResNo:       in.ResNo,
		MobileNo:    in.MobileNo,
	}
	idIn := identityInput(appUserID, pending, "")
	if !identity.PIIComplete(idIn) {
		return nil, session.ErrInvalidPII
	}
	ident := m.hasher.Resolve(idIn)
	now := m.now()

	link, err := m.links.Get(ctx, appUserID, types.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("failed to load link: %w", err)
	}
	state, err := m.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if m.canReuse(link, state, ident.IdentityHash, in, now) {
		m.logger.Info("reusing pending sign step", zap.String("app_user_id", appUserID))
		return &Outcome{OK: true, NextStep: ActionSign, Reused: true, Status: http.StatusOK}, nil
	}

	key := appUserID + "|" + ident.IdentityHash + "|" + in.LoginOrgCd
	resp, err := inflight.Run(ctx, m.dedup, "init", key, func(ctx context.Context) (provider.Response, error) {
		return m.provider.Init(ctx, m.basePayload(pending))
	})
	if err != nil {
		code, msg := provider.CodeMessage(err)
		m.logger.Warn("sign init failed",
			zap.String("app_user_id", appUserID),
			zap.String("code", code),
			zap.Error(err),
		)
		patch := types.LinkPatch{Linked: types.Ptr(false)}
		patch.SetError(code, msg)
		if _, upErr := m.links.Upsert(ctx, appUserID, types.ProviderName, patch); upErr != nil {
			m.logger.Error("failed to store init error", zap.Error(upErr))
		}
		return &Outcome{Code: code, Message: msg, NextAction: ActionInit, Status: statusOf(err)}, nil
	}

	stepData := provider.ExtractStepData(resp)
	if stepData == nil {
		return &Outcome{Message: "provider returned no step data", NextAction: ActionInit, Status: http.StatusBadGateway}, nil
	}

	patch := types.LinkPatch{
		Linked:           types.Ptr(false),
		LoginMethod:      &in.LoginMethod,
		LoginOrgCd:       &in.LoginOrgCd,
		StepData:         &stepData,
		LastIdentityHash: &ident.IdentityHash,
	}
	if cookie := provider.ExtractCookieData(resp); cookie != nil {
		patch.CookieData = &cookie
	}
	patch.ClearError()
	if _, err := m.links.Upsert(ctx, appUserID, types.ProviderName, patch); err != nil {
		return nil, fmt.Errorf("failed to store init step: %w", err)
	}

	pending.SavedAt = now
	state.PendingAuth = pending
	state.SignAttempts = nil
	if err := m.sessions.Save(ctx, sessionID, state); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.notify(ctx, appUserID, false, "init")
	return &Outcome{OK: true, NextStep: ActionSign, Status: http.StatusOK}, nil
}

func (m *Machine) canReuse(link *types.LinkRecord, state *types.SessionState, identityHash string, in InitInput, now time.Time) bool {
	if in.Force || link == nil || link.Linked || !link.HasStepData() {
		return false
	}
	p := state.PendingAuth
	if p == nil || now.Sub(p.SavedAt) >= m.cfg.PendingReuse {
		return false
	}
	if IsStaleCode(link.LastErrorCode) || link.LastIdentityHash != identityHash {
		return false
	}
	return samePII(p, in)
}

func (m *Machine) rateLimited(d Decision) *Outcome {
	availableAt := d.AvailableAt
	snap := d.Snapshot
	return &Outcome{
		Code:          CodeRateLimited,
		Reason:        ReasonRateLimited,
		NextAction:    ActionWait,
		Message:       fmt.Sprintf("too many sign attempts (%s), retry in %d seconds", d.Reason, d.RetryAfterSec),
		RetryAfterSec: d.RetryAfterSec,
		AvailableAt:   &availableAt,
		Throttle:      &snap,
		Status:        http.StatusTooManyRequests,
	}
}

// AttemptSign завершает процедуру после подтверждения пользователем
func (m *Machine) AttemptSign(ctx context.Context, sessionID, appUserID string, in SignInput) (*Outcome, error) {
	link, err := m.links.Get(ctx, appUserID, types.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("failed to load link: %w", err)
	}
	if !link.HasStepData() {
		return &Outcome{
			Code:       CodeInitRequired,
			Reason:     ReasonInitRequired,
			NextAction: ActionInit,
			Message:    "verification was not started, call init first",
			Status:     http.StatusConflict,
		}, nil
	}

	// проверка и учёт попытки выполняются одной операцией над сессией,
	// параллельные запросы не проходят ограничитель вдвоём
	now := m.now()
	var (
		pending  *types.PendingAuth
		ident    identity.Identity
		reused   bool
		decision Decision
	)
	err = m.sessions.Update(ctx, sessionID, func(state *types.SessionState) bool {
		pending, reused, decision = state.PendingAuth, false, Decision{}
		if pending == nil || pending.Expired(now, m.cfg.PendingAuthTTL) {
			expired := pending != nil
			state.PendingAuth, pending = nil, nil
			return expired
		}
		ident = m.hasher.Resolve(identityInput(appUserID, pending, link.LastIdentityHash))
		if link.Linked && link.HasCookieData() && link.LastIdentityHash == ident.IdentityHash {
			reused = true
			return false
		}
		decision = m.cfg.Throttle.Evaluate(state.SignAttempts, now)
		if !decision.Allowed {
			return false
		}
		state.SignAttempts = m.cfg.Throttle.Record(state.SignAttempts, now)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if pending == nil {
		return &Outcome{
			Code:       CodeAuthExpired,
			Reason:     ReasonAuthExpired,
			NextAction: ActionInit,
			Message:    "verification session expired, start again from init",
			Status:     http.StatusConflict,
		}, nil
	}

	if reused {
		return &Outcome{OK: true, Linked: true, Reused: true, Reason: ReasonAlreadyLinked, Status: http.StatusOK}, nil
	}
	if !decision.Allowed {
		m.logger.Info("sign attempt throttled",
			zap.String("app_user_id", appUserID),
			zap.String("reason", decision.Reason),
			zap.Int("retry_after_sec", decision.RetryAfterSec),
		)
		return m.rateLimited(decision), nil
	}

	payload := m.basePayload(pending)
	if len(in.OtpOrAuthResult) > 0 {
		payload["otpOrAuthResult"] = in.OtpOrAuthResult
	}

	key := appUserID + "|" + ident.IdentityHash + "|" + pending.LoginOrgCd
	resp, err := inflight.Run(ctx, m.dedup, "sign", key, func(ctx context.Context) (provider.Response, error) {
		return m.provider.Sign(ctx, payload, link.StepData, link.CookieData)
	})
	if err == nil {
		return m.completeSign(ctx, sessionID, appUserID, link, pending, ident.IdentityHash, resp)
	}

	code, msg := provider.CodeMessage(err)
	m.logger.Warn("sign attempt failed",
		zap.String("app_user_id", appUserID),
		zap.String("code", code),
		zap.Error(err),
	)

	if IsStaleCode(code) && m.cfg.AutoReinit {
		out, reErr := m.reinitialize(ctx, sessionID, appUserID, pending, ident.IdentityHash)
		if reErr != nil {
			m.logger.Warn("sign reinit failed", zap.String("app_user_id", appUserID), zap.Error(reErr))
		} else if out != nil {
			return out, nil
		}
	}

	patch := types.LinkPatch{}
	patch.SetError(code, msg)
	if _, upErr := m.links.Upsert(ctx, appUserID, types.ProviderName, patch); upErr != nil {
		m.logger.Error("failed to store sign error", zap.Error(upErr))
	}

	if g := ResolveGuidance(code, msg); g != nil {
		return &Outcome{
			Code:       code,
			Reason:     g.Reason,
			NextAction: g.NextAction,
			Message:    g.Message,
			Status:     http.StatusConflict,
		}, nil
	}
	return &Outcome{Code: code, Message: msg, Status: statusOf(err)}, nil
}

func (m *Machine) completeSign(ctx context.Context, sessionID, appUserID string, link *types.LinkRecord, pending *types.PendingAuth, identityHash string, resp provider.Response) (*Outcome, error) {
	now := m.now()
	stepData := provider.ExtractStepData(resp)
	if stepData == nil {
		stepData = link.StepData
	}
	cookieData := provider.ExtractCookieData(resp)
	if cookieData == nil {
		cookieData = link.CookieData
	}

	loginMethod := pending.LoginMethod
	if loginMethod == "" {
		loginMethod = defaultLoginMethod
	}
	patch := types.LinkPatch{
		Linked:           types.Ptr(true),
		LoginMethod:      &loginMethod,
		LoginOrgCd:       &pending.LoginOrgCd,
		StepData:         &stepData,
		CookieData:       &cookieData,
		LastIdentityHash: &identityHash,
		LastLinkedAt:     &now,
	}
	patch.ClearError()
	if _, err := m.links.Upsert(ctx, appUserID, types.ProviderName, patch); err != nil {
		return nil, fmt.Errorf("failed to store linked state: %w", err)
	}

	err := m.sessions.Update(ctx, sessionID, func(state *types.SessionState) bool {
		state.PendingAuth = nil
		return true
	})
	if err != nil {
		m.logger.Warn("failed to clear pending auth", zap.Error(err))
	}

	m.logger.Info("provider linked", zap.String("app_user_id", appUserID))
	m.notify(ctx, appUserID, true, "sign")
	return &Outcome{OK: true, Linked: true, Status: http.StatusOK}, nil
}

// reinitialize повторяет init после ответа о протухшей сессии.
// nil без ошибки, если провайдер не вернул новый step data.
func (m *Machine) reinitialize(ctx context.Context, sessionID, appUserID string, pending *types.PendingAuth, identityHash string) (*Outcome, error) {
	key := appUserID + "|" + identityHash + "|" + pending.LoginOrgCd + "|sign-reinit"
	resp, err := inflight.Run(ctx, m.dedup, "init", key, func(ctx context.Context) (provider.Response, error) {
		return m.provider.Init(ctx, m.basePayload(pending))
	})
	if err != nil {
		return nil, err
	}
	stepData := provider.ExtractStepData(resp)
	if stepData == nil {
		return nil, nil
	}

	patch := types.LinkPatch{
		Linked:           types.Ptr(false),
		StepData:         &stepData,
		LastIdentityHash: &identityHash,
	}
	if cookie := provider.ExtractCookieData(resp); cookie != nil {
		patch.CookieData = &cookie
	}
	patch.ClearError()
	if _, err := m.links.Upsert(ctx, appUserID, types.ProviderName, patch); err != nil {
		return nil, fmt.Errorf("failed to store reinit step: %w", err)
	}

	renewed := *pending
	renewed.SavedAt = m.now()
	err = m.sessions.Update(ctx, sessionID, func(state *types.SessionState) bool {
		state.PendingAuth = &renewed
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.logger.Info("sign session reinitialized", zap.String("app_user_id", appUserID))
	return &Outcome{
		NextAction:    ActionSign,
		Code:          CodeReinitRequired,
		Reason:        ReasonReinitialized,
		Message:       "verification was restarted, approve the new request and sign again",
		Reinitialized: true,
		Status:        http.StatusConflict,
	}, nil
}

// Status собирает состояние связки, ожидающей авторизации и ограничителя
func (m *Machine) Status(ctx context.Context, sessionID, appUserID string) (*StatusView, error) {
	link, err := m.links.Get(ctx, appUserID, types.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("failed to load link: %w", err)
	}
	state, err := m.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	now := m.now()

	view := &StatusView{SignThrottle: m.cfg.Throttle.snapshot(state.SignAttempts, now)}
	if link != nil {
		view.Linked = link.Linked
		view.LoginOrgCd = link.LoginOrgCd
		view.LastLinkedAt = link.LastLinkedAt
		view.LastFetchedAt = link.LastFetchedAt
		view.LastErrorCode = link.LastErrorCode
		view.LastErrorMessage = link.LastErrorMessage
	}
	if p := state.PendingAuth; p != nil && !p.Expired(now, m.cfg.PendingAuthTTL) {
		expiresAt := p.ExpiresAt(m.cfg.PendingAuthTTL)
		view.PendingAuthReady = link.HasStepData()
		view.PendingAuthExpiresAt = &expiresAt
	}
	return view, nil
}

// Reset сбрасывает ожидающую авторизацию и историю попыток сессии
func (m *Machine) Reset(ctx context.Context, sessionID string) error {
	if err := m.sessions.Save(ctx, sessionID, &types.SessionState{}); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	return nil
}
