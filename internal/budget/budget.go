// Package budget ограничивает число живых запросов к провайдеру на
// пользователя в скользящем окне.
package budget

import (
	"context"
	"fmt"
	"math"
	"time"

	"healthlink_gateway/types"

	"go.uber.org/zap"
)

const (
	ReasonFresh        = "fresh"
	ReasonForceRefresh = "forceRefresh"

	// fallbackRetryAfterSec подсказка клиенту, когда в окне нет ни одного запроса
	fallbackRetryAfterSec = 60
)

type Policy struct {
	Window          time.Duration
	MaxFresh        int
	MaxForceRefresh int
}

func DefaultPolicy() Policy {
	return Policy{
		Window:          24 * time.Hour,
		MaxFresh:        6,
		MaxForceRefresh: 2,
	}
}

// Ledger журнал живых запросов. forceRefresh разделяет обычные запросы
// и принудительные обновления.
type Ledger interface {
	CountFetchAttempts(ctx context.Context, appUserID, provider string, since time.Time, forceRefresh bool) (int, error)
	EarliestFetchAttempt(ctx context.Context, appUserID, provider string, since time.Time, forceRefresh bool) (*time.Time, error)
}

type Usage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

func newUsage(used, limit int) Usage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Used: used, Limit: limit, Remaining: remaining}
}

type Snapshot struct {
	WindowHours  int   `json:"windowHours"`
	Fresh        Usage `json:"fresh"`
	ForceRefresh Usage `json:"forceRefresh"`
}

type Decision struct {
	Available bool
	// Reason какой лимит исчерпан: ReasonFresh или ReasonForceRefresh
	Reason        string
	RetryAfterSec int
	Snapshot      Snapshot
}

type Guard struct {
	ledger Ledger
	policy Policy
	logger *zap.Logger
}

func NewGuard(ledger Ledger, policy Policy, logger *zap.Logger) *Guard {
	def := DefaultPolicy()
	if policy.Window <= 0 {
		policy.Window = def.Window
	}
	if policy.MaxFresh < 1 {
		policy.MaxFresh = def.MaxFresh
	}
	if policy.MaxForceRefresh < 1 {
		policy.MaxForceRefresh = def.MaxForceRefresh
	}
	return &Guard{ledger: ledger, policy: policy, logger: logger}
}

func (g *Guard) Policy() Policy {
	return g.policy
}

// Snapshot использование лимитов на момент now
func (g *Guard) Snapshot(ctx context.Context, appUserID string, now time.Time) (*Snapshot, error) {
	since := now.Add(-g.policy.Window)

	fresh, err := g.ledger.CountFetchAttempts(ctx, appUserID, types.ProviderName, since, false)
	if err != nil {
		return nil, fmt.Errorf("failed to count fresh fetches: %w", err)
	}
	forced, err := g.ledger.CountFetchAttempts(ctx, appUserID, types.ProviderName, since, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count force refreshes: %w", err)
	}

	return &Snapshot{
		WindowHours:  int(g.policy.Window / time.Hour),
		Fresh:        newUsage(fresh, g.policy.MaxFresh),
		ForceRefresh: newUsage(forced, g.policy.MaxForceRefresh),
	}, nil
}

// Evaluate решает, можно ли выполнить ещё один живой запрос. Исчерпанный
// лимит обычных запросов блокирует и принудительные обновления.
func (g *Guard) Evaluate(ctx context.Context, appUserID string, forceRefresh bool, now time.Time) (*Decision, error) {
	snapshot, err := g.Snapshot(ctx, appUserID, now)
	if err != nil {
		return nil, err
	}

	decision := &Decision{Available: true, Snapshot: *snapshot}
	switch {
	case snapshot.Fresh.Used >= snapshot.Fresh.Limit:
		decision.Reason = ReasonFresh
	case forceRefresh && snapshot.ForceRefresh.Used >= snapshot.ForceRefresh.Limit:
		decision.Reason = ReasonForceRefresh
	default:
		return decision, nil
	}
	decision.Available = false

	earliest, err := g.ledger.EarliestFetchAttempt(ctx, appUserID, types.ProviderName,
		now.Add(-g.policy.Window), decision.Reason == ReasonForceRefresh)
	if err != nil {
		return nil, fmt.Errorf("failed to find earliest fetch: %w", err)
	}
	decision.RetryAfterSec = g.retryAfter(earliest, now)

	g.logger.Info("fetch budget exhausted",
		zap.String("app_user_id", appUserID),
		zap.String("reason", decision.Reason),
		zap.Int("retry_after_sec", decision.RetryAfterSec))
	return decision, nil
}

// retryAfter секунды до выхода самого раннего запроса из окна, не меньше 1
func (g *Guard) retryAfter(earliest *time.Time, now time.Time) int {
	if earliest == nil {
		return fallbackRetryAfterSec
	}
	remaining := earliest.Add(g.policy.Window).Sub(now)
	sec := int(math.Ceil(remaining.Seconds()))
	if sec < 1 {
		return 1
	}
	return sec
}
