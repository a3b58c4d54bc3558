// Package cache реализует двухуровневый кэш ответов провайдера:
// память процесса и постоянное хранилище.
package cache

import (
	"time"

	"healthlink_gateway/types"
)

// TTLPolicy сроки жизни записей в зависимости от результата и класса целей
type TTLPolicy struct {
	Failure time.Duration
	Partial time.Duration
	Summary time.Duration
	Detail  time.Duration
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Failure: 10 * time.Minute,
		Partial: 120 * time.Minute,
		Summary: 720 * time.Minute,
		Detail:  4320 * time.Minute,
	}
}

// For выбирает TTL: ошибка -> частичный успех -> детальные цели -> сводные
func (p TTLPolicy) For(ok, partial bool, targets []string) time.Duration {
	switch {
	case !ok:
		return p.Failure
	case partial:
		return p.Partial
	case hasDetailTarget(targets):
		return p.Detail
	default:
		return p.Summary
	}
}

// Apply выставляет ExpiresAt относительно FetchedAt
func (p TTLPolicy) Apply(entry *types.CacheEntry) {
	entry.ExpiresAt = entry.FetchedAt.Add(p.For(entry.OK, entry.Partial, entry.Targets))
}

func hasDetailTarget(targets []string) bool {
	for _, t := range targets {
		if types.Target(t).IsDetail() {
			return true
		}
	}
	return false
}
