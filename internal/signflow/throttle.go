package signflow

import (
	"math"
	"time"
)

const (
	ReasonMinInterval = "min_interval"
	ReasonWindowLimit = "window_limit"
)

type ThrottleConfig struct {
	MinInterval time.Duration
	Window      time.Duration
	MaxAttempts int
	HistoryCap  int
}

// Snapshot состояние ограничителя для ответа клиенту
type Snapshot struct {
	AttemptsInWindow int        `json:"attemptsInWindow"`
	MaxAttempts      int        `json:"maxAttempts"`
	WindowSec        int        `json:"windowSec"`
	MinIntervalSec   int        `json:"minIntervalSec"`
	LastAttemptAt    *time.Time `json:"lastAttemptAt,omitempty"`
}

type Decision struct {
	Allowed       bool
	Reason        string
	RetryAfterSec int
	AvailableAt   time.Time
	Snapshot      Snapshot
}

// inWindow попытки моложе окна, в порядке возрастания времени
func inWindow(history []time.Time, now time.Time, window time.Duration) []time.Time {
	var out []time.Time
	for _, at := range history {
		if now.Sub(at) < window {
			out = append(out, at)
		}
	}
	return out
}

func lastAttempt(history []time.Time) *time.Time {
	var last *time.Time
	for i := range history {
		if last == nil || history[i].After(*last) {
			at := history[i]
			last = &at
		}
	}
	return last
}

func retryAfter(availableAt, now time.Time) int {
	sec := int(math.Ceil(availableAt.Sub(now).Seconds()))
	if sec < 1 {
		sec = 1
	}
	return sec
}

func (c ThrottleConfig) snapshot(history []time.Time, now time.Time) Snapshot {
	return Snapshot{
		AttemptsInWindow: len(inWindow(history, now, c.Window)),
		MaxAttempts:      c.MaxAttempts,
		WindowSec:        int(c.Window / time.Second),
		MinIntervalSec:   int(c.MinInterval / time.Second),
		LastAttemptAt:    lastAttempt(history),
	}
}

// Evaluate проверяет лимит окна и минимальный интервал. Окно скользящее,
// отсчитывается от самой старой попытки внутри него.
func (c ThrottleConfig) Evaluate(history []time.Time, now time.Time) Decision {
	snap := c.snapshot(history, now)

	if c.MaxAttempts > 0 && c.Window > 0 {
		recent := inWindow(history, now, c.Window)
		if len(recent) >= c.MaxAttempts {
			oldest := recent[0]
			for _, at := range recent[1:] {
				if at.Before(oldest) {
					oldest = at
				}
			}
			availableAt := oldest.Add(c.Window)
			return Decision{
				Reason:        ReasonWindowLimit,
				RetryAfterSec: retryAfter(availableAt, now),
				AvailableAt:   availableAt,
				Snapshot:      snap,
			}
		}
	}

	if c.MinInterval > 0 && snap.LastAttemptAt != nil && now.Sub(*snap.LastAttemptAt) < c.MinInterval {
		availableAt := snap.LastAttemptAt.Add(c.MinInterval)
		return Decision{
			Reason:        ReasonMinInterval,
			RetryAfterSec: retryAfter(availableAt, now),
			AvailableAt:   availableAt,
			Snapshot:      snap,
		}
	}

	return Decision{Allowed: true, AvailableAt: now, Snapshot: snap}
}

// Record добавляет попытку и оставляет не больше HistoryCap последних
func (c ThrottleConfig) Record(history []time.Time, now time.Time) []time.Time {
	out := append(append([]time.Time(nil), history...), now)
	if c.HistoryCap > 0 && len(out) > c.HistoryCap {
		out = out[len(out)-c.HistoryCap:]
	}
	return out
}
