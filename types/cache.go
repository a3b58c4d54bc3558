package types

import (
	"encoding/json"
	"time"
)

// ProviderName идентификатор провайдера в таблицах кэша и связок
const ProviderName = "HYPHEN_NHIS"

// CacheEntry представляет запись в таблице health_provider_fetch_cache
type CacheEntry struct {
	ID           string          `json:"id" db:"id"`
	AppUserID    string          `json:"app_user_id" db:"app_user_id"`
	Provider     string          `json:"provider" db:"provider"`
	IdentityHash string          `json:"identity_hash" db:"identity_hash"`
	RequestHash  string          `json:"request_hash" db:"request_hash"`
	RequestKey   string          `json:"request_key" db:"request_key"`
	Targets      []string        `json:"targets" db:"targets"`
	YearLimit    int             `json:"year_limit" db:"year_limit"`
	FromDate     string          `json:"from_date" db:"from_date"`
	ToDate       string          `json:"to_date" db:"to_date"`
	SubjectType  string          `json:"subject_type" db:"subject_type"`
	OK           bool            `json:"ok" db:"ok"`
	Partial      bool            `json:"partial" db:"partial"`
	StatusCode   int             `json:"status_code" db:"status_code"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	FetchedAt    time.Time       `json:"fetched_at" db:"fetched_at"`
	ExpiresAt    time.Time       `json:"expires_at" db:"expires_at"`
	HitCount     int             `json:"hit_count" db:"hit_count"`
	LastHitAt    *time.Time      `json:"last_hit_at,omitempty" db:"last_hit_at"`
}

// Expired сообщает, истёк ли срок жизни записи на момент now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Clone возвращает копию записи, которую можно отдавать вызывающему коду
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Targets = append([]string(nil), e.Targets...)
	if e.LastHitAt != nil {
		t := *e.LastHitAt
		c.LastHitAt = &t
	}
	return &c
}

// IdentityLookup фильтр поиска последней записи кэша по владельцу данных
type IdentityLookup struct {
	AppUserID      string
	Provider       string
	IdentityHash   string
	Targets        []string
	YearLimit      int
	SubjectType    string
	IncludeExpired bool
	Now            time.Time
}
