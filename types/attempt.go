package types

import "time"

// Действия, которые попадают в журнал обращений к провайдеру
const (
	AttemptFetch = "fetch"
	AttemptInit  = "init"
	AttemptSign  = "sign"
)

// Attempt представляет запись в таблице health_provider_fetch_attempt
type Attempt struct {
	ID           string    `json:"id" db:"id"`
	AppUserID    string    `json:"app_user_id" db:"app_user_id"`
	Provider     string    `json:"provider" db:"provider"`
	Action       string    `json:"action" db:"action"`
	IdentityHash string    `json:"identity_hash" db:"identity_hash"`
	RequestHash  string    `json:"request_hash" db:"request_hash"`
	RequestKey   string    `json:"request_key" db:"request_key"`
	ForceRefresh bool      `json:"force_refresh" db:"force_refresh"`
	Cached       bool      `json:"cached" db:"cached"`
	StatusCode   int       `json:"status_code" db:"status_code"`
	OK           bool      `json:"ok" db:"ok"`
	Reason       string    `json:"reason" db:"reason"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
