package types

import (
	"encoding/json"
	"time"
)

// LinkRecord представляет запись в таблице health_provider_link
type LinkRecord struct {
	AppUserID        string          `json:"app_user_id" db:"app_user_id"`
	Provider         string          `json:"provider" db:"provider"`
	Linked           bool            `json:"linked" db:"linked"`
	LoginMethod      string          `json:"login_method" db:"login_method"`
	LoginOrgCd       string          `json:"login_org_cd" db:"login_org_cd"`
	StepData         json.RawMessage `json:"-" db:"step_data"`
	CookieData       json.RawMessage `json:"-" db:"cookie_data"`
	LastIdentityHash string          `json:"last_identity_hash" db:"last_identity_hash"`
	LastLinkedAt     *time.Time      `json:"last_linked_at,omitempty" db:"last_linked_at"`
	LastFetchedAt    *time.Time      `json:"last_fetched_at,omitempty" db:"last_fetched_at"`
	LastErrorCode    string          `json:"last_error_code,omitempty" db:"last_error_code"`
	LastErrorMessage string          `json:"last_error_message,omitempty" db:"last_error_message"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

func (l *LinkRecord) HasStepData() bool {
	return l != nil && hasJSONValue(l.StepData)
}

func (l *LinkRecord) HasCookieData() bool {
	return l != nil && hasJSONValue(l.CookieData)
}

func hasJSONValue(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// LinkPatch частичное обновление связки. nil поле не изменяется,
// указатель на пустое значение записывает NULL.
type LinkPatch struct {
	Linked           *bool
	LoginMethod      *string
	LoginOrgCd       *string
	StepData         *json.RawMessage
	CookieData       *json.RawMessage
	LastIdentityHash *string
	LastLinkedAt     *time.Time
	LastFetchedAt    *time.Time
	LastErrorCode    *string
	LastErrorMessage *string
}

func (p LinkPatch) IsEmpty() bool {
	return p.Linked == nil && p.LoginMethod == nil && p.LoginOrgCd == nil &&
		p.StepData == nil && p.CookieData == nil && p.LastIdentityHash == nil &&
		p.LastLinkedAt == nil && p.LastFetchedAt == nil &&
		p.LastErrorCode == nil && p.LastErrorMessage == nil
}

// ClearError заполняет патч так, чтобы сбросить последнюю ошибку
func (p *LinkPatch) ClearError() {
	empty := ""
	p.LastErrorCode = &empty
	p.LastErrorMessage = &empty
}

func (p *LinkPatch) SetError(code, message string) {
	p.LastErrorCode = &code
	p.LastErrorMessage = &message
}

func Ptr[T any](v T) *T {
	return &v
}
