package types

import "time"

// PendingAuth данные, сохранённые шагом init до подтверждения пользователем
type PendingAuth struct {
	LoginMethod string    `json:"login_method"`
	LoginOrgCd  string    `json:"login_org_cd"`
	ResNm       string    `json:"res_nm"`
	ResNo       string    `json:"res_no"`
	MobileNo    string    `json:"mobile_no"`
	SavedAt     time.Time `json:"saved_at"`
}

func (p *PendingAuth) ExpiresAt(ttl time.Duration) time.Time {
	return p.SavedAt.Add(ttl)
}

// Expired true, если с момента init прошло больше ttl
func (p *PendingAuth) Expired(now time.Time, ttl time.Duration) bool {
	return now.After(p.SavedAt.Add(ttl))
}

// SessionState состояние сессии пользователя, связанное с процедурой подписи
type SessionState struct {
	PendingAuth  *PendingAuth `json:"pending_auth,omitempty"`
	SignAttempts []time.Time  `json:"sign_attempts,omitempty"`
}
