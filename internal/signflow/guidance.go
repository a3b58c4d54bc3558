package signflow

import "strings"

const (
	ActionInit = "init"
	ActionSign = "sign"
	ActionWait = "wait"
)

const (
	CodeInitRequired   = "NHIS_INIT_REQUIRED"
	CodeAuthExpired    = "NHIS_AUTH_EXPIRED"
	CodeSignPending    = "NHIS_SIGN_PENDING"
	CodeReinitRequired = "NHIS_SIGN_REINIT_REQUIRED"
	CodeRateLimited    = "NHIS_SIGN_RATE_LIMIT"
)

const (
	ReasonInitRequired  = "nhis_sign_init_required"
	ReasonAuthExpired   = "nhis_auth_expired"
	ReasonSignPending   = "nhis_sign_pending"
	ReasonReinitialized = "nhis_sign_reinitialized"
	ReasonRateLimited   = "nhis_sign_rate_limited"
	ReasonAlreadyLinked = "already_linked"
)

// коды провайдера, означающие протухшую сессию подписи
var staleCodes = map[string]struct{}{
	"LOGIN-999": {},
	"C0012-001": {},
}

func IsStaleCode(code string) bool {
	_, ok := staleCodes[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// Guidance рекомендация клиенту, что делать дальше
type Guidance struct {
	NextAction string
	Reason     string
	Message    string
}

var (
	missingMarkers = []string{"없", "만료", "not found", "no request", "expired"}
	pendingMarkers = []string{"승인", "대기", "카카오톡", "approv", "pending", "waiting", "kakaotalk"}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ResolveGuidance классифицирует ошибку подписи: сначала по коду, затем по
// тексту сообщения. nil означает, что ошибка не распознана.
func ResolveGuidance(code, message string) *Guidance {
	if IsStaleCode(code) {
		return &Guidance{
			NextAction: ActionInit,
			Reason:     ReasonAuthExpired,
			Message:    "verification session expired, start again from init",
		}
	}

	msg := strings.ToLower(message)
	hasRequest := strings.Contains(msg, "요청") || strings.Contains(msg, "request")
	if hasRequest && containsAny(msg, missingMarkers) {
		return &Guidance{
			NextAction: ActionInit,
			Reason:     ReasonInitRequired,
			Message:    "verification request not found, start again from init",
		}
	}
	if containsAny(msg, pendingMarkers) {
		return &Guidance{
			NextAction: ActionSign,
			Reason:     ReasonSignPending,
			Message:    "approve the request in the authentication app, then sign again",
		}
	}
	return nil
}
