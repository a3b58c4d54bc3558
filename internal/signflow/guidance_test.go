package signflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveGuidance(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		message string
		action  string
		reason  string
	}{
		{name: "stale_code", code: "LOGIN-999", action: ActionInit, reason: ReasonAuthExpired},
		{name: "stale_code_case_and_spaces", code: " c0012-001 ", action: ActionInit, reason: ReasonAuthExpired},
		{name: "request_missing_korean", code: "X", message: "요청 정보가 없습니다", action: ActionInit, reason: ReasonInitRequired},
		{name: "request_expired_korean", message: "인증 요청이 만료되었습니다", action: ActionInit, reason: ReasonInitRequired},
		{name: "request_not_found_english", message: "Sign request not found", action: ActionInit, reason: ReasonInitRequired},
		{name: "approval_pending_korean", message: "카카오톡에서 승인 후 다시 시도하세요", action: ActionSign, reason: ReasonSignPending},
		{name: "approval_pending_english", message: "Waiting for user approval", action: ActionSign, reason: ReasonSignPending},
		{name: "unclassified", code: "E500", message: "internal error"},
		{name: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := ResolveGuidance(tt.code, tt.message)
			if tt.action == "" {
				assert.Nil(t, g)
				return
			}
			if assert.NotNil(t, g) {
				assert.Equal(t, tt.action, g.NextAction)
				assert.Equal(t, tt.reason, g.Reason)
				assert.NotEmpty(t, g.Message)
			}
		})
	}
}

func TestIsStaleCode(t *testing.T) {
	assert.True(t, IsStaleCode("LOGIN-999"))
	assert.True(t, IsStaleCode("login-999"))
	assert.False(t, IsStaleCode("LOGIN-998"))
	assert.False(t, IsStaleCode(""))
}
