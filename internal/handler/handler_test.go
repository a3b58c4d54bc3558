package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"healthlink_gateway/internal/fetch"
	"healthlink_gateway/internal/budget"
	"healthlink_gateway/internal/service"
	"healthlink_gateway/internal/session"
	"healthlink_gateway/internal/signflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// Mock для service.HealthLinkService
type mockService struct {
	initFunc    func(ctx context.Context, sessionID, appUserID string, in signflow.InitInput) (*signflow.Outcome, error)
	signFunc    func(ctx context.Context, sessionID, appUserID string, in signflow.SignInput) (*signflow.Outcome, error)
	fetchFunc   func(ctx context.Context, appUserID string, req service.FetchRequest) (*service.FetchResponse, error)
	summaryFunc func(ctx context.Context, appUserID string, req service.FetchRequest) (*service.SummaryResponse, error)
	statusFunc  func(ctx context.Context, sessionID, appUserID string) (*service.StatusResponse, error)
	unlinkFunc  func(ctx context.Context, sessionID, appUserID string) (*service.UnlinkResult, error)
}

func (m *mockService) Initialize(ctx context.Context, sessionID, appUserID string, in signflow.InitInput) (*signflow.Outcome, error) {
	return m.initFunc(ctx, sessionID, appUserID, in)
}

func (m *mockService) Sign(ctx context.Context, sessionID, appUserID string, in signflow.SignInput) (*signflow.Outcome, error) {
	return m.signFunc(ctx, sessionID, appUserID, in)
}

func (m *mockService) GetCachedOrFetch(ctx context.Context, appUserID string, req service.FetchRequest) (*service.FetchResponse, error) {
	return m.fetchFunc(ctx, appUserID, req)
}

func (m *mockService) Summary(ctx context.Context, appUserID string, req service.FetchRequest) (*service.SummaryResponse, error) {
	return m.summaryFunc(ctx, appUserID, req)
}

func (m *mockService) Status(ctx context.Context, sessionID, appUserID string) (*service.StatusResponse, error) {
	return m.statusFunc(ctx, sessionID, appUserID)
}

func (m *mockService) Unlink(ctx context.Context, sessionID, appUserID string) (*service.UnlinkResult, error) {
	return m.unlinkFunc(ctx, sessionID, appUserID)
}

func newRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(AppUserHeader, "user-1")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestInit(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		serviceErr     error
		outcome        *signflow.Outcome
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "success",
			body:           `{"loginOrgCd":"kakao","resNm":"홍길동","resNo":"19900101","mobileNo":"01012345678"}`,
			outcome:        &signflow.Outcome{OK: true, NextStep: "sign", Status: http.StatusOK},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid_pii",
			body:           `{"loginOrgCd":"kakao"}`,
			serviceErr:     session.ErrInvalidPII,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "provider_failure_outcome",
			body:           `{}`,
			outcome:        &signflow.Outcome{Code: "E001", Message: "bad org", Status: http.StatusBadGateway},
			expectedStatus: http.StatusBadGateway,
			expectedCode:   "E001",
		},
		{
			name:           "unexpected_error_is_generic",
			body:           `{}`,
			serviceErr:     errors.New("pq: connection reset"),
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "invalid_json",
			body:           `{"loginOrgCd":`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSession string
			svc := &mockService{
				initFunc: func(ctx context.Context, sessionID, appUserID string, in signflow.InitInput) (*signflow.Outcome, error) {
					gotSession = sessionID
					assert.Equal(t, "user-1", appUserID)
					return tt.outcome, tt.serviceErr
				},
			}
			h := NewHandler(svc, false, zaptest.NewLogger(t))
			rec := httptest.NewRecorder()

			h.Routes().ServeHTTP(rec, newRequest(http.MethodPost, "/api/health/link/init", tt.body))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
			body := decodeBody(t, rec)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, true, body["ok"])
				assert.NotEmpty(t, gotSession)
				cookies := rec.Result().Cookies()
				require.Len(t, cookies, 1)
				assert.Equal(t, SessionCookieName, cookies[0].Name)
				assert.Equal(t, gotSession, cookies[0].Value)
				return
			}
			assert.Equal(t, false, body["ok"])
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, body["code"])
			}
			if tt.expectedStatus == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body["error"])
			}
		})
	}
}

func TestSignReusesSessionCookie(t *testing.T) {
	var gotSession string
	svc := &mockService{
		signFunc: func(ctx context.Context, sessionID, appUserID string, in signflow.SignInput) (*signflow.Outcome, error) {
			gotSession = sessionID
			return &signflow.Outcome{
				Code:          signflow.CodeRateLimited,
				NextAction:    signflow.ActionWait,
				RetryAfterSec: 15,
				Status:        http.StatusTooManyRequests,
			}, nil
		},
	}
	h := NewHandler(svc, false, zaptest.NewLogger(t))
	req := newRequest(http.MethodPost, "/api/health/link/sign", "")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess-42"})
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "sess-42", gotSession)
	assert.Empty(t, rec.Result().Cookies())
	body := decodeBody(t, rec)
	assert.Equal(t, "wait", body["nextAction"])
	assert.Equal(t, float64(15), body["retryAfterSec"])
}

func TestMissingAppUser(t *testing.T) {
	h := NewHandler(&mockService{}, false, zaptest.NewLogger(t))
	req := httptest.NewRequest(http.MethodGet, "/api/health/status", nil)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFetch(t *testing.T) {
	tests := []struct {
		name           string
		resp           *service.FetchResponse
		err            error
		expectedStatus int
		expectedCode   string
		expectedAction string
	}{
		{
			name:           "success",
			resp:           &service.FetchResponse{Result: fetch.Result{OK: true}, Status: http.StatusOK},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "not_linked",
			err:            service.ErrNotLinked,
			expectedStatus: http.StatusConflict,
			expectedCode:   signflow.CodeInitRequired,
			expectedAction: signflow.ActionInit,
		},
		{
			name:           "session_expired",
			err:            service.ErrSessionExpired,
			expectedStatus: http.StatusConflict,
			expectedCode:   signflow.CodeAuthExpired,
			expectedAction: signflow.ActionInit,
		},
		{
			name:           "unknown_targets",
			err:            service.ErrInvalidTargets,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "fetch_budget_exceeded",
			resp: &service.FetchResponse{
				Result:        fetch.Result{OK: false, ErrorCode: service.CodeFetchBudgetExceeded},
				Code:          service.CodeFetchBudgetExceeded,
				NextAction:    signflow.ActionWait,
				RetryAfterSec: 3600,
				Status:        http.StatusTooManyRequests,
			},
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   service.CodeFetchBudgetExceeded,
			expectedAction: signflow.ActionWait,
		},
		{
			name:           "total_failure_keeps_result_status",
			resp:           &service.FetchResponse{Result: fetch.Result{OK: false, ErrorCode: "E9"}, Status: http.StatusBadGateway},
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq service.FetchRequest
			svc := &mockService{
				fetchFunc: func(ctx context.Context, appUserID string, req service.FetchRequest) (*service.FetchResponse, error) {
					gotReq = req
					return tt.resp, tt.err
				},
			}
			h := NewHandler(svc, false, zaptest.NewLogger(t))
			rec := httptest.NewRecorder()

			h.Routes().ServeHTTP(rec, newRequest(http.MethodPost, "/api/health/fetch", `{"targets":["medication"],"yearLimit":3}`))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, []string{"medication"}, gotReq.Targets)
			assert.Equal(t, 3, gotReq.YearLimit)
			body := decodeBody(t, rec)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, body["code"])
				assert.Equal(t, tt.expectedAction, body["nextAction"])
			}
		})
	}
}

func TestSummary(t *testing.T) {
	svc := &mockService{
		summaryFunc: func(ctx context.Context, appUserID string, req service.FetchRequest) (*service.SummaryResponse, error) {
			return &service.SummaryResponse{OK: true, Patch: &service.PatchMeta{Applied: true}}, nil
		},
	}
	h := NewHandler(svc, false, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, newRequest(http.MethodPost, "/api/health/summary", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	patch, ok := body["patch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, patch["applied"])
}

func TestSummary_FailureStatus(t *testing.T) {
	tests := []struct {
		name           string
		resp           *service.SummaryResponse
		expectedStatus int
	}{
		{
			name:           "upstream_failure",
			resp:           &service.SummaryResponse{OK: false, ErrorCode: "E9", Status: http.StatusBadGateway},
			expectedStatus: http.StatusBadGateway,
		},
		{
			name: "budget_exceeded",
			resp: &service.SummaryResponse{
				OK:            false,
				Code:          service.CodeFetchBudgetExceeded,
				RetryAfterSec: 120,
				Status:        http.StatusTooManyRequests,
			},
			expectedStatus: http.StatusTooManyRequests,
		},
		{
			name:           "missing_status_defaults_to_bad_gateway",
			resp:           &service.SummaryResponse{OK: false},
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{
				summaryFunc: func(ctx context.Context, appUserID string, req service.FetchRequest) (*service.SummaryResponse, error) {
					return tt.resp, nil
				},
			}
			h := NewHandler(svc, false, zaptest.NewLogger(t))
			rec := httptest.NewRecorder()

			h.Routes().ServeHTTP(rec, newRequest(http.MethodPost, "/api/health/summary", ""))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["ok"])
		})
	}
}

func TestStatusAndUnlink(t *testing.T) {
	svc := &mockService{
		statusFunc: func(ctx context.Context, sessionID, appUserID string) (*service.StatusResponse, error) {
			return &service.StatusResponse{
				StatusView:  &signflow.StatusView{Linked: true, LoginOrgCd: "kakao"},
				FetchBudget: &budget.Snapshot{WindowHours: 24, Fresh: budget.Usage{Used: 2, Limit: 6, Remaining: 4}},
			}, nil
		},
		unlinkFunc: func(ctx context.Context, sessionID, appUserID string) (*service.UnlinkResult, error) {
			return &service.UnlinkResult{DeletedCacheRows: 2, ClearedMemoryEntries: 1}, nil
		},
	}
	h := NewHandler(svc, false, zaptest.NewLogger(t))
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, newRequest(http.MethodGet, "/api/health/status", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["linked"])
	assert.Equal(t, "kakao", body["loginOrgCd"])
	fetchBudget, ok := body["fetchBudget"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(24), fetchBudget["windowHours"])

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, newRequest(http.MethodPost, "/api/health/unlink", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["deletedCacheRows"])
}

func TestPanicRecoveredAndLogged(t *testing.T) {
	svc := &mockService{
		statusFunc: func(ctx context.Context, sessionID, appUserID string) (*service.StatusResponse, error) {
			panic("nil map")
		},
	}
	core, logs := observer.New(zap.DebugLevel)
	h := NewHandler(svc, false, zap.New(core))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, newRequest(http.MethodGet, "/api/health/status", ""))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	panics := logs.FilterMessage("request panicked").All()
	require.Len(t, panics, 1)
	assert.Equal(t, "/api/health/status", panics[0].ContextMap()["path"])
	assert.NotEmpty(t, panics[0].ContextMap()["request_id"])
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := NewHandler(&mockService{}, false, zap.New(core))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, http.MethodGet, entries[0].ContextMap()["method"])
}

func TestOversizedBodyRejected(t *testing.T) {
	svc := &mockService{
		fetchFunc: func(ctx context.Context, appUserID string, req service.FetchRequest) (*service.FetchResponse, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}
	h := NewHandler(svc, false, zaptest.NewLogger(t))
	body := `{"targets":["` + strings.Repeat("a", maxBodySize) + `"]}`
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, newRequest(http.MethodPost, "/api/health/fetch", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWrongMethod(t *testing.T) {
	h := NewHandler(&mockService{}, false, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, newRequest(http.MethodGet, "/api/health/fetch", ""))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	h := NewHandler(&mockService{}, false, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
