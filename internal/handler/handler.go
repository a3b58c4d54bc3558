// Package handler JSON HTTP поверхность шлюза.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"healthlink_gateway/internal/service"
	"healthlink_gateway/internal/session"
	"healthlink_gateway/internal/signflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	AppUserHeader     = "X-App-User-Id"
	SessionCookieName = "healthlink_sid"
	maxBodySize       = 1 << 20
)

type Handler struct {
	service      service.HealthLinkService
	logger       *zap.Logger
	secureCookie bool
}

func NewHandler(svc service.HealthLinkService, secureCookie bool, logger *zap.Logger) *Handler {
	return &Handler{
		service:      svc,
		logger:       logger,
		secureCookie: secureCookie,
	}
}

// Routes маршруты API. Паники перехватывает middleware.Recoverer,
// журнал запросов пишется через zap.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&zapLogFormatter{logger: h.logger}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodySize))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/health", func(r chi.Router) {
		r.Post("/link/init", h.handleInit)
		r.Post("/link/sign", h.handleSign)
		r.Post("/fetch", h.handleFetch)
		r.Post("/summary", h.handleSummary)
		r.Get("/status", h.handleStatus)
		r.Post("/unlink", h.handleUnlink)
	})
	return r
}

type failure struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	NextAction string `json:"nextAction,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, failure{Error: message})
}

// writeError переводит ошибку сервиса в ответ. Неизвестные ошибки
// не раскрываются клиенту.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidPII), errors.Is(err, service.ErrInvalidTargets):
		writeFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotLinked):
		writeJSON(w, http.StatusConflict, failure{
			Error:      err.Error(),
			Code:       signflow.CodeInitRequired,
			Reason:     signflow.ReasonInitRequired,
			NextAction: signflow.ActionInit,
		})
	case errors.Is(err, service.ErrSessionExpired):
		writeJSON(w, http.StatusConflict, failure{
			Error:      err.Error(),
			Code:       signflow.CodeAuthExpired,
			Reason:     signflow.ReasonAuthExpired,
			NextAction: signflow.ActionInit,
		})
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		writeFailure(w, http.StatusInternalServerError, "internal error")
	}
}

func appUserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AppUserHeader))
}

// sessionID читает cookie сессии или выдаёт новую
func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// decode разбирает тело запроса. Пустое тело оставляет dst без изменений.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// begin общая подготовка запроса: пользователь, сессия, тело
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, dst any) (userID, sessionID string, ok bool) {
	userID = appUserID(r)
	if userID == "" {
		writeFailure(w, http.StatusUnauthorized, "missing "+AppUserHeader+" header")
		return "", "", false
	}
	if dst != nil {
		if err := decode(r, dst); err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid request body")
			return "", "", false
		}
	}
	return userID, h.sessionID(w, r), true
}

func (h *Handler) writeOutcome(w http.ResponseWriter, out *signflow.Outcome) {
	status := out.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var in signflow.InitInput
	userID, sid, ok := h.begin(w, r, &in)
	if !ok {
		return
	}

	out, err := h.service.Initialize(r.Context(), sid, userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, out)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	var in signflow.SignInput
	userID, sid, ok := h.begin(w, r, &in)
	if !ok {
		return
	}

	out, err := h.service.Sign(r.Context(), sid, userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, out)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req service.FetchRequest
	userID, _, ok := h.begin(w, r, &req)
	if !ok {
		return
	}

	resp, err := h.service.GetCachedOrFetch(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req service.FetchRequest
	userID, _, ok := h.begin(w, r, &req)
	if !ok {
		return
	}

	resp, err := h.service.Summary(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !resp.OK {
		status = resp.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, sid, ok := h.begin(w, r, nil)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), sid, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*service.StatusResponse
	}{OK: true, StatusResponse: status})
}

func (h *Handler) handleUnlink(w http.ResponseWriter, r *http.Request) {
	userID, sid, ok := h.begin(w, r, nil)
	if !ok {
		return
	}

	result, err := h.service.Unlink(r.Context(), sid, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*service.UnlinkResult
	}{OK: true, UnlinkResult: result})
}
