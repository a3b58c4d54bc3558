// Package provider HTTP клиент провайдера медицинских данных.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"healthlink_gateway/internal/config"
	"healthlink_gateway/types"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Caller вызов эндпоинта цели
type Caller interface {
	Call(ctx context.Context, target types.Target, payload Payload) (Response, error)
}

// Client клиент провайдера. Все вызовы проходят через общий ограничитель частоты.
type Client struct {
	httpClient *resty.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewClient(cfg config.ProviderConfig, logger *zap.Logger) (*Client, error) {
	headers, err := authHeaders(cfg)
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeaders(headers)

	if cfg.UseGustation {
		client.SetHeader("Hyphen-Gustation", "Y")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		httpClient: client,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}, nil
}

func authHeaders(cfg config.ProviderConfig) (map[string]string, error) {
	if strings.EqualFold(cfg.AuthMode, "oauth") {
		token := strings.TrimSpace(cfg.AccessToken)
		if token == "" {
			return nil, fmt.Errorf("provider access token must be configured for oauth auth mode")
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}

	userID := strings.TrimSpace(cfg.UserID)
	hkey := strings.TrimSpace(cfg.HKey)
	if userID == "" || hkey == "" {
		return nil, fmt.Errorf("provider user id and hkey must be configured")
	}
	return map[string]string{"User-Id": userID, "Hkey": hkey}, nil
}

// Call выполняет запрос к эндпоинту цели
func (c *Client) Call(ctx context.Context, target types.Target, payload Payload) (Response, error) {
	endpoint, ok := Endpoint(target)
	if !ok {
		return nil, fmt.Errorf("unknown provider target %q", target)
	}
	return c.post(ctx, endpoint, payload)
}

// Init шаг init процедуры подписи
func (c *Client) Init(ctx context.Context, payload Payload) (Response, error) {
	return c.post(ctx, EndpointMedical, payload.With(Payload{
		"stepMode":   "step",
		"step":       "init",
		"showCookie": "Y",
	}))
}

// Sign шаг sign, stepData и cookieData передаются из предыдущего init
func (c *Client) Sign(ctx context.Context, payload Payload, stepData, cookieData json.RawMessage) (Response, error) {
	fields := Payload{
		"stepMode":   "step",
		"step":       "sign",
		"showCookie": "Y",
		"step_data":  stepData,
	}
	if len(cookieData) > 0 {
		fields["cookieData"] = cookieData
	}
	return c.post(ctx, EndpointMedical, payload.With(fields))
}

type envelopeCommon struct {
	ErrYn  string `json:"errYn"`
	ErrCd  string `json:"errCd"`
	ErrMsg string `json:"errMsg"`
}

func (c *Client) post(ctx context.Context, endpoint string, payload Payload) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for provider rate limit: %w", err)
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(endpoint)
	if err != nil {
		c.logger.Error("provider request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, fmt.Errorf("failed to call provider %s: %w", endpoint, err)
	}

	status := resp.StatusCode()
	if status == 0 {
		status = http.StatusBadGateway
	}

	body := resp.Body()
	parsed := Response{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, &APIError{
				Status:   status,
				Endpoint: endpoint,
				Message:  "provider returned invalid JSON",
				Body:     mustJSONString(string(body)),
			}
		}
	}

	common := parseCommon(parsed)
	if resp.IsError() || strings.EqualFold(common.ErrYn, "Y") {
		message := strings.TrimSpace(common.ErrMsg)
		if message == "" {
			message = fmt.Sprintf("provider endpoint %s failed", endpoint)
		}
		c.logger.Warn("provider returned error",
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.String("code", common.ErrCd))
		return nil, &APIError{
			Status:   status,
			Endpoint: endpoint,
			Code:     strings.TrimSpace(common.ErrCd),
			Message:  message,
			Body:     body,
		}
	}

	c.logger.Debug("provider call succeeded", zap.String("endpoint", endpoint), zap.Int("status", status))
	return parsed, nil
}

func parseCommon(r Response) envelopeCommon {
	var common envelopeCommon
	raw, ok := r["common"]
	if !ok {
		return common
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return common
	}
	_ = json.Unmarshal(encoded, &common)
	return common
}

func mustJSONString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
