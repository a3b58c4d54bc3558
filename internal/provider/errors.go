package provider

import (
	"encoding/json"
	"errors"
	"fmt"
)

// APIError ошибка провайдера: HTTP статус, код и сообщение из блока common
type APIError struct {
	Status   int
	Endpoint string
	Code     string
	Message  string
	Body     json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s failed with status %d: %s (%s)", e.Endpoint, e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("provider %s failed with status %d: %s", e.Endpoint, e.Status, e.Message)
}

// CodeMessage извлекает код и сообщение из любой ошибки
func CodeMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Message
	}
	return "", err.Error()
}

// ErrorBody тело ответа провайдера для аудита, nil если его нет
func ErrorBody(err error) json.RawMessage {
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
		return apiErr.Body
	}
	return nil
}
