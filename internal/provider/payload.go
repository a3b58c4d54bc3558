package provider

import "encoding/json"

// Payload тело запроса к провайдеру
type Payload map[string]any

// Response разобранный JSON ответа провайдера
type Response map[string]any

// With возвращает копию payload с дополнительными полями
func (p Payload) With(fields Payload) Payload {
	out := make(Payload, len(p)+len(fields))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Data возвращает объект data или корень ответа
func (r Response) Data() map[string]any {
	if data, ok := r["data"].(map[string]any); ok {
		return data
	}
	return r
}

func (r Response) Raw() json.RawMessage {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return raw
}

// ExtractStepData ищет step data сначала в data, затем в корне
func ExtractStepData(r Response) json.RawMessage {
	return extractArtifact(r, "stepData", "step_data")
}

// ExtractCookieData ищет cookie data сначала в data, затем в корне
func ExtractCookieData(r Response) json.RawMessage {
	return extractArtifact(r, "cookieData", "cookie_data")
}

func extractArtifact(r Response, keys ...string) json.RawMessage {
	if r == nil {
		return nil
	}
	scopes := []map[string]any{}
	if data, ok := r["data"].(map[string]any); ok {
		scopes = append(scopes, data)
	}
	scopes = append(scopes, r)

	for _, scope := range scopes {
		for _, key := range keys {
			value, ok := scope[key]
			if !ok || value == nil {
				continue
			}
			raw, err := json.Marshal(value)
			if err != nil {
				continue
			}
			return raw
		}
	}
	return nil
}
