package identity

import (
	"sort"
	"strconv"
	"strings"
)

type RequestInput struct {
	IdentityHash string
	Targets      []string
	YearLimit    int
	FromDate     string
	ToDate       string
	SubjectType  string
}

type RequestKey struct {
	RequestHash       string   `json:"request_hash"`
	RequestKey        string   `json:"request_key"`
	NormalizedTargets []string `json:"normalized_targets"`
}

// NormalizeTargets обрезает пробелы, убирает пустые и повторяющиеся цели и сортирует
func NormalizeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func orDash(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}

// TargetsKey каноническое строковое представление набора целей
func TargetsKey(targets []string) string {
	normalized := NormalizeTargets(targets)
	if len(normalized) == 0 {
		return "none"
	}
	return strings.Join(normalized, ",")
}

func yearLimitKey(limit int) string {
	if limit <= 0 {
		return "-"
	}
	return strconv.Itoa(limit)
}

// BuildRequestKey детерминированно строит ключ кэша для запроса
func (h *Hasher) BuildRequestKey(in RequestInput) RequestKey {
	normalized := NormalizeTargets(in.Targets)

	key := strings.Join([]string{
		"targets=" + TargetsKey(normalized),
		"yearLimit=" + yearLimitKey(in.YearLimit),
		"from=" + orDash(in.FromDate),
		"to=" + orDash(in.ToDate),
		"subjectType=" + orDash(in.SubjectType),
	}, "|")

	return RequestKey{
		RequestHash:       h.hash(strings.TrimSpace(in.IdentityHash) + "|" + key),
		RequestKey:        key,
		NormalizedTargets: normalized,
	}
}
