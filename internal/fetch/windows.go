package fetch

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const ymdLayout = "20060102"

var ymdPattern = regexp.MustCompile(`^\d{8}$`)

var medicationProbeDays = []int{30, 180, 365}

type dateWindow struct {
	FromDate string
	ToDate   string
}

func parseYMD(value string) (time.Time, bool) {
	if !ymdPattern.MatchString(value) {
		return time.Time{}, false
	}
	t, err := time.Parse(ymdLayout, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// medicationProbeWindows окна 30/180/365 дней, заканчивающиеся toDate и
// ограниченные fromDate, затем полный интервал
func medicationProbeWindows(fromDate, toDate string) []dateWindow {
	to, ok := parseYMD(toDate)
	if !ok {
		return []dateWindow{{FromDate: fromDate, ToDate: toDate}}
	}
	from, hasFrom := parseYMD(fromDate)

	var windows []dateWindow
	seen := make(map[dateWindow]struct{})
	push := func(w dateWindow) {
		if _, ok := seen[w]; ok {
			return
		}
		seen[w] = struct{}{}
		windows = append(windows, w)
	}

	for _, days := range medicationProbeDays {
		candidate := to.AddDate(0, 0, -(days - 1))
		if hasFrom && candidate.Before(from) {
			candidate = from
		}
		push(dateWindow{FromDate: candidate.Format(ymdLayout), ToDate: to.Format(ymdLayout)})
	}
	push(dateWindow{FromDate: fromDate, ToDate: toDate})

	return windows
}

// checkupYears годы от toDate к fromDate, не больше maxYears
func checkupYears(fromDate, toDate string, maxYears int, now time.Time) []string {
	fromYear, errFrom := leadingYear(fromDate)
	toYear, errTo := leadingYear(toDate)
	if errFrom != nil || errTo != nil {
		return []string{strconv.Itoa(now.Year())}
	}

	start := max(1900, min(fromYear, toYear))
	end := min(2100, max(fromYear, toYear))

	var years []string
	for year := end; year >= start; year-- {
		years = append(years, strconv.Itoa(year))
		if len(years) >= maxYears {
			break
		}
	}
	if len(years) == 0 {
		return []string{strconv.Itoa(now.Year())}
	}
	return years
}

func leadingYear(value string) (int, error) {
	value = strings.TrimSpace(value)
	if len(value) < 4 {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(value[:4])
}

// DetailKey пара ключей для запроса годовой детализации
type DetailKey struct {
	Key  string
	Key2 string
}

var (
	detailKeyNames  = []string{"detailKey", "detail_key", "detailkey"}
	detailKey2Names = []string{"detailKey2", "detail_key2", "detailkey2"}
)

const maxDetailKeyDepth = 8

// collectDetailKeys рекурсивно собирает уникальные ключи детализации
func collectDetailKeys(value any, limit int) []DetailKey {
	var out []DetailKey
	seen := make(map[DetailKey]struct{})

	var visit func(v any, depth int)
	visit = func(v any, depth int) {
		if depth > maxDetailKeyDepth || len(out) >= limit {
			return
		}
		switch node := v.(type) {
		case []any:
			for _, item := range node {
				if len(out) >= limit {
					return
				}
				visit(item, depth+1)
			}
		case map[string]any:
			if key := firstText(node, detailKeyNames); key != "" {
				pair := DetailKey{Key: key, Key2: firstText(node, detailKey2Names)}
				if _, ok := seen[pair]; !ok {
					seen[pair] = struct{}{}
					out = append(out, pair)
				}
			}
			names := make([]string, 0, len(node))
			for name := range node {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if len(out) >= limit {
					return
				}
				visit(node[name], depth+1)
			}
		}
	}

	visit(value, 0)
	return out
}

func firstText(node map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := node[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
