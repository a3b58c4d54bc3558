package types

import "strings"

// Target категория данных, которую провайдер отдаёт отдельным вызовом
type Target string

const (
	TargetMedical         Target = "medical"
	TargetMedication      Target = "medication"
	TargetCheckupList     Target = "checkupList"
	TargetCheckupYearly   Target = "checkupYearly"
	TargetCheckupOverview Target = "checkupOverview"
	TargetHealthAge       Target = "healthAge"
)

var AllTargets = []Target{
	TargetMedical,
	TargetMedication,
	TargetCheckupList,
	TargetCheckupYearly,
	TargetCheckupOverview,
	TargetHealthAge,
}

// SummaryTargets набор целей, из которых строится краткая сводка
var SummaryTargets = []Target{TargetCheckupOverview, TargetMedication}

func (t Target) IsValid() bool {
	for _, known := range AllTargets {
		if t == known {
			return true
		}
	}
	return false
}

// IsDetail цели с многолетней историей, для них используется самый длинный TTL
func (t Target) IsDetail() bool {
	return t == TargetCheckupList || t == TargetCheckupYearly
}

// ParseTargets разбирает список имён целей, пропуская пустые и неизвестные
func ParseTargets(raw []string) []Target {
	out := make([]Target, 0, len(raw))
	for _, item := range raw {
		t := Target(strings.TrimSpace(item))
		if t.IsValid() {
			out = append(out, t)
		}
	}
	return out
}

func TargetNames(targets []Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, string(t))
	}
	return out
}

func ContainsTarget(targets []Target, target Target) bool {
	for _, t := range targets {
		if t == target {
			return true
		}
	}
	return false
}
