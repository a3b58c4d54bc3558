package provider

import "time"

// Window интервал дат и тип субъекта, общие для всех запросов
type Window struct {
	FromDate    string
	ToDate      string
	SubjectType string
}

// DefaultWindow последние lookbackYears лет до now включительно
func DefaultWindow(now time.Time, lookbackYears int, subjectType string) Window {
	if lookbackYears <= 0 {
		lookbackYears = 1
	}
	return Window{
		FromDate:    now.AddDate(-lookbackYears, 0, 0).Format("20060102"),
		ToDate:      now.Format("20060102"),
		SubjectType: subjectType,
	}
}

func (w Window) Payload() Payload {
	p := Payload{}
	if w.FromDate != "" {
		p["fromDate"] = w.FromDate
	}
	if w.ToDate != "" {
		p["toDate"] = w.ToDate
	}
	if w.SubjectType != "" {
		p["subjectType"] = w.SubjectType
	}
	return p
}
