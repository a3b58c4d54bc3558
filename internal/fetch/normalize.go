package fetch

import (
	"fmt"
	"strings"

	"healthlink_gateway/internal/provider"
	"healthlink_gateway/types"
)

// Record одна строка данных провайдера
type Record map[string]any

// RecordSet строки категории. nil Rows означает, что категория не заполнялась,
// пустой срез подтверждённое отсутствие истории.
type RecordSet struct {
	Rows   []Record `json:"rows"`
	Source string   `json:"source,omitempty"`
}

type Checkup struct {
	Overview []Record `json:"overview"`
	List     []Record `json:"list"`
	Yearly   []Record `json:"yearly"`
}

type HealthAge struct {
	Age    string `json:"age"`
	Fields Record `json:"fields"`
}

// Normalized каноническое представление результата. Отсутствующее поле
// означает, что категория не была успешно загружена.
type Normalized struct {
	Medical    *RecordSet `json:"medical,omitempty"`
	Medication *RecordSet `json:"medication,omitempty"`
	Checkup    *Checkup   `json:"checkup,omitempty"`
	HealthAge  *HealthAge `json:"healthAge,omitempty"`
}

// recordShape где у цели лежит массив строк
type recordShape struct {
	listKeys []string
}

var shapes = map[types.Target]recordShape{
	types.TargetMedical:         {listKeys: []string{"list", "resultList", "treatList"}},
	types.TargetMedication:      {listKeys: []string{"list", "drugList", "mediList"}},
	types.TargetCheckupOverview: {listKeys: []string{"chkList", "list", "lhList"}},
	types.TargetCheckupList:     {listKeys: []string{"list"}},
	types.TargetCheckupYearly:   {listKeys: []string{"list", "resultList"}},
}

// ExtractRows возвращает строки цели из успешного ответа.
// Успешный ответ без массива строк считается подтверждённо пустым.
func ExtractRows(target types.Target, resp provider.Response) []Record {
	rows := []Record{}
	if resp == nil {
		return rows
	}
	data := resp.Data()
	for _, key := range shapes[target].listKeys {
		items, ok := data[key].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			if rec, ok := item.(map[string]any); ok {
				rows = append(rows, Record(rec))
			}
		}
		return rows
	}
	return rows
}

var medicationNameKeys = []string{
	"medicineNm", "medicine", "drugName", "drugNm", "medNm", "medicineName", "prodName",
	"drug_MEDI_PRDC_NM", "MEDI_PRDC_NM", "drug_CMPN_NM", "detail_CMPN_NM", "CMPN_NM",
	"drug_CMPN_NM_2", "detail_CMPN_NM_2", "CMPN_NM_2",
	"mediPrdcNm", "drugMediPrdcNm", "cmpnNm", "drugCmpnNm", "detailCmpnNm",
	"cmpnNm2", "drugCmpnNm2", "detailCmpnNm2",
	"복용약", "약품명", "약품", "성분",
}

// MedicationName название препарата в строке или пустая строка
func MedicationName(row Record) string {
	for _, key := range medicationNameKeys {
		if text := textValue(row[key]); text != "" {
			return text
		}
	}
	return ""
}

func HasMedicationNames(rows []Record) bool {
	for _, row := range rows {
		if MedicationName(row) != "" {
			return true
		}
	}
	return false
}

func textValue(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return fmt.Sprintf("%g", value)
	default:
		return ""
	}
}

type successes struct {
	medical         provider.Response
	medication      provider.Response
	medicationRows  []Record
	medicationFrom  string
	checkupOverview provider.Response
	checkupList     []provider.Response
	checkupYearly   []provider.Response
	healthAge       provider.Response
	has             map[types.Target]bool
}

func normalize(s *successes) *Normalized {
	out := &Normalized{}

	if s.has[types.TargetMedical] {
		out.Medical = &RecordSet{Rows: ExtractRows(types.TargetMedical, s.medical), Source: string(types.TargetMedical)}
	}
	if s.has[types.TargetMedication] {
		out.Medication = &RecordSet{Rows: s.medicationRows, Source: s.medicationFrom}
	}

	if s.has[types.TargetCheckupOverview] || s.has[types.TargetCheckupList] || s.has[types.TargetCheckupYearly] {
		checkup := &Checkup{}
		if s.has[types.TargetCheckupOverview] {
			checkup.Overview = ExtractRows(types.TargetCheckupOverview, s.checkupOverview)
		}
		if s.has[types.TargetCheckupList] {
			checkup.List = []Record{}
			for _, resp := range s.checkupList {
				checkup.List = append(checkup.List, ExtractRows(types.TargetCheckupList, resp)...)
			}
		}
		if s.has[types.TargetCheckupYearly] {
			checkup.Yearly = []Record{}
			for _, resp := range s.checkupYearly {
				checkup.Yearly = append(checkup.Yearly, Record(resp.Data()))
			}
		}
		out.Checkup = checkup
	}

	if s.has[types.TargetHealthAge] {
		data := s.healthAge.Data()
		out.HealthAge = &HealthAge{
			Age:    textValue(data["healthAge"]),
			Fields: Record(data),
		}
	}

	return out
}
