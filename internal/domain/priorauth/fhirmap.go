package priorauth

import (
	"fmt"
	"time"

	"github.com/fhir-iq/fpas/internal/platform/fhir"
)

// ToFHIR renders the request as a FHIR Claim in preauthorization use.
func (r *Request) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Claim",
		"id":           r.ID,
		"status":       "active",
		"use":          "preauthorization",
		"type":         fhir.Concept("http://terminology.hl7.org/CodeSystem/claim-type", "professional", "Professional"),
		"patient":      fhir.Reference{Reference: fhir.FormatReference("Patient", r.PatientID)},
	}
	if !r.Created.IsZero() {
		result["created"] = r.Created.Format(time.RFC3339)
	}
	if r.Priority != "" {
		result["priority"] = fhir.Concept("http://terminology.hl7.org/CodeSystem/processpriority", string(r.Priority), "")
	}
	if r.ProviderID != "" {
		result["provider"] = fhir.Reference{Reference: fhir.FormatReference("Practitioner", r.ProviderID)}
	}
	if r.InsurerID != "" {
		result["insurer"] = fhir.Reference{Reference: fhir.FormatReference("Organization", r.InsurerID)}
	}
	if r.CoverageID != "" {
		result["insurance"] = []map[string]interface{}{{
			"sequence": 1,
			"focal":    true,
			"coverage": fhir.Reference{Reference: fhir.FormatReference("Coverage", r.CoverageID)},
		}}
	}

	if len(r.DiagnosisCodes) > 0 {
		diagnoses := make([]map[string]interface{}, 0, len(r.DiagnosisCodes))
		for i, code := range r.DiagnosisCodes {
			diagnoses = append(diagnoses, map[string]interface{}{
				"sequence":                 i + 1,
				"diagnosisCodeableConcept": fhir.Concept("http://hl7.org/fhir/sid/icd-10-cm", code, ""),
			})
		}
		result["diagnosis"] = diagnoses
	}

	if len(r.SupportingInfo) > 0 {
		infos := make([]map[string]interface{}, 0, len(r.SupportingInfo))
		for i, ref := range r.SupportingInfo {
			infos = append(infos, map[string]interface{}{
				"sequence":       i + 1,
				"category":       fhir.Concept("http://terminology.hl7.org/CodeSystem/claiminformationcategory", "info", ""),
				"valueReference": fhir.Reference{Reference: ref},
			})
		}
		result["supportingInfo"] = infos
	}

	items := make([]map[string]interface{}, 0, len(r.Items))
	for _, item := range r.Items {
		entry := map[string]interface{}{
			"sequence":         item.Sequence,
			"productOrService": fhir.Concept(item.System, item.Code, item.Display),
			"unitPrice":        item.UnitPrice,
			"net":              item.Net(),
		}
		if item.Quantity > 0 {
			entry["quantity"] = fhir.Quantity{Value: float64(item.Quantity)}
		}
		items = append(items, entry)
	}
	result["item"] = items

	return fhir.StripEmpty(result)
}

// RequestFromFHIR parses a FHIR Claim resource into a Request.
func RequestFromFHIR(claim map[string]interface{}) (*Request, error) {
	if rt, _ := claim["resourceType"].(string); rt != "Claim" {
		return nil, fmt.Errorf("expected Claim resource, got %q", claim["resourceType"])
	}

	r := &Request{
		ID:        getString(claim, "id"),
		PatientID: refID(claim, "patient"),
	}
	if provider := refID(claim, "provider"); provider != "" {
		r.ProviderID = provider
	}
	if insurer := refID(claim, "insurer"); insurer != "" {
		r.InsurerID = insurer
	}
	if created := getString(claim, "created"); created != "" {
		if t, ok := parseFHIRTime(created); ok {
			r.Created = t
		}
	}
	if priority := conceptCode(claim["priority"]); priority != "" {
		r.Priority = Priority(priority)
	}

	for _, ins := range getSlice(claim, "insurance") {
		if cov := refID(ins, "coverage"); cov != "" {
			r.CoverageID = cov
			break
		}
	}

	for _, dx := range getSlice(claim, "diagnosis") {
		if code := conceptCode(dx["diagnosisCodeableConcept"]); code != "" {
			r.DiagnosisCodes = append(r.DiagnosisCodes, code)
		}
	}

	for _, info := range getSlice(claim, "supportingInfo") {
		if vr, ok := info["valueReference"].(map[string]interface{}); ok {
			if ref := getString(vr, "reference"); ref != "" {
				r.SupportingInfo = append(r.SupportingInfo, ref)
			}
		}
	}

	for _, raw := range getSlice(claim, "item") {
		item := Item{
			Sequence: int(getNumber(raw, "sequence")),
			Code:     conceptCode(raw["productOrService"]),
			System:   conceptSystem(raw["productOrService"]),
			Display:  conceptDisplay(raw["productOrService"]),
		}
		if qty, ok := raw["quantity"].(map[string]interface{}); ok {
			item.Quantity = int(getNumber(qty, "value"))
		}
		if up, ok := raw["unitPrice"].(map[string]interface{}); ok {
			item.UnitPrice = fhir.Money{Value: getNumber(up, "value"), Currency: getString(up, "currency")}
		}
		r.Items = append(r.Items, item)
	}

	return r, nil
}

// CoverageFromFHIR parses a FHIR Coverage resource.
func CoverageFromFHIR(resource map[string]interface{}) (*Coverage, error) {
	if rt, _ := resource["resourceType"].(string); rt != "Coverage" {
		return nil, fmt.Errorf("expected Coverage resource, got %q", resource["resourceType"])
	}
	c := &Coverage{
		ID:     getString(resource, "id"),
		Status: getString(resource, "status"),
	}
	if payors := getSlice(resource, "payor"); len(payors) > 0 {
		if ref := getString(payors[0], "reference"); ref != "" {
			_, c.PayorID = fhir.ParseReference(ref)
		}
	}
	if period, ok := resource["period"].(map[string]interface{}); ok {
		if t, ok := parseFHIRTime(getString(period, "start")); ok {
			c.PeriodStart = &t
		}
		if t, ok := parseFHIRTime(getString(period, "end")); ok {
			c.PeriodEnd = &t
		}
	}
	return c, nil
}

// AnswersFromQuestionnaireResponse flattens a QuestionnaireResponse into
// clinical answer facts keyed by linkId. Nested item groups are walked
// depth-first; the first answer value per linkId wins.
func AnswersFromQuestionnaireResponse(resource map[string]interface{}) (ClinicalAnswers, error) {
	if rt, _ := resource["resourceType"].(string); rt != "QuestionnaireResponse" {
		return ClinicalAnswers{}, fmt.Errorf("expected QuestionnaireResponse resource, got %q", resource["resourceType"])
	}
	values := map[string]interface{}{}
	collectAnswers(getSlice(resource, "item"), values)
	return NewClinicalAnswers(values), nil
}

func collectAnswers(items []map[string]interface{}, out map[string]interface{}) {
	for _, item := range items {
		linkID := getString(item, "linkId")
		if answers := getSlice(item, "answer"); linkID != "" && len(answers) > 0 {
			if _, seen := out[linkID]; !seen {
				if v, ok := answerValue(answers[0]); ok {
					out[linkID] = v
				}
			}
		}
		collectAnswers(getSlice(item, "item"), out)
	}
}

func answerValue(answer map[string]interface{}) (interface{}, bool) {
	if v, ok := answer["valueBoolean"].(bool); ok {
		return v, true
	}
	if v, ok := answer["valueDecimal"].(float64); ok {
		return v, true
	}
	if v, ok := answer["valueInteger"].(float64); ok {
		return v, true
	}
	if v, ok := answer["valueString"].(string); ok {
		return v, true
	}
	if v, ok := answer["valueCoding"].(map[string]interface{}); ok {
		if code := getString(v, "code"); code != "" {
			return code, true
		}
	}
	return nil, false
}

// -- map access helpers --

func getString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func getNumber(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func getSlice(m map[string]interface{}, key string) []map[string]interface{} {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, e := range raw {
		if entry, ok := e.(map[string]interface{}); ok {
			out = append(out, entry)
		}
	}
	return out
}

func refID(m map[string]interface{}, key string) string {
	ref, ok := m[key].(map[string]interface{})
	if !ok {
		return ""
	}
	_, id := fhir.ParseReference(getString(ref, "reference"))
	return id
}

func conceptCode(v interface{}) string {
	cc, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, coding := range getSlice(cc, "coding") {
		if code := getString(coding, "code"); code != "" {
			return code
		}
	}
	return ""
}

func conceptSystem(v interface{}) string {
	cc, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, coding := range getSlice(cc, "coding") {
		if system := getString(coding, "system"); system != "" {
			return system
		}
	}
	return ""
}

func conceptDisplay(v interface{}) string {
	cc, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	for _, coding := range getSlice(cc, "coding") {
		if display := getString(coding, "display"); display != "" {
			return display
		}
	}
	return getString(cc, "text")
}

func parseFHIRTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
