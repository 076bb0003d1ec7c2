package priorauth

import (
	"testing"
	"time"
)

func TestRequestFHIRRoundTrip(t *testing.T) {
	req := testRequest()
	req.ProviderID = "provider-1"
	req.InsurerID = "insurer-1"
	req.SupportingInfo = []string{"QuestionnaireResponse/qr-1"}
	req.Created = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	parsed, err := RequestFromFHIR(req.ToFHIR())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.ID != req.ID || parsed.PatientID != req.PatientID || parsed.CoverageID != req.CoverageID {
		t.Errorf("identity fields lost: %+v", parsed)
	}
	if parsed.ProviderID != "provider-1" || parsed.InsurerID != "insurer-1" {
		t.Errorf("party references lost: %+v", parsed)
	}
	if parsed.Priority != PriorityRoutine {
		t.Errorf("priority lost: %q", parsed.Priority)
	}
	if len(parsed.DiagnosisCodes) != 1 || parsed.DiagnosisCodes[0] != "M54.16" {
		t.Errorf("diagnosis lost: %v", parsed.DiagnosisCodes)
	}
	if len(parsed.SupportingInfo) != 1 || parsed.SupportingInfo[0] != "QuestionnaireResponse/qr-1" {
		t.Errorf("supporting info lost: %v", parsed.SupportingInfo)
	}
	if len(parsed.Items) != 1 {
		t.Fatalf("items lost: %v", parsed.Items)
	}
	item := parsed.Items[0]
	if item.Code != "72148" || item.Quantity != 1 || item.UnitPrice.Value != 1200 {
		t.Errorf("item fields lost: %+v", item)
	}
	if !parsed.Created.Equal(req.Created) {
		t.Errorf("created timestamp lost: %v", parsed.Created)
	}
}

func TestRequestFromFHIR_WrongResourceType(t *testing.T) {
	if _, err := RequestFromFHIR(map[string]interface{}{"resourceType": "Patient"}); err == nil {
		t.Fatal("expected error for non-Claim resource")
	}
}

func TestAnswersFromQuestionnaireResponse(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "QuestionnaireResponse",
		"status":       "completed",
		"item": []interface{}{
			map[string]interface{}{
				"linkId": "clinical",
				"item": []interface{}{
					map[string]interface{}{
						"linkId": AnswerTriedConservativeTherapy,
						"answer": []interface{}{map[string]interface{}{"valueBoolean": true}},
					},
					map[string]interface{}{
						"linkId": AnswerSymptomDurationWeeks,
						"answer": []interface{}{map[string]interface{}{"valueInteger": float64(8)}},
					},
				},
			},
			map[string]interface{}{
				"linkId": "notes",
				"answer": []interface{}{map[string]interface{}{"valueString": "persistent radicular pain"}},
			},
			// Duplicate linkId later in the document must not overwrite.
			map[string]interface{}{
				"linkId": AnswerTriedConservativeTherapy,
				"answer": []interface{}{map[string]interface{}{"valueBoolean": false}},
			},
		},
	}

	answers, err := AnswersFromQuestionnaireResponse(resource)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v, ok := answers.Bool(AnswerTriedConservativeTherapy); !ok || !v {
		t.Errorf("nested boolean answer lost, got %v ok=%v", v, ok)
	}
	if v, ok := answers.Number(AnswerSymptomDurationWeeks); !ok || v != 8 {
		t.Errorf("integer answer lost, got %v", v)
	}
	if v, ok := answers.Text("notes"); !ok || v == "" {
		t.Errorf("string answer lost, got %q", v)
	}
}

func TestCoverageFromFHIR(t *testing.T) {
	coverage, err := CoverageFromFHIR(map[string]interface{}{
		"resourceType": "Coverage",
		"id":           "coverage-1",
		"status":       "active",
		"payor":        []interface{}{map[string]interface{}{"reference": "Organization/payer-1"}},
		"period": map[string]interface{}{
			"start": "2026-01-01",
			"end":   "2026-12-31",
		},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if coverage.ID != "coverage-1" || coverage.Status != "active" || coverage.PayorID != "payer-1" {
		t.Errorf("coverage fields lost: %+v", coverage)
	}
	if coverage.PeriodStart == nil || coverage.PeriodEnd == nil {
		t.Fatal("coverage period lost")
	}
	if !coverage.ActiveAt(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("expected coverage active mid-period")
	}
}
