package fhir

import "testing"

func TestStripEmpty_RemovesEmptyFields(t *testing.T) {
	in := map[string]interface{}{
		"resourceType": "ClaimResponse",
		"id":           "abc",
		"disposition":  "",
		"error":        []interface{}{},
		"meta":         map[string]interface{}{},
		"item": []interface{}{
			map[string]interface{}{
				"itemSequence": 1,
				"noteNumber":   nil,
			},
		},
	}

	out := StripEmpty(in)

	if _, ok := out["disposition"]; ok {
		t.Error("expected empty disposition to be stripped")
	}
	if _, ok := out["error"]; ok {
		t.Error("expected empty error array to be stripped")
	}
	if _, ok := out["meta"]; ok {
		t.Error("expected empty meta map to be stripped")
	}
	items, ok := out["item"].([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("expected one item, got %v", out["item"])
	}
	item := items[0].(map[string]interface{})
	if _, ok := item["noteNumber"]; ok {
		t.Error("expected nil noteNumber to be stripped")
	}
	if item["itemSequence"] != float64(1) {
		t.Errorf("expected itemSequence preserved, got %v", item["itemSequence"])
	}
}

func TestStripEmpty_KeepsZeroAndFalse(t *testing.T) {
	in := map[string]interface{}{
		"resourceType": "ClaimResponse",
		"amount":       map[string]interface{}{"value": 0.0, "currency": "USD"},
		"flag":         false,
	}

	out := StripEmpty(in)

	amt, ok := out["amount"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected amount to survive, got %v", out["amount"])
	}
	if amt["value"] != float64(0) {
		t.Errorf("expected zero value preserved, got %v", amt["value"])
	}
	if out["flag"] != false {
		t.Errorf("expected false flag preserved, got %v", out["flag"])
	}
}

func TestStripEmpty_FromStructs(t *testing.T) {
	in := map[string]interface{}{
		"resourceType": "ClaimResponse",
		"outcome":      "complete",
		"type":         CodeableConcept{},
		"request":      Reference{Reference: FormatReference("Claim", "c1")},
	}

	out := StripEmpty(in)

	if _, ok := out["type"]; ok {
		t.Error("expected empty CodeableConcept to be stripped")
	}
	req, ok := out["request"].(map[string]interface{})
	if !ok || req["reference"] != "Claim/c1" {
		t.Errorf("expected request reference preserved, got %v", out["request"])
	}
}

func TestParseReference(t *testing.T) {
	rt, id := ParseReference("Patient/p-1")
	if rt != "Patient" || id != "p-1" {
		t.Errorf("got %q %q", rt, id)
	}
	if rt, id := ParseReference("bogus"); rt != "" || id != "" {
		t.Errorf("expected empty parse, got %q %q", rt, id)
	}
}
