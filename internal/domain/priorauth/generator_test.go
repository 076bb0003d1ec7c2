package priorauth

import (
	"strings"
	"testing"

	"github.com/fhir-iq/fpas/internal/platform/fhir"
)

func approvedTestDecision() *Decision {
	now := fixedClock()
	validTo := now.AddDate(0, 0, 90)
	amount := fhir.Money{Value: 1200, Currency: "USD"}
	return &Decision{
		Disposition:     DispositionApproved,
		AuthorizationID: "PA-20260115083000-AB12CD",
		ValidFrom:       &now,
		ValidTo:         &validTo,
		ApprovedAmount:  &amount,
		DecidedAt:       now,
	}
}

func testContext() *DecisionContext {
	return &DecisionContext{
		Engine:       EngineName,
		Vendor:       "local",
		RulesApplied: []string{"coverage-eligibility", "approve-conservative-therapy-with-deficit"},
		Confidence:   0.9,
	}
}

func generate(t *testing.T, decision *Decision) map[string]interface{} {
	t.Helper()
	g := NewGenerator().WithClock(fixedClock)
	record, err := g.Generate(testRequest(), decision, testContext())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return record
}

func sliceOfMaps(t *testing.T, record map[string]interface{}, key string) []map[string]interface{} {
	t.Helper()
	raw, ok := record[key].([]interface{})
	if !ok {
		t.Fatalf("expected %q to be a list, got %T", key, record[key])
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			t.Fatalf("expected %q entries to be objects, got %T", key, e)
		}
		out = append(out, m)
	}
	return out
}

func TestGenerate_ApprovedRecord(t *testing.T) {
	record := generate(t, approvedTestDecision())

	if record["resourceType"] != "ClaimResponse" || record["outcome"] != "complete" {
		t.Errorf("unexpected resource envelope: %v / %v", record["resourceType"], record["outcome"])
	}
	if record["preAuthRef"] != "PA-20260115083000-AB12CD" {
		t.Errorf("expected preAuthRef, got %v", record["preAuthRef"])
	}
	if ref, _ := record["request"].(map[string]interface{}); ref["reference"] != "Claim/claim-1" {
		t.Errorf("expected request reference, got %v", record["request"])
	}

	identifiers := sliceOfMaps(t, record, "identifier")
	if len(identifiers) != 2 {
		t.Fatalf("expected tracking + authorization identifiers, got %d", len(identifiers))
	}
	foundAuth := false
	for _, id := range identifiers {
		if id["system"] == SystemAuthorization && id["value"] == "PA-20260115083000-AB12CD" {
			foundAuth = true
		}
	}
	if !foundAuth {
		t.Error("authorization identifier missing")
	}

	items := sliceOfMaps(t, record, "item")
	if len(items) != 1 {
		t.Fatalf("expected one adjudicated item, got %d", len(items))
	}
	adjudications := sliceOfMaps(t, items[0], "adjudication")
	if len(adjudications) != 3 {
		t.Errorf("expected eligible + decision + benefit adjudications, got %d", len(adjudications))
	}

	totals := sliceOfMaps(t, record, "total")
	if len(totals) != 2 {
		t.Errorf("approved record must carry submitted and benefit totals, got %d", len(totals))
	}

	if _, present := record["error"]; present {
		t.Error("approved record must not carry an error list")
	}
}

func TestGenerate_DeniedRecord(t *testing.T) {
	record := generate(t, &Decision{
		Disposition:   DispositionDenied,
		ReasonCode:    ReasonConservativeTherapyRequired,
		ReasonDisplay: "requested service does not meet medical policy",
		DecidedAt:     fixedClock(),
	})

	if record["outcome"] != "error" {
		t.Errorf("denied must map to error outcome, got %v", record["outcome"])
	}
	errs := sliceOfMaps(t, record, "error")
	if len(errs) != 1 {
		t.Fatalf("expected one coded error, got %d", len(errs))
	}
	code, _ := errs[0]["code"].(map[string]interface{})
	codings, _ := code["coding"].([]interface{})
	if len(codings) != 1 {
		t.Fatalf("expected one coding, got %v", code)
	}
	coding, _ := codings[0].(map[string]interface{})
	if coding["code"] != ReasonConservativeTherapyRequired {
		t.Errorf("expected coded denial reason, got %v", coding["code"])
	}
	if _, present := record["preAuthRef"]; present {
		t.Error("denied record must not carry preAuthRef")
	}
	totals := sliceOfMaps(t, record, "total")
	if len(totals) != 1 {
		t.Errorf("denied record carries only the submitted total, got %d", len(totals))
	}
}

func TestGenerate_PendedRecord(t *testing.T) {
	record := generate(t, &Decision{
		Disposition:    DispositionPended,
		ReasonCode:     ReasonAdditionalDocumentation,
		MissingInfo:    "documentation of neurologic deficit is required before approval",
		ReviewRequired: true,
		DecidedAt:      fixedClock(),
	})

	if record["outcome"] != "partial" {
		t.Errorf("pended must map to partial outcome, got %v", record["outcome"])
	}
	notes := sliceOfMaps(t, record, "processNote")
	if len(notes) != 1 || !strings.Contains(notes[0]["text"].(string), "neurologic deficit") {
		t.Errorf("expected missing-info process note, got %v", notes)
	}

	reviewFlagged := false
	for _, ext := range sliceOfMaps(t, record, "extension") {
		if ext["url"] == ExtReviewRequired {
			if v, _ := ext["valueBoolean"].(bool); v {
				reviewFlagged = true
			}
		}
	}
	if !reviewFlagged {
		t.Error("pended record must carry the review-required extension")
	}
}

func TestGenerate_DecisionContextExtension(t *testing.T) {
	record := generate(t, approvedTestDecision())

	var nested []map[string]interface{}
	for _, ext := range sliceOfMaps(t, record, "extension") {
		if ext["url"] == ExtDecisionContext {
			rawNested, _ := ext["extension"].([]interface{})
			for _, e := range rawNested {
				if m, ok := e.(map[string]interface{}); ok {
					nested = append(nested, m)
				}
			}
		}
	}
	if nested == nil {
		t.Fatal("decision-context extension missing")
	}

	byURL := map[string]map[string]interface{}{}
	rules := 0
	for _, ext := range nested {
		url, _ := ext["url"].(string)
		if url == "ruleApplied" {
			rules++
			continue
		}
		byURL[url] = ext
	}
	if byURL["engine"] == nil || byURL["engine"]["valueString"] != EngineName {
		t.Errorf("expected engine name, got %v", byURL["engine"])
	}
	if byURL["vendor"] == nil || byURL["vendor"]["valueString"] != "local" {
		t.Errorf("expected vendor name, got %v", byURL["vendor"])
	}
	if byURL["confidence"] == nil {
		t.Error("expected confidence value")
	}
	if rules != 2 {
		t.Errorf("expected two applied rules, got %d", rules)
	}
}

func TestGenerate_RejectsInconsistentDecision(t *testing.T) {
	g := NewGenerator()
	_, err := g.Generate(testRequest(), &Decision{Disposition: DispositionApproved}, nil)
	if err == nil {
		t.Fatal("expected refusal to render an approved decision without authorization id")
	}
}

func TestGenerate_NoEmptyFields(t *testing.T) {
	record := generate(t, &Decision{
		Disposition: DispositionDenied,
		ReasonCode:  ReasonCoverageInactive,
		DecidedAt:   fixedClock(),
	})
	assertNoEmpty(t, "", record)
}

func assertNoEmpty(t *testing.T, path string, v interface{}) {
	t.Helper()
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 0 {
			t.Errorf("empty object at %q", path)
		}
		for k, child := range val {
			assertNoEmpty(t, path+"/"+k, child)
		}
	case []interface{}:
		if len(val) == 0 {
			t.Errorf("empty list at %q", path)
		}
		for _, child := range val {
			assertNoEmpty(t, path, child)
		}
	case string:
		if val == "" {
			t.Errorf("empty string at %q", path)
		}
	case nil:
		t.Errorf("null at %q", path)
	}
}

func TestGenerateFailureRecord(t *testing.T) {
	g := NewGenerator()
	outcome := g.GenerateFailureRecord([]fhir.OperationOutcomeIssue{{
		Severity:    "error",
		Code:        "processing",
		Diagnostics: "prior authorization for Claim/claim-1 failed after 3 attempts",
	}})

	if outcome["resourceType"] != "OperationOutcome" {
		t.Fatalf("expected OperationOutcome, got %v", outcome["resourceType"])
	}
	issues, _ := outcome["issue"].([]interface{})
	if len(issues) != 1 {
		t.Fatalf("expected one issue, got %v", outcome["issue"])
	}

	// Empty issue list still yields a generic diagnostic.
	fallback := g.GenerateFailureRecord(nil)
	if issues, _ := fallback["issue"].([]interface{}); len(issues) != 1 {
		t.Error("expected fallback issue")
	}
}
