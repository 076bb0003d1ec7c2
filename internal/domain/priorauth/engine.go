package priorauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fhir-iq/fpas/internal/rules"
)

// EngineName identifies the in-process decision source in DecisionContext
// and vendor routing.
const EngineName = "internal-rules"

// ClinicalRule binds a compiled criterion to the disposition it produces.
// Rules are evaluated in order; the first match wins.
type ClinicalRule struct {
	Name        string
	Expression  string
	Disposition Disposition
	ReasonCode  string
	MissingInfo string
}

// DefaultClinicalRules encode the lumbar-imaging medical policy: approval
// requires documented conservative therapy plus a neurologic deficit;
// conservative therapy alone pends for documentation; its absence denies.
func DefaultClinicalRules() []ClinicalRule {
	return []ClinicalRule{
		{
			Name:        "approve-conservative-therapy-with-deficit",
			Expression:  `answers.triedConservativeTherapy == true && answers.hasNeurologicDeficit == true`,
			Disposition: DispositionApproved,
		},
		{
			Name:        "pend-missing-deficit-documentation",
			Expression:  `answers.triedConservativeTherapy == true && answers.hasNeurologicDeficit == false`,
			Disposition: DispositionPended,
			ReasonCode:  ReasonAdditionalDocumentation,
			MissingInfo: "documentation of neurologic deficit is required before approval",
		},
		{
			Name:        "deny-conservative-therapy-not-attempted",
			Expression:  `answers.triedConservativeTherapy == false`,
			Disposition: DispositionDenied,
			ReasonCode:  ReasonConservativeTherapyRequired,
		},
	}
}

// Engine is the local clinical decision engine: a pure function from
// (request, answers, coverage) to a decision. No I/O, safe for concurrent
// use.
type Engine struct {
	ruleSet []ClinicalRule
	eval    *rules.Engine
	clock   func() time.Time
}

func NewEngine(ruleSet []ClinicalRule) (*Engine, error) {
	if len(ruleSet) == 0 {
		ruleSet = DefaultClinicalRules()
	}
	criteria := make([]rules.Criterion, 0, len(ruleSet))
	for _, r := range ruleSet {
		criteria = append(criteria, rules.Criterion{Name: r.Name, Expression: r.Expression})
	}
	eval, err := rules.New(criteria)
	if err != nil {
		return nil, fmt.Errorf("compile clinical rules: %w", err)
	}
	return &Engine{ruleSet: ruleSet, eval: eval, clock: time.Now}, nil
}

// WithClock overrides the engine's time source. Used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Decide adjudicates a request. The coverage gate short-circuits all
// clinical rules; incomplete clinical data pends for human review rather
// than approving or denying.
func (e *Engine) Decide(req *Request, answers ClinicalAnswers, coverage *Coverage) (Decision, DecisionContext, error) {
	start := e.clock()
	dc := DecisionContext{Engine: EngineName}

	if err := req.Validate(); err != nil {
		return Decision{}, dc, err
	}

	if !coverage.ActiveAt(start) {
		dc.RulesApplied = []string{"coverage-eligibility"}
		dc.Confidence = 1.0
		dc.ProcessingTime = e.clock().Sub(start)
		return Decision{
			Disposition:   DispositionDenied,
			ReasonCode:    ReasonCoverageInactive,
			ReasonDisplay: "coverage is not active for the requested service date",
			DecidedAt:     start,
		}, dc, nil
	}
	dc.RulesApplied = append(dc.RulesApplied, "coverage-eligibility")

	facts := answers.Map()
	incomplete := false
	for _, rule := range e.ruleSet {
		dc.RulesApplied = append(dc.RulesApplied, rule.Name)
		matched, err := e.eval.Matches(rule.Name, facts)
		if err != nil {
			// Missing facts; never silently approve or deny on them.
			incomplete = true
			continue
		}
		if !matched {
			continue
		}

		dc.Confidence = 0.9
		dc.ProcessingTime = e.clock().Sub(start)
		decision, err := e.applyRule(req, rule, start)
		if err != nil {
			return Decision{}, dc, err
		}
		return decision, dc, nil
	}

	// No rule matched (or rules could not be evaluated at all).
	dc.Confidence = 0.25
	dc.ProcessingTime = e.clock().Sub(start)
	missing := "clinical questionnaire answers are incomplete"
	if !incomplete {
		missing = "request did not match any clinical policy rule"
	}
	return Decision{
		Disposition:    DispositionPended,
		ReasonCode:     ReasonIncompleteClinicalData,
		ReasonDisplay:  "unable to adjudicate automatically",
		MissingInfo:    missing,
		ReviewRequired: true,
		DecidedAt:      start,
	}, dc, nil
}

func (e *Engine) applyRule(req *Request, rule ClinicalRule, now time.Time) (Decision, error) {
	switch rule.Disposition {
	case DispositionApproved:
		validTo := now.AddDate(0, 0, 90)
		amount := req.SubmittedTotal()
		return Decision{
			Disposition:     DispositionApproved,
			AuthorizationID: NewAuthorizationID(now),
			ValidFrom:       &now,
			ValidTo:         &validTo,
			ApprovedAmount:  &amount,
			DecidedAt:       now,
		}, nil
	case DispositionDenied:
		return Decision{
			Disposition:   DispositionDenied,
			ReasonCode:    rule.ReasonCode,
			ReasonDisplay: "requested service does not meet medical policy",
			DecidedAt:     now,
		}, nil
	case DispositionPended:
		return Decision{
			Disposition:    DispositionPended,
			ReasonCode:     rule.ReasonCode,
			ReasonDisplay:  "additional documentation required",
			MissingInfo:    rule.MissingInfo,
			ReviewRequired: true,
			DecidedAt:      now,
		}, nil
	}
	return Decision{}, fmt.Errorf("rule %q has unknown disposition %q", rule.Name, rule.Disposition)
}

// NewAuthorizationID issues a globally unique, human-referenceable
// authorization number: PA-<timestamp>-<random suffix>.
func NewAuthorizationID(now time.Time) string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("PA-%s-%s", now.UTC().Format("20060102150405"), strings.ToUpper(hex.EncodeToString(suffix)))
}
