package pipeline

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhir-iq/fpas/internal/domain/priorauth"
	"github.com/fhir-iq/fpas/internal/domain/task"
	"github.com/fhir-iq/fpas/internal/payer"
	"github.com/fhir-iq/fpas/internal/platform/fhir"
	"github.com/fhir-iq/fpas/internal/queue"
	"github.com/fhir-iq/fpas/pkg/pagination"
)

// Handler is the thin HTTP surface of the pipeline: submission, task
// read, and health. Authentication is left to the deployment's gateway.
type Handler struct {
	svc   *Service
	tasks *task.Service
	jobs  *queue.Queue
}

func NewHandler(svc *Service, tasks *task.Service, jobs *queue.Queue) *Handler {
	return &Handler{svc: svc, tasks: tasks, jobs: jobs}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/Claim/$submit", h.SubmitClaim)
	fhirGroup.GET("/Task", h.SearchTasks)
	fhirGroup.GET("/Task/:id", h.GetTaskFHIR)
}

// SubmitClaim accepts a Claim, or a Bundle containing the Claim and its
// supporting Coverage and QuestionnaireResponse resources. Synchronous
// decisions answer 200 with the ClaimResponse; everything else answers
// 202 with the tracking Task.
func (h *Handler) SubmitClaim(c echo.Context) error {
	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "structure", "request body is not a FHIR resource"))
	}

	sub, err := submissionFrom(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "structure", err.Error()))
	}
	sub.Caller = payer.RequestContext{
		SubmitterID:   c.Request().Header.Get("X-Submitter-Id"),
		CorrelationID: correlationID(c),
	}
	sub.PreferredVendor = c.QueryParam("vendor")

	result, err := h.svc.Submit(c.Request().Context(), sub)
	if err != nil {
		if errors.Is(err, priorauth.ErrValidation) {
			return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome("error", "invalid", err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("prior authorization processing failed"))
	}

	if result.Completed {
		return c.JSON(http.StatusOK, result.Response)
	}
	c.Response().Header().Set("Content-Location", "/fhir/Task/"+result.Task.FHIRID)
	return c.JSON(http.StatusAccepted, result.Task.ToFHIR())
}

// SearchTasks answers a searchset Bundle filtered by patient or status.
// Exactly one filter is required; an unbounded scan over all tasks is not
// offered.
func (h *Handler) SearchTasks(c echo.Context) error {
	page := pagination.FromContext(c)
	patient := c.QueryParam("patient")
	status := c.QueryParam("status")

	var (
		items   []*task.Task
		total   int
		err     error
		filters = url.Values{}
	)
	switch {
	case patient != "":
		filters.Set("patient", patient)
		if _, id := fhir.ParseReference(patient); id != "" {
			patient = id
		}
		items, total, err = h.tasks.ListTasksByPatient(c.Request().Context(), patient, page.Limit, page.Offset)
	case status != "":
		filters.Set("status", status)
		items, total, err = h.tasks.ListTasksByStatus(c.Request().Context(), status, page.Limit, page.Offset)
	default:
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "required", "a patient or status search parameter is required"))
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "processing", err.Error()))
	}

	entries := make([]map[string]interface{}, 0, len(items))
	for _, t := range items {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  "Task/" + t.FHIRID,
			"resource": t.ToFHIR(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        total,
		"link":         page.FHIRLinks(c.Request().URL.Path, total, filters),
		"entry":        entries,
	})
}

func (h *Handler) GetTaskFHIR(c echo.Context) error {
	t, err := h.tasks.GetTaskByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Task", c.Param("id")))
	}
	return c.JSON(http.StatusOK, t.ToFHIR())
}

// Health reports liveness plus queue depth gauges.
func (h *Handler) Health(c echo.Context) error {
	out := map[string]interface{}{"status": "up"}
	if h.jobs != nil {
		if stats, err := h.jobs.Stats(c.Request().Context()); err == nil {
			out["queue"] = stats
		} else {
			out["status"] = "degraded"
		}
	}
	return c.JSON(http.StatusOK, out)
}

// submissionFrom unwraps the inbound resource. A bare Claim is accepted;
// a Bundle may additionally carry Coverage and QuestionnaireResponse
// entries, which become the adjudication context.
func submissionFrom(body map[string]interface{}) (*Submission, error) {
	resources := []map[string]interface{}{body}
	if rt, _ := body["resourceType"].(string); rt == "Bundle" {
		resources = bundleResources(body)
	}

	sub := &Submission{}
	answers := map[string]interface{}{}
	for _, res := range resources {
		switch res["resourceType"] {
		case "Claim":
			if id, _ := res["id"].(string); id == "" {
				res["id"] = uuid.NewString()
			}
			req, err := priorauth.RequestFromFHIR(res)
			if err != nil {
				return nil, err
			}
			sub.Request = req
		case "Coverage":
			coverage, err := priorauth.CoverageFromFHIR(res)
			if err != nil {
				return nil, err
			}
			sub.Coverage = coverage
			sub.Supporting = append(sub.Supporting, res)
		case "QuestionnaireResponse":
			parsed, err := priorauth.AnswersFromQuestionnaireResponse(res)
			if err != nil {
				return nil, err
			}
			for k, v := range parsed.Map() {
				if _, exists := answers[k]; !exists {
					answers[k] = v
				}
			}
			sub.Supporting = append(sub.Supporting, res)
		}
	}
	if sub.Request == nil {
		return nil, errors.New("submission contains no Claim resource")
	}
	sub.Answers = priorauth.NewClinicalAnswers(answers)
	return sub, nil
}

func bundleResources(bundle map[string]interface{}) []map[string]interface{} {
	entries, _ := bundle["entry"].([]interface{})
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if res, ok := entry["resource"].(map[string]interface{}); ok {
			out = append(out, res)
		}
	}
	return out
}

func correlationID(c echo.Context) string {
	if id := c.Request().Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return c.Response().Header().Get(echo.HeaderXRequestID)
}
