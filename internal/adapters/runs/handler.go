// Package runs exposes run construction over HTTP.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"traction/internal/blob"
	"traction/internal/instrument"
	"traction/pkg/domain"
)

// Service is the run construction surface the handler drives.
type Service interface {
	Submit(ctx context.Context, raw map[string]any) (domain.Outcome, error)
	Validate(ctx context.Context, raw map[string]any) (domain.Outcome, error)
	Run(ctx context.Context, id string) (domain.RunView, error)
	Submissions(ctx context.Context, runID string) ([]blob.Info, error)
	Instruments() []instrument.RuleSet
	PutMaterials(ctx context.Context, materials []domain.Material) error
}

// Handler provides HTTP access to run submission and lookup.
type Handler struct {
	Service Service
}

// NewHandler constructs a run HTTP handler.
func NewHandler(s Service) *Handler {
	return &Handler{Service: s}
}

// Register mounts the handler routes on e.
func (h *Handler) Register(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.GET("/instruments", h.ListInstruments)
	api.PUT("/materials", h.PutMaterials)

	runs := api.Group("/runs")
	runs.POST("", h.SubmitRun)                      // POST /api/v1/runs
	runs.POST("/validate", h.ValidateRun)           // POST /api/v1/runs/validate
	runs.GET("/:id", h.GetRun)                      // GET /api/v1/runs/{run_id}
	runs.PUT("/:id", h.ResubmitRun)                 // PUT /api/v1/runs/{run_id}
	runs.GET("/:id/submissions", h.ListSubmissions) // GET /api/v1/runs/{run_id}/submissions
}

// SubmitRun commits a submission.
// POST /api/v1/runs
func (h *Handler) SubmitRun(c echo.Context) error {
	raw, out, ok := decode(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, out)
	}
	return h.submit(c, raw)
}

// ResubmitRun commits a submission against an existing run. A run_id in the
// body must match the path.
// PUT /api/v1/runs/:id
func (h *Handler) ResubmitRun(c echo.Context) error {
	raw, out, ok := decode(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, out)
	}
	id := c.Param("id")
	if body := raw["run_id"]; body != nil {
		if fmt.Sprint(body) != id {
			return writeError(c, http.StatusBadRequest, "run_id does not match the path")
		}
	}
	raw["run_id"] = id
	return h.submit(c, raw)
}

func (h *Handler) submit(c echo.Context, raw map[string]any) error {
	out, err := h.Service.Submit(c.Request().Context(), raw)
	if err != nil && out.Status == "" {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	status := statusCode(out)
	if out.Status == domain.StatusCommitted && raw["run_id"] == nil {
		status = http.StatusCreated
	}
	return c.JSON(status, out)
}

// ValidateRun checks a submission without committing it.
// POST /api/v1/runs/validate
func (h *Handler) ValidateRun(c echo.Context) error {
	raw, out, ok := decode(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, out)
	}
	out, err := h.Service.Validate(c.Request().Context(), raw)
	if err != nil && out.Status == "" {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(statusCode(out), out)
}

// GetRun returns a run with its plates and wells.
// GET /api/v1/runs/:id
func (h *Handler) GetRun(c echo.Context) error {
	view, err := h.Service.Run(c.Request().Context(), c.Param("id"))
	if err != nil {
		if domain.IsNotFound(err) {
			return writeError(c, http.StatusNotFound, "run not found")
		}
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"run": view})
}

// ListSubmissions lists the archived submissions of a run.
// GET /api/v1/runs/:id/submissions
func (h *Handler) ListSubmissions(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.Service.Run(ctx, id); err != nil {
		if domain.IsNotFound(err) {
			return writeError(c, http.StatusNotFound, "run not found")
		}
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	infos, err := h.Service.Submissions(ctx, id)
	if err != nil {
		return writeError(c, http.StatusBadGateway, err.Error())
	}
	if infos == nil {
		infos = []blob.Info{}
	}
	return c.JSON(http.StatusOK, map[string]any{"submissions": infos})
}

// ListInstruments returns the configured instrument rule sets.
// GET /api/v1/instruments
func (h *Handler) ListInstruments(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"instruments": h.Service.Instruments()})
}

type materialsRequest struct {
	Materials []domain.Material `json:"materials"`
}

// PutMaterials registers the pools and libraries wells may reference.
// PUT /api/v1/materials
func (h *Handler) PutMaterials(c echo.Context) error {
	var req materialsRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid request body")
	}
	for _, m := range req.Materials {
		if m.Ref.ID == "" {
			return writeError(c, http.StatusBadRequest, "material id can't be blank")
		}
		if !m.Ref.Kind.Valid() {
			return writeError(c, http.StatusBadRequest, "material kind must be pool or library")
		}
	}
	if err := h.Service.PutMaterials(c.Request().Context(), req.Materials); err != nil {
		var rve domain.RuleViolationError
		if errors.As(err, &rve) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{"errors": rve.Result.Errors()})
		}
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"materials": len(req.Materials)})
}

// decode reads the request body as a raw submission. A malformed body is
// reported as an invalid outcome at the normalization stage.
func decode(c echo.Context) (map[string]any, domain.Outcome, bool) {
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, domain.Outcome{
			Status: domain.StatusInvalid,
			Stage:  domain.StageNormalization,
			Errors: map[string][]string{"base": {"must be a JSON object"}},
		}, false
	}
	return raw, domain.Outcome{}, true
}

func statusCode(out domain.Outcome) int {
	switch out.Status {
	case domain.StatusCommitted, domain.StatusValid:
		return http.StatusOK
	case domain.StatusInvalid:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
