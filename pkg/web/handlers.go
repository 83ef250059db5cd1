// Package web serves the dashboard data API.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/results"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultExperimentCount = 10

// ExperimentStore is the part of the results store the dashboard reads.
type ExperimentStore interface {
	GetLastExperiments(ctx context.Context, count int, success *bool) ([]models.ExperimentRecord, error)
	GetExperimentsRange(ctx context.Context, start, count int, success *bool) ([]models.ExperimentRecord, error)
	GetExperimentRecord(ctx context.Context, experimentID int64) (*models.ExperimentRecord, error)
	GetResults(ctx context.Context, filter results.ResultFilter) ([]models.ResultRecord, error)
	GetPlots(ctx context.Context, experimentID int64) ([]models.PlotRecord, error)
	GetFigures(ctx context.Context, experimentID int64) ([]models.FigureRecord, error)
	UpdateExperimentFavorite(ctx context.Context, experimentID int64, favorite bool) error
	InvalidateFigures(experimentID int64)
}

// ParamStore is the part of the parameter store the dashboard edits.
type ParamStore interface {
	ToMap() map[string]any
	CommitID() string
	IsDirty() bool
	SetParamKwargs(key string, value any, kwargs map[string]any) error
	Commit(ctx context.Context, label string) (string, error)
	ListCommits(ctx context.Context, label string) ([]models.CommitMetadata, error)
}

// LabRegistry lists the resources registered in the lab.
type LabRegistry interface {
	ListAll(ctx context.Context) ([]string, error)
	GetInfo(ctx context.Context, name string) (*models.ResourceRecord, error)
}

type APIHandlers struct {
	experiments ExperimentStore
	params      ParamStore
	lab         LabRegistry
	validator   *validator.Validate
}

// NewAPIHandlers serves experiments, params and lab resources. params and
// lab may be nil, in which case their routes are not registered.
func NewAPIHandlers(experiments ExperimentStore, params ParamStore, lab LabRegistry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		experiments: experiments,
		params:      params,
		lab:         lab,
		validator:   validator,
	}
}

func queryBool(c fiber.Ctx, name string) (*bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}

	return &value, nil
}

func queryInt(c fiber.Ctx, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}

	return strconv.Atoi(raw)
}

func experimentID(c fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func (h *APIHandlers) GetLastExperiments(c fiber.Ctx) error {
	count, err := queryInt(c, "count", defaultExperimentCount)
	if err != nil {
		return badRequest(c, "Invalid count: "+err.Error())
	}

	success, err := queryBool(c, "success")
	if err != nil {
		return badRequest(c, "Invalid success filter: "+err.Error())
	}

	experiments, err := h.experiments.GetLastExperiments(c.Context(), count, success)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(experiments)
}

func (h *APIHandlers) GetExperimentsRange(c fiber.Ctx) error {
	start, err := queryInt(c, "start", 0)
	if err != nil {
		return badRequest(c, "Invalid start: "+err.Error())
	}

	count, err := queryInt(c, "count", defaultExperimentCount)
	if err != nil {
		return badRequest(c, "Invalid count: "+err.Error())
	}

	success, err := queryBool(c, "success")
	if err != nil {
		return badRequest(c, "Invalid success filter: "+err.Error())
	}

	experiments, err := h.experiments.GetExperimentsRange(c.Context(), start, count, success)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(experiments)
}

func (h *APIHandlers) GetExperiment(c fiber.Ctx) error {
	id, err := experimentID(c)
	if err != nil {
		return badRequest(c, "Invalid experiment ID")
	}

	record, err := h.experiments.GetExperimentRecord(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) GetPlotsAndFigures(c fiber.Ctx) error {
	id, err := experimentID(c)
	if err != nil {
		return badRequest(c, "Invalid experiment ID")
	}

	_, err = h.experiments.GetExperimentRecord(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	plots, err := h.experiments.GetPlots(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	figures, err := h.experiments.GetFigures(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(PlotsResponse{Plots: plots, Figures: figures})
}

func (h *APIHandlers) UpdateFavorite(c fiber.Ctx) error {
	id, err := experimentID(c)
	if err != nil {
		return badRequest(c, "Invalid experiment ID")
	}

	var req FavoriteRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err = h.experiments.UpdateExperimentFavorite(c.Context(), id, *req.Favorite)
	if err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetResults(c fiber.Ctx) error {
	id, err := experimentID(c)
	if err != nil {
		return badRequest(c, "Invalid experiment ID")
	}

	filter := results.ResultFilter{ExperimentID: &id, Label: c.Query("label")}

	if raw := c.Query("stage"); raw != "" {
		stage, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "Invalid stage: "+err.Error())
		}

		filter.Stage = &stage
	}

	records, err := h.experiments.GetResults(c.Context(), filter)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(records)
}

func (h *APIHandlers) GetParams(c fiber.Ctx) error {
	return c.JSON(ParamsResponse{
		CommitID: h.params.CommitID(),
		Dirty:    h.params.IsDirty(),
		Params:   h.params.ToMap(),
	})
}

func (h *APIHandlers) ListCommits(c fiber.Ctx) error {
	commits, err := h.params.ListCommits(c.Context(), c.Query("label"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(commits)
}

func (h *APIHandlers) SetParam(c fiber.Ctx) error {
	var req SetParamRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.params.SetParamKwargs(c.Params("key"), req.Value, req.Kwargs)
	if err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) Commit(c fiber.Ctx) error {
	var req CommitRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	id, err := h.params.Commit(c.Context(), req.Label)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(CommitResponse{ID: id})
}

func (h *APIHandlers) ListResources(c fiber.Ctx) error {
	names, err := h.lab.ListAll(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(names)
}

func (h *APIHandlers) GetResource(c fiber.Ctx) error {
	record, err := h.lab.GetInfo(c.Context(), c.Params("name"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":    "healthy",
		"message":   "Entropy API is healthy",
		"timestamp": time.Now().UTC(),
	})
}
