package web

import "github.com/dukex/entropy/pkg/models"

// FavoriteRequest is the body of PUT /api/experiments/:id/favorite.
type FavoriteRequest struct {
	Favorite *bool `json:"favorite" validate:"required"`
}

// SetParamRequest is the body of PUT /api/params/:key. Kwargs carry the
// param metadata by name (expiration, expires_in, description, node_id).
type SetParamRequest struct {
	Value  any            `json:"value"  validate:"required"`
	Kwargs map[string]any `json:"kwargs"`
}

// CommitRequest is the body of POST /api/params/commit.
type CommitRequest struct {
	Label string `json:"label"`
}

type CommitResponse struct {
	ID string `json:"id"`
}

// ParamsResponse is the live parameter state.
type ParamsResponse struct {
	CommitID string         `json:"commit_id"`
	Dirty    bool           `json:"dirty"`
	Params   map[string]any `json:"params"`
}

// PlotsResponse holds everything the dashboard draws for one experiment.
type PlotsResponse struct {
	Plots   []models.PlotRecord   `json:"plots"`
	Figures []models.FigureRecord `json:"figures"`
}
