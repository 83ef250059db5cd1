package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/results/bulk"
	"github.com/go-playground/validator/v10"
)

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func (s *Store) validateStruct(op string, target string, value any) error {
	err := s.validate.Struct(value)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return errdefs.InvalidArgument(op, target, validationErrors.Error())
	}

	return errdefs.InvalidArgument(op, target, err.Error())
}

// OpenExperiment records the start of an experiment and returns its id.
func (s *Store) OpenExperiment(ctx context.Context, data models.ExperimentInitialData) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := data.StartTime
	if start.IsZero() {
		start = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (label, script, start_time, user, lab_topology, story)
		VALUES (?, ?, ?, ?, ?, ?)
	`, data.Label, data.Script, formatTime(start), data.User, data.LabTopology, data.Story)
	if err != nil {
		return 0, fmt.Errorf("failed to insert experiment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read experiment id: %w", err)
	}

	return id, nil
}

// CloseExperiment records the end time and outcome of an experiment.
func (s *Store) CloseExperiment(ctx context.Context, experimentID int64, data models.ExperimentEndData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := data.EndTime
	if end.IsZero() {
		end = s.now()
	}

	err := s.updateExperiment(ctx, "CloseExperiment", experimentID,
		`UPDATE experiments SET end_time = ?, success = ? WHERE id = ?`,
		formatTime(end), boolInt(data.Success), experimentID)
	if err != nil {
		return err
	}

	return s.closeBulkWriter(experimentID)
}

// UpdateExperimentFavorite marks or unmarks an experiment as favorite.
func (s *Store) UpdateExperimentFavorite(ctx context.Context, experimentID int64, favorite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateExperiment(ctx, "UpdateExperimentFavorite", experimentID,
		`UPDATE experiments SET favorite = ? WHERE id = ?`, boolInt(favorite), experimentID)
}

func (s *Store) updateExperiment(ctx context.Context, op string, experimentID int64, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update experiment %d: %w", experimentID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update experiment %d: %w", experimentID, err)
	}

	if affected == 0 {
		return errdefs.NotFound(op, strconv.FormatInt(experimentID, 10))
	}

	return nil
}

// requireExperiment must run with s.mu held.
func (s *Store) requireExperiment(ctx context.Context, op string, experimentID int64) error {
	var one int

	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM experiments WHERE id = ?`, experimentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errdefs.NotFound(op, strconv.FormatInt(experimentID, 10))
	}

	if err != nil {
		return fmt.Errorf("failed to look up experiment %d: %w", experimentID, err)
	}

	return nil
}

// SaveResult stores a result in the experiment's bulk file. Stage and label
// identify a result, so a second write to them is AlreadyExists.
func (s *Store) SaveResult(ctx context.Context, experimentID int64, result models.RawResultData) error {
	err := s.validateStruct("SaveResult", result.Label, result)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireExperiment(ctx, "SaveResult", experimentID); err != nil {
		return err
	}

	attrs := bulk.Attrs{
		ExperimentID: experimentID,
		Stage:        result.Stage,
		Label:        result.Label,
		Time:         s.now().Format(timeLayout),
		Story:        result.Story,
	}

	if !s.opts.BulkStorage {
		return s.insertLegacy(ctx, "results", attrs, result.Data)
	}

	return s.writeBulk(ctx, "SaveResult", bulk.KindResult, attrs, result.Data)
}

// SaveMetadata stores metadata the same way SaveResult stores results.
func (s *Store) SaveMetadata(ctx context.Context, experimentID int64, metadata models.Metadata) error {
	err := s.validateStruct("SaveMetadata", metadata.Label, metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireExperiment(ctx, "SaveMetadata", experimentID); err != nil {
		return err
	}

	attrs := bulk.Attrs{
		ExperimentID: experimentID,
		Stage:        metadata.Stage,
		Label:        metadata.Label,
		Time:         s.now().Format(timeLayout),
	}

	if !s.opts.BulkStorage {
		return s.insertLegacy(ctx, "experiment_metadata", attrs, metadata.Data)
	}

	return s.writeBulk(ctx, "SaveMetadata", bulk.KindMetadata, attrs, metadata.Data)
}

func (s *Store) writeBulk(ctx context.Context, op string, kind bulk.Kind, attrs bulk.Attrs, value any) error {
	file, err := s.bulkWriter(attrs.ExperimentID)
	if err != nil {
		return fmt.Errorf("failed to open bulk file: %w", err)
	}

	err = file.Write(kind, attrs, value)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return errdefs.Newf(op, attrs.Label, errdefs.ErrAlreadyExists,
				"%s already exists in experiment %d at stage %d", kind, attrs.ExperimentID, attrs.Stage)
		}

		return err
	}

	s.logger.DebugContext(ctx, "Saved dataset", "experiment_id", attrs.ExperimentID, "path", bulk.Path(attrs.Stage, attrs.Label, kind))

	return nil
}

func (s *Store) insertLegacy(ctx context.Context, table string, attrs bulk.Attrs, value any) error {
	data, dataType := bulk.Encode(value)

	var err error

	if table == "results" {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO results (experiment_id, stage, label, story, time, data, data_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, attrs.ExperimentID, attrs.Stage, attrs.Label, attrs.Story, attrs.Time, data, int(dataType))
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO experiment_metadata (experiment_id, stage, label, time, data, data_type)
			VALUES (?, ?, ?, ?, ?, ?)
		`, attrs.ExperimentID, attrs.Stage, attrs.Label, attrs.Time, data, int(dataType))
	}

	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	return nil
}

// SaveFigure stores a figure and invalidates the cached figures of the experiment.
func (s *Store) SaveFigure(ctx context.Context, experimentID int64, figure models.Figure) error {
	err := s.validateStruct("SaveFigure", strconv.FormatInt(experimentID, 10), figure)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireExperiment(ctx, "SaveFigure", experimentID); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO figures (experiment_id, figure, time) VALUES (?, ?, ?)`,
		experimentID, figure.Figure, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to insert figure: %w", err)
	}

	s.InvalidateFigures(experimentID)

	return nil
}

// SavePlot stores plot data and the name of the generator that renders it.
func (s *Store) SavePlot(ctx context.Context, experimentID int64, plot models.PlotSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireExperiment(ctx, "SavePlot", experimentID); err != nil {
		return err
	}

	data, dataType := bulk.Encode(plot.Data)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plots (experiment_id, plot_data, data_type, generator, label, story, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, experimentID, data, int(dataType), plot.Generator, plot.Label, plot.Story, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to insert plot: %w", err)
	}

	return nil
}

// SaveNode records a graph node invocation.
func (s *Store) SaveNode(ctx context.Context, experimentID int64, node models.NodeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireExperiment(ctx, "SaveNode", experimentID); err != nil {
		return err
	}

	start := node.StartTime
	if start.IsZero() {
		start = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (experiment_id, id, label, start, is_key_node) VALUES (?, ?, ?, ?, ?)
	`, experimentID, node.StageID, node.Label, formatTime(start), boolInt(node.IsKeyNode))
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}

	return nil
}

// SaveDebug records environment details of an experiment.
func (s *Store) SaveDebug(ctx context.Context, experimentID int64, debug models.Debug) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireExperiment(ctx, "SaveDebug", experimentID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO debug (experiment_id, env, history, station_specs, extra) VALUES (?, ?, ?, ?, ?)
	`, experimentID, debug.Env, debug.History, debug.StationSpecs, debug.Extra)
	if err != nil {
		return fmt.Errorf("failed to insert debug: %w", err)
	}

	return nil
}

