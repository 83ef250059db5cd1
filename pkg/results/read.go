package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/results/bulk"
)

// ExperimentFilter narrows GetExperiments. Zero fields match everything.
type ExperimentFilter struct {
	Label      string
	StartAfter *time.Time
	EndAfter   *time.Time
	Success    *bool
}

// ResultFilter narrows result and metadata queries. Zero fields match everything.
type ResultFilter struct {
	ExperimentID *int64
	Label        string
	Stage        *int
}

const experimentColumns = `
	id
  , label
  , script
  , user
  , story
  , lab_topology
  , start_time
  , end_time
  , success
  , favorite
`

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (models.ExperimentRecord, error) {
	var (
		record  models.ExperimentRecord
		start   string
		end     sql.NullString
		success int
		fav     int
	)

	err := row.Scan(&record.ID, &record.Label, &record.Script, &record.User, &record.Story, &record.LabTopology,
		&start, &end, &success, &fav)
	if err != nil {
		return record, err
	}

	record.StartTime = parseTime(start)
	record.Success = success != 0
	record.Favorite = fav != 0

	if end.Valid {
		endTime := parseTime(end.String)
		record.EndTime = &endTime
	}

	return record, nil
}

func (s *Store) queryExperiments(ctx context.Context, query string, args ...any) ([]models.ExperimentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}

	defer s.closeRows(ctx, rows)

	records := make([]models.ExperimentRecord, 0)

	for rows.Next() {
		record, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}

	return records, nil
}

// GetExperimentsRange returns count experiments starting at the 0-based index start.
func (s *Store) GetExperimentsRange(ctx context.Context, start, count int, success *bool) ([]models.ExperimentRecord, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	args := make([]any, 0, 3)

	if success != nil {
		query += ` WHERE success = ?`

		args = append(args, boolInt(*success))
	}

	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, count, start)

	return s.queryExperiments(ctx, query, args...)
}

// GetLastExperiments returns up to count experiments, newest first.
func (s *Store) GetLastExperiments(ctx context.Context, count int, success *bool) ([]models.ExperimentRecord, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	args := make([]any, 0, 2)

	if success != nil {
		query += ` WHERE success = ?`

		args = append(args, boolInt(*success))
	}

	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, count)

	return s.queryExperiments(ctx, query, args...)
}

// GetExperiments returns the experiments matching filter in id order.
func (s *Store) GetExperiments(ctx context.Context, filter ExperimentFilter) ([]models.ExperimentRecord, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if filter.Label != "" {
		conditions = append(conditions, "label = ?")
		args = append(args, filter.Label)
	}

	if filter.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, boolInt(*filter.Success))
	}

	if filter.StartAfter != nil {
		conditions = append(conditions, "start_time > ?")
		args = append(args, formatTime(*filter.StartAfter))
	}

	if filter.EndAfter != nil {
		conditions = append(conditions, "end_time > ?")
		args = append(args, formatTime(*filter.EndAfter))
	}

	query := `SELECT ` + experimentColumns + ` FROM experiments`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY id`

	return s.queryExperiments(ctx, query, args...)
}

// GetExperimentRecord returns one experiment.
func (s *Store) GetExperimentRecord(ctx context.Context, experimentID int64) (*models.ExperimentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, experimentID)

	record, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("GetExperimentRecord", strconv.FormatInt(experimentID, 10))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan experiment: %w", err)
	}

	return &record, nil
}

// GetResults returns the results matching filter, read from the bulk files.
func (s *Store) GetResults(ctx context.Context, filter ResultFilter) ([]models.ResultRecord, error) {
	if !s.opts.BulkStorage {
		return s.GetCatalogResults(ctx, filter)
	}

	datasets, err := s.readBulk(filter, bulk.KindResult)
	if err != nil {
		return nil, err
	}

	records := make([]models.ResultRecord, 0, len(datasets))
	for _, dataset := range datasets {
		records = append(records, models.ResultRecord{
			ExperimentID: dataset.ExperimentID,
			Stage:        dataset.Stage,
			Label:        dataset.Label,
			Story:        dataset.Story,
			Data:         dataset.Value,
			Time:         dataset.At(),
			DataType:     dataset.DataType,
		})
	}

	return records, nil
}

// GetMetadataRecords returns the metadata matching filter.
func (s *Store) GetMetadataRecords(ctx context.Context, filter ResultFilter) ([]models.MetadataRecord, error) {
	if !s.opts.BulkStorage {
		return s.catalogMetadata(ctx, filter)
	}

	datasets, err := s.readBulk(filter, bulk.KindMetadata)
	if err != nil {
		return nil, err
	}

	records := make([]models.MetadataRecord, 0, len(datasets))
	for _, dataset := range datasets {
		records = append(records, models.MetadataRecord{
			ExperimentID: dataset.ExperimentID,
			Stage:        dataset.Stage,
			Label:        dataset.Label,
			Data:         dataset.Value,
			Time:         dataset.At(),
			DataType:     dataset.DataType,
		})
	}

	return records, nil
}

func (s *Store) readBulk(filter ResultFilter, kind bulk.Kind) ([]bulk.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.bulkExperimentIDs(filter.ExperimentID)
	if err != nil {
		return nil, err
	}

	datasets := make([]bulk.Dataset, 0)

	for _, id := range ids {
		var found []bulk.Dataset

		err := s.readBulkFile(id, func(file *bulk.File) error {
			var err error

			found, err = file.Datasets(kind, bulk.Filter{Label: filter.Label, Stage: filter.Stage})

			return err
		})
		if errdefs.IsNotFound(err) {
			continue
		}

		if err != nil {
			return nil, err
		}

		datasets = append(datasets, found...)
	}

	return datasets, nil
}

func (s *Store) bulkExperimentIDs(experimentID *int64) ([]int64, error) {
	if experimentID != nil {
		return []int64{*experimentID}, nil
	}

	entries, err := os.ReadDir(BulkDir(s.projectDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list bulk files: %w", err)
	}

	ids := make([]int64, 0, len(entries))

	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".hdf5")
		if !ok || entry.IsDir() {
			continue
		}

		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}

		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

// GetCatalogResults reads results from the legacy catalog table.
//
// Deprecated: results live in bulk files; use GetResults.
func (s *Store) GetCatalogResults(ctx context.Context, filter ResultFilter) ([]models.ResultRecord, error) {
	query, args := legacyQuery(`SELECT experiment_id, stage, label, story, time, data, data_type FROM results`, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}

	defer s.closeRows(ctx, rows)

	records := make([]models.ResultRecord, 0)

	for rows.Next() {
		var (
			record   models.ResultRecord
			at       string
			data     []byte
			dataType int
		)

		err := rows.Scan(&record.ExperimentID, &record.Stage, &record.Label, &record.Story, &at, &data, &dataType)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}

		record.Time = parseTime(at)
		record.DataType = models.DataType(dataType)

		record.Data, err = bulk.Decode(data, record.DataType)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

func (s *Store) catalogMetadata(ctx context.Context, filter ResultFilter) ([]models.MetadataRecord, error) {
	query, args := legacyQuery(`SELECT experiment_id, stage, label, time, data, data_type FROM experiment_metadata`, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}

	defer s.closeRows(ctx, rows)

	records := make([]models.MetadataRecord, 0)

	for rows.Next() {
		var (
			record   models.MetadataRecord
			at       string
			data     []byte
			dataType int
		)

		err := rows.Scan(&record.ExperimentID, &record.Stage, &record.Label, &at, &data, &dataType)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}

		record.Time = parseTime(at)
		record.DataType = models.DataType(dataType)

		record.Data, err = bulk.Decode(data, record.DataType)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

func legacyQuery(base string, filter ResultFilter) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if filter.ExperimentID != nil {
		conditions = append(conditions, "experiment_id = ?")
		args = append(args, *filter.ExperimentID)
	}

	if filter.Label != "" {
		conditions = append(conditions, "label = ?")
		args = append(args, filter.Label)
	}

	if filter.Stage != nil {
		conditions = append(conditions, "stage = ?")
		args = append(args, *filter.Stage)
	}

	if len(conditions) > 0 {
		base += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	return base + ` ORDER BY id`, args
}

// GetLastResultOfExperiment returns the most recent result, or nil when the experiment has none.
func (s *Store) GetLastResultOfExperiment(ctx context.Context, experimentID int64) (*models.ResultRecord, error) {
	records, err := s.GetResults(ctx, ResultFilter{ExperimentID: &experimentID})
	if err != nil {
		return nil, err
	}

	var last *models.ResultRecord

	for i := range records {
		if last == nil || !records[i].Time.Before(last.Time) {
			last = &records[i]
		}
	}

	return last, nil
}

// GetPlots returns the plots of an experiment.
func (s *Store) GetPlots(ctx context.Context, experimentID int64) ([]models.PlotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, label, story, generator, plot_data, data_type, time
		FROM plots WHERE experiment_id = ? ORDER BY id
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plots: %w", err)
	}

	defer s.closeRows(ctx, rows)

	records := make([]models.PlotRecord, 0)

	for rows.Next() {
		var (
			record   models.PlotRecord
			data     []byte
			dataType int
			at       string
		)

		err := rows.Scan(&record.ID, &record.ExperimentID, &record.Label, &record.Story, &record.Generator, &data, &dataType, &at)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plot: %w", err)
		}

		record.Time = parseTime(at)

		record.Data, err = bulk.Decode(data, models.DataType(dataType))
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// GetDebugRecord returns the debug record of an experiment.
func (s *Store) GetDebugRecord(ctx context.Context, experimentID int64) (*models.DebugRecord, error) {
	var record models.DebugRecord

	err := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, env, history, station_specs, extra
		FROM debug WHERE experiment_id = ? ORDER BY id DESC LIMIT 1
	`, experimentID).Scan(&record.ID, &record.ExperimentID, &record.Env, &record.History, &record.StationSpecs, &record.Extra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("GetDebugRecord", strconv.FormatInt(experimentID, 10))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan debug record: %w", err)
	}

	return &record, nil
}

// GetNodeStageIDsByLabel returns the stage ids of the nodes labelled label.
func (s *Store) GetNodeStageIDsByLabel(ctx context.Context, label string, experimentID *int64) ([]int, error) {
	query := `SELECT id FROM nodes WHERE label = ?`
	args := []any{label}

	if experimentID != nil {
		query += ` AND experiment_id = ?`

		args = append(args, *experimentID)
	}

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY experiment_id, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}

	defer s.closeRows(ctx, rows)

	ids := make([]int, 0)

	for rows.Next() {
		var id int

		err := rows.Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// GetNodes returns the node records of an experiment in stage order.
func (s *Store) GetNodes(ctx context.Context, experimentID int64) ([]models.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id, id, label, start, is_key_node FROM nodes WHERE experiment_id = ? ORDER BY id
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}

	defer s.closeRows(ctx, rows)

	records := make([]models.NodeRecord, 0)

	for rows.Next() {
		var (
			record models.NodeRecord
			start  string
			key    int
		)

		err := rows.Scan(&record.ExperimentID, &record.StageID, &record.Label, &start, &key)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}

		record.Start = parseTime(start)
		record.IsKeyNode = key != 0
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetResultsFromNode groups the results of every invocation of the node labelled nodeLabel.
// An unknown node is NotFound.
func (s *Store) GetResultsFromNode(ctx context.Context, nodeLabel string, experimentID *int64, resultLabel string) ([]models.NodeResults, error) {
	stageIDs, err := s.GetNodeStageIDsByLabel(ctx, nodeLabel, experimentID)
	if err != nil {
		return nil, err
	}

	if len(stageIDs) == 0 {
		return nil, errdefs.Newf("GetResultsFromNode", nodeLabel, errdefs.ErrNotFound, "node %s not found", nodeLabel)
	}

	nodeResults := make([]models.NodeResults, 0, len(stageIDs))

	for _, stageID := range stageIDs {
		stage := stageID

		records, err := s.GetResults(ctx, ResultFilter{ExperimentID: experimentID, Label: resultLabel, Stage: &stage})
		if err != nil {
			return nil, err
		}

		nodeResults = append(nodeResults, models.NodeResults{StageID: stageID, Results: records})
	}

	return nodeResults, nil
}
