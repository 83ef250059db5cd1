package results

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/results/bulk"
)

type legacyRow struct {
	id       int64
	attrs    bulk.Attrs
	data     []byte
	dataType int
}

// MigrateCatalogToBulk copies results and metadata still held in the catalog
// tables into bulk files and flags the copied rows. Datasets already present
// in a bulk file are left untouched. It returns the number of rows copied.
func (s *Store) MigrateCatalogToBulk(ctx context.Context) (copied int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opened := make(map[int64]struct{})

	defer func() {
		for id := range opened {
			err = errors.Join(err, s.closeBulkWriter(id))
		}
	}()

	for _, source := range []struct {
		table string
		kind  bulk.Kind
		query string
	}{
		{
			table: "results",
			kind:  bulk.KindResult,
			query: `SELECT id, experiment_id, stage, label, story, time, data, data_type FROM results WHERE saved_in_bulk = 0 ORDER BY id`,
		},
		{
			table: "experiment_metadata",
			kind:  bulk.KindMetadata,
			query: `SELECT id, experiment_id, stage, label, '', time, data, data_type FROM experiment_metadata WHERE saved_in_bulk = 0 ORDER BY id`,
		},
	} {
		rows, err := s.legacyRows(ctx, source.query)
		if err != nil {
			return copied, fmt.Errorf("failed to read %s: %w", source.table, err)
		}

		for _, row := range rows {
			if _, ok := s.bulkFiles[row.attrs.ExperimentID]; !ok {
				opened[row.attrs.ExperimentID] = struct{}{}
			}

			file, err := s.bulkWriter(row.attrs.ExperimentID)
			if err != nil {
				return copied, fmt.Errorf("failed to open bulk file: %w", err)
			}

			err = file.WriteEncoded(source.kind, row.attrs, row.data)
			if err != nil && !errdefs.IsAlreadyExists(err) {
				return copied, err
			}

			if err != nil {
				s.logger.WarnContext(ctx, "Dataset already in bulk file, skipping",
					"experiment_id", row.attrs.ExperimentID,
					"path", bulk.Path(row.attrs.Stage, row.attrs.Label, source.kind))
			} else {
				copied++
			}

			_, err = s.db.ExecContext(ctx, `UPDATE `+source.table+` SET saved_in_bulk = 1 WHERE id = ?`, row.id)
			if err != nil {
				return copied, fmt.Errorf("failed to flag %s row %d: %w", source.table, row.id, err)
			}
		}
	}

	s.logger.InfoContext(ctx, "Catalog rows copied to bulk files", "rows", copied)

	return copied, nil
}

func (s *Store) legacyRows(ctx context.Context, query string) ([]legacyRow, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer s.closeRows(ctx, rows)

	legacy := make([]legacyRow, 0)

	for rows.Next() {
		var row legacyRow

		err := rows.Scan(&row.id, &row.attrs.ExperimentID, &row.attrs.Stage, &row.attrs.Label, &row.attrs.Story,
			&row.attrs.Time, &row.data, &row.dataType)
		if err != nil {
			return nil, err
		}

		legacy = append(legacy, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	for i := range legacy {
		legacy[i].attrs.DataType = models.DataType(legacy[i].dataType)
	}

	return legacy, nil
}
