package results

import (
	"context"
	"fmt"

	"github.com/dukex/entropy/pkg/models"
)

// GetFigures returns the figures of an experiment. Results are cached until
// InvalidateFigures is called for the experiment.
func (s *Store) GetFigures(ctx context.Context, experimentID int64) ([]models.FigureRecord, error) {
	s.figuresMu.RLock()
	cached, ok := s.figures[experimentID]
	s.figuresMu.RUnlock()

	if ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, figure, time FROM figures WHERE experiment_id = ? ORDER BY id
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query figures: %w", err)
	}

	defer s.closeRows(ctx, rows)

	figures := make([]models.FigureRecord, 0)

	for rows.Next() {
		var (
			record models.FigureRecord
			at     string
		)

		err := rows.Scan(&record.ID, &record.ExperimentID, &record.Figure, &at)
		if err != nil {
			return nil, fmt.Errorf("failed to scan figure: %w", err)
		}

		record.Time = parseTime(at)
		figures = append(figures, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating figures: %w", err)
	}

	s.figuresMu.Lock()
	s.figures[experimentID] = figures
	s.figuresMu.Unlock()

	return figures, nil
}

// InvalidateFigures drops the cached figures of an experiment.
func (s *Store) InvalidateFigures(experimentID int64) {
	s.figuresMu.Lock()
	delete(s.figures, experimentID)
	s.figuresMu.Unlock()
}
