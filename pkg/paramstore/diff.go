package paramstore

import (
	"context"
	"encoding/json"

	"github.com/dukex/entropy/pkg/models"
)

// DiffEntry describes how a key changed. Added keys only have a new value
// and deleted keys only have an old value.
type DiffEntry struct {
	OldValue any
	NewValue any
	HasOld   bool
	HasNew   bool
}

// MarshalJSON writes only the sides that are present.
func (d DiffEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 2)
	if d.HasOld {
		out["old_value"] = d.OldValue
	}

	if d.HasNew {
		out["new_value"] = d.NewValue
	}

	return json.Marshal(out)
}

// Diff compares the values of two commits. An empty oldCommitID means the
// latest commit and an empty newCommitID means the live state.
func (s *ParamStore) Diff(ctx context.Context, oldCommitID, newCommitID string) (map[string]DiffEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		oldCommit *models.Commit
		err       error
	)

	if oldCommitID != "" {
		oldCommit, err = s.persistence.GetCommit(ctx, oldCommitID)
	} else {
		oldCommit, err = s.persistence.GetLatestCommit(ctx)
	}

	if err != nil {
		return nil, err
	}

	oldParams := map[string]*models.Param{}
	if oldCommit != nil {
		oldParams = oldCommit.Params
	}

	newParams := s.params

	if newCommitID != "" {
		newCommit, err := s.persistence.GetCommit(ctx, newCommitID)
		if err != nil {
			return nil, err
		}

		newParams = newCommit.Params
	}

	return diffParams(oldParams, newParams), nil
}

func diffParams(oldParams, newParams map[string]*models.Param) map[string]DiffEntry {
	diff := make(map[string]DiffEntry)

	for key, newParam := range newParams {
		oldParam, ok := oldParams[key]
		if !ok {
			diff[key] = DiffEntry{NewValue: models.CloneValue(newParam.Value), HasNew: true}

			continue
		}

		if !models.ValuesEqual(oldParam.Value, newParam.Value) {
			diff[key] = DiffEntry{
				OldValue: models.CloneValue(oldParam.Value),
				NewValue: models.CloneValue(newParam.Value),
				HasOld:   true,
				HasNew:   true,
			}
		}
	}

	for key, oldParam := range oldParams {
		if _, ok := newParams[key]; !ok {
			diff[key] = DiffEntry{OldValue: models.CloneValue(oldParam.Value), HasOld: true}
		}
	}

	return diff
}
