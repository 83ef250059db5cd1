package paramstore

import (
	"fmt"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
)

// MergeStrategy decides which side wins a conflicting leaf value.
type MergeStrategy int

const (
	// MergeOurs keeps the local value on conflict.
	MergeOurs MergeStrategy = iota + 1
	// MergeTheirs overwrites the local value on conflict.
	MergeTheirs
)

func (m MergeStrategy) String() string {
	switch m {
	case MergeOurs:
		return "ours"
	case MergeTheirs:
		return "theirs"
	default:
		return fmt.Sprintf("MergeStrategy(%d)", int(m))
	}
}

// Merge merges the live params of theirs into the store.
func (s *ParamStore) Merge(theirs *ParamStore, strategy MergeStrategy) error {
	theirs.mu.Lock()
	params := models.CloneParams(theirs.params)
	theirs.mu.Unlock()

	return s.MergeParams(params, strategy)
}

// MergeParams merges params into the store. Keys missing locally are copied,
// map values are merged recursively and other conflicts follow strategy.
func (s *ParamStore) MergeParams(theirs map[string]*models.Param, strategy MergeStrategy) error {
	if strategy != MergeOurs && strategy != MergeTheirs {
		return errdefs.Unsupported("Merge", strategy.String(), "merge strategy is not implemented")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, their := range theirs {
		if their == nil {
			continue
		}

		ours, ok := s.params[key]
		if !ok {
			s.params[key] = their.Clone()
			s.dirty[key] = struct{}{}

			continue
		}

		ourTree, ourIsMap := ours.Value.(map[string]any)
		theirTree, theirIsMap := their.Value.(map[string]any)

		switch {
		case ourIsMap && theirIsMap:
			merged := models.CloneValue(ourTree).(map[string]any)
			if mergeTrees(merged, theirTree, strategy) {
				updated := ours.Clone()
				updated.Value = merged
				s.params[key] = updated
				s.dirty[key] = struct{}{}
			}
		case models.ValuesEqual(ours.Value, their.Value):
		case strategy == MergeTheirs:
			s.params[key] = their.Clone()
			s.dirty[key] = struct{}{}
		}
	}

	return nil
}

// mergeTrees merges b into a in place and reports whether a changed.
func mergeTrees(a, b map[string]any, strategy MergeStrategy) bool {
	changed := false

	for key, theirs := range b {
		ours, ok := a[key]
		if !ok {
			a[key] = models.CloneValue(theirs)
			changed = true

			continue
		}

		ourTree, ourIsMap := ours.(map[string]any)
		theirTree, theirIsMap := theirs.(map[string]any)

		switch {
		case ourIsMap && theirIsMap:
			if mergeTrees(ourTree, theirTree, strategy) {
				changed = true
			}
		case models.ValuesEqual(ours, theirs):
		case strategy == MergeTheirs:
			a[key] = models.CloneValue(theirs)
			changed = true
		}
	}

	return changed
}
