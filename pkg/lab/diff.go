package lab

import (
	"context"
	"fmt"

	"github.com/dukex/entropy/pkg/protocol"
	"github.com/pmezard/go-difflib/difflib"
)

// DiffFromSnapshot returns a unified line diff from other to the resource's current state.
func DiffFromSnapshot(ctx context.Context, resource protocol.Snapshotter, other string) (string, error) {
	current, err := resource.Snapshot(ctx, true)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot resource: %w", err)
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(other),
		B:        difflib.SplitLines(current),
		FromFile: "snapshot",
		ToFile:   "current",
		Context:  3,
	})
}
