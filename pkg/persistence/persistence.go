// Package persistence defines the storage contract for parameter store commits.
package persistence

import (
	"context"
	"crypto/sha1" //nolint:gosec // ids only need to be unique, not secret
	"encoding/hex"
	"strconv"
	"time"

	"github.com/dukex/entropy/pkg/models"
	"github.com/google/uuid"
)

// Persistence stores the commits and the temp slot of a parameter store.
type Persistence interface {
	// Commit stamps and appends commit, returning its id.
	Commit(ctx context.Context, commit *models.Commit, dirtyKeys []string) (string, error)
	GetCommit(ctx context.Context, id string) (*models.Commit, error)
	// GetCommitByNum looks a commit up by its 1-based insertion ordinal.
	GetCommitByNum(ctx context.Context, num int) (*models.Commit, error)
	// GetLatestCommit returns nil without error when no commit exists.
	GetLatestCommit(ctx context.Context) (*models.Commit, error)
	// SearchCommits filters by exact label and by the presence of a param key.
	// Empty arguments match everything.
	SearchCommits(ctx context.Context, label string, keyPresent string) ([]*models.Commit, error)
	SaveTemp(ctx context.Context, commit *models.Commit) error
	LoadTemp(ctx context.Context) (*models.Commit, error)
	Close(ctx context.Context) error
}

// NewCommitID returns a new unique commit id mixing randomness with the commit time.
func NewCommitID(now time.Time) string {
	sum := sha1.Sum([]byte(uuid.NewString() + strconv.FormatInt(now.UnixNano(), 10))) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

// StampCommit assigns a fresh id and timestamp to commit, stamps the dirty
// params with the id and resolves their relative expirations.
// A nil dirtyKeys stamps every param.
func StampCommit(commit *models.Commit, dirtyKeys []string, now time.Time) {
	commit.ID = NewCommitID(now)
	commit.Timestamp = now.UnixNano()

	if commit.Params == nil {
		commit.Params = map[string]*models.Param{}
	}

	if commit.Tags == nil {
		commit.Tags = map[string][]string{}
	}

	keys := dirtyKeys
	if keys == nil {
		keys = make([]string, 0, len(commit.Params))
		for key := range commit.Params {
			keys = append(keys, key)
		}
	}

	for _, key := range keys {
		param, ok := commit.Params[key]
		if !ok || param == nil {
			continue
		}

		param.CommitID = commit.ID
		param.ResolveExpiration(now)
	}
}

// MatchCommit reports whether commit satisfies a SearchCommits filter.
func MatchCommit(commit *models.Commit, label, keyPresent string) bool {
	if label != "" && commit.Label != label {
		return false
	}

	if keyPresent != "" {
		if _, ok := commit.Params[keyPresent]; !ok {
			return false
		}
	}

	return true
}
