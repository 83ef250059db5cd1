// Package file provides a JSON document persistence for parameter store commits,
// guarded by an advisory file lock.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/persistence"
	"github.com/gofrs/flock"
)

// CurrentVersion is the document version written by this package.
const CurrentVersion = "0.3"

const lockRetryDelay = 20 * time.Millisecond

// Persistence implements persistence.Persistence on a single JSON file.
// An empty path keeps the document in memory.
type Persistence struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	lock   *flock.Flock
	memory *document
	now    func() time.Time
}

// NewPersistence opens the document at path, creating it when missing.
// It fails with a version error when the file was written by another version.
func NewPersistence(ctx context.Context, logger *slog.Logger, path string) (*Persistence, error) {
	cleanPath := strings.Replace(path, "file://", "", 1)

	p := &Persistence{
		path:   cleanPath,
		logger: logger,
		now:    time.Now,
	}

	if cleanPath == "" {
		p.memory = newDocument()

		return p, nil
	}

	err := os.MkdirAll(filepath.Dir(cleanPath), 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create param store directory: %w", err)
	}

	p.lock = flock.New(cleanPath + ".lock")

	err = p.withLock(ctx, func() error {
		_, statErr := os.Stat(cleanPath)
		if errors.Is(statErr, fs.ErrNotExist) {
			logger.DebugContext(ctx, "Creating new param store file", "path", cleanPath)

			return writeDocument(cleanPath, newDocument())
		}

		version, err := readVersion(cleanPath)
		if err != nil {
			return err
		}

		if version != CurrentVersion {
			return &persistence.VersionError{Path: cleanPath, Found: version, Expected: CurrentVersion}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Close releases the file lock handle.
func (p *Persistence) Close(_ context.Context) error {
	if p.lock == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.lock.Close()
	if err != nil {
		return fmt.Errorf("failed to close param store lock: %w", err)
	}

	return nil
}

func (p *Persistence) Commit(ctx context.Context, commit *models.Commit, dirtyKeys []string) (string, error) {
	stamped := commit.Clone()
	persistence.StampCommit(stamped, dirtyKeys, p.now().UTC())

	err := p.update(ctx, func(doc *document) error {
		doc.Commits = append(doc.Commits, fromCommit(stamped))

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to append commit: %w", err)
	}

	*commit = *stamped

	return stamped.ID, nil
}

func (p *Persistence) GetCommit(ctx context.Context, id string) (*models.Commit, error) {
	var found *models.Commit

	err := p.view(ctx, func(doc *document) error {
		for _, entry := range doc.Commits {
			if entry.Metadata.ID == id {
				found = entry.toCommit()

				return nil
			}
		}

		return persistence.NewCommitNotFound("GetCommit", id)
	})

	return found, err
}

func (p *Persistence) GetCommitByNum(ctx context.Context, num int) (*models.Commit, error) {
	var found *models.Commit

	err := p.view(ctx, func(doc *document) error {
		if num < 1 || num > len(doc.Commits) {
			return persistence.NewCommitNumNotFound("GetCommitByNum", num)
		}

		found = doc.Commits[num-1].toCommit()

		return nil
	})

	return found, err
}

func (p *Persistence) GetLatestCommit(ctx context.Context) (*models.Commit, error) {
	var latest *models.Commit

	err := p.view(ctx, func(doc *document) error {
		if len(doc.Commits) > 0 {
			latest = doc.Commits[len(doc.Commits)-1].toCommit()
		}

		return nil
	})

	return latest, err
}

func (p *Persistence) SearchCommits(ctx context.Context, label string, keyPresent string) ([]*models.Commit, error) {
	commits := make([]*models.Commit, 0)

	err := p.view(ctx, func(doc *document) error {
		for _, entry := range doc.Commits {
			commit := entry.toCommit()
			if persistence.MatchCommit(commit, label, keyPresent) {
				commits = append(commits, commit)
			}
		}

		return nil
	})

	return commits, err
}

func (p *Persistence) SaveTemp(ctx context.Context, commit *models.Commit) error {
	temp := commit.Clone()
	if temp.Timestamp == 0 {
		temp.Timestamp = p.now().UTC().UnixNano()
	}

	return p.update(ctx, func(doc *document) error {
		doc.Temp = fromCommit(temp)

		return nil
	})
}

func (p *Persistence) LoadTemp(ctx context.Context) (*models.Commit, error) {
	var temp *models.Commit

	err := p.view(ctx, func(doc *document) error {
		if doc.Temp == nil {
			return persistence.ErrTempEmpty
		}

		temp = doc.Temp.toCommit()

		return nil
	})

	return temp, err
}

// view runs fn on a freshly read document under the lock.
func (p *Persistence) view(ctx context.Context, fn func(doc *document) error) error {
	return p.withLock(ctx, func() error {
		doc, err := p.load()
		if err != nil {
			return err
		}

		return fn(doc)
	})
}

// update re-reads the document under the lock, applies fn and writes it back.
// Nothing is written when fn fails.
func (p *Persistence) update(ctx context.Context, fn func(doc *document) error) error {
	return p.withLock(ctx, func() error {
		doc, err := p.load()
		if err != nil {
			return err
		}

		err = fn(doc)
		if err != nil {
			return err
		}

		if p.memory != nil {
			p.memory = doc

			return nil
		}

		return writeDocument(p.path, doc)
	})
}

func (p *Persistence) load() (*document, error) {
	if p.memory != nil {
		return p.memory.clone(), nil
	}

	return readDocument(p.path)
}

func (p *Persistence) withLock(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lock == nil {
		return fn()
	}

	locked, err := p.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire param store lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("failed to acquire param store lock %s", p.lock.Path())
	}

	defer func() {
		unlockErr := p.lock.Unlock()
		if unlockErr != nil {
			p.logger.Error("Failed to release param store lock", "path", p.lock.Path(), "error", unlockErr)
		}
	}()

	return fn()
}
