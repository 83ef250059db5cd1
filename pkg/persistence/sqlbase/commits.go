package sqlbase

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/persistence"
)

// CommitMigrations returns the commit store schema for the dialect.
func CommitMigrations(dialect Dialect) map[int]string {
	if dialect.numbered {
		return map[int]string{
			1: `
				CREATE TABLE commits (
					seq BIGSERIAL PRIMARY KEY,
					id VARCHAR(64) NOT NULL UNIQUE,
					timestamp BIGINT NOT NULL,
					label TEXT,
					params JSONB NOT NULL,
					tags JSONB NOT NULL
				);

				CREATE INDEX idx_commits_label ON commits(label);

				CREATE TABLE temp_commit (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					timestamp BIGINT NOT NULL,
					label TEXT,
					params JSONB NOT NULL,
					tags JSONB NOT NULL
				);
			`,
		}
	}

	return map[int]string{
		1: `
			CREATE TABLE commits (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				timestamp INTEGER NOT NULL,
				label TEXT,
				params TEXT NOT NULL,
				tags TEXT NOT NULL
			);

			CREATE INDEX idx_commits_label ON commits(label);

			CREATE TABLE temp_commit (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				timestamp INTEGER NOT NULL,
				label TEXT,
				params TEXT NOT NULL,
				tags TEXT NOT NULL
			);
		`,
	}
}

// CommitRepository stores param store commits in a relational database.
type CommitRepository struct {
	db      *sql.DB
	logger  *slog.Logger
	dialect Dialect
	now     func() time.Time
}

// NewCommitRepository creates a new commit repository.
func NewCommitRepository(db *sql.DB, logger *slog.Logger, dialect Dialect) *CommitRepository {
	return &CommitRepository{db: db, logger: logger, dialect: dialect, now: time.Now}
}

const commitColumns = `
	id
  , timestamp
  , label
  , params
  , tags
`

func (r *CommitRepository) Commit(ctx context.Context, commit *models.Commit, dirtyKeys []string) (string, error) {
	stamped := commit.Clone()
	persistence.StampCommit(stamped, dirtyKeys, r.now().UTC())

	params, tags, err := encodeCommit(stamped)
	if err != nil {
		return "", err
	}

	query := r.dialect.Rebind(`INSERT INTO commits (id, timestamp, label, params, tags) VALUES (?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query, stamped.ID, stamped.Timestamp, stamped.Label, params, tags)
	if err != nil {
		return "", fmt.Errorf("failed to insert commit: %w", err)
	}

	*commit = *stamped

	return stamped.ID, nil
}

func (r *CommitRepository) GetCommit(ctx context.Context, id string) (*models.Commit, error) {
	query := r.dialect.Rebind(`SELECT ` + commitColumns + ` FROM commits WHERE id = ?`)

	commit, err := scanCommit(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewCommitNotFound("GetCommit", id)
	}

	return commit, err
}

func (r *CommitRepository) GetCommitByNum(ctx context.Context, num int) (*models.Commit, error) {
	if num < 1 {
		return nil, persistence.NewCommitNumNotFound("GetCommitByNum", num)
	}

	query := r.dialect.Rebind(`SELECT ` + commitColumns + ` FROM commits ORDER BY seq LIMIT 1 OFFSET ?`)

	commit, err := scanCommit(r.db.QueryRowContext(ctx, query, num-1))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewCommitNumNotFound("GetCommitByNum", num)
	}

	return commit, err
}

func (r *CommitRepository) GetLatestCommit(ctx context.Context) (*models.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits ORDER BY seq DESC LIMIT 1`

	commit, err := scanCommit(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return commit, err
}

func (r *CommitRepository) SearchCommits(ctx context.Context, label string, keyPresent string) ([]*models.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits`
	args := make([]any, 0, 1)

	if label != "" {
		query += ` WHERE label = ?`

		args = append(args, label)
	}

	query += ` ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	commits := make([]*models.Commit, 0)

	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}

		if persistence.MatchCommit(commit, label, keyPresent) {
			commits = append(commits, commit)
		}
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating commits: %w", err)
	}

	return commits, nil
}

func (r *CommitRepository) SaveTemp(ctx context.Context, commit *models.Commit) error {
	temp := commit.Clone()
	if temp.Timestamp == 0 {
		temp.Timestamp = r.now().UTC().UnixNano()
	}

	params, tags, err := encodeCommit(temp)
	if err != nil {
		return err
	}

	query := r.dialect.Rebind(`
		INSERT INTO temp_commit (id, timestamp, label, params, tags) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			timestamp = excluded.timestamp
		  , label = excluded.label
		  , params = excluded.params
		  , tags = excluded.tags
	`)

	_, err = r.db.ExecContext(ctx, query, temp.Timestamp, temp.Label, params, tags)
	if err != nil {
		return fmt.Errorf("failed to save temp commit: %w", err)
	}

	return nil
}

func (r *CommitRepository) LoadTemp(ctx context.Context) (*models.Commit, error) {
	query := `SELECT '' AS id, timestamp, label, params, tags FROM temp_commit WHERE id = 1`

	commit, err := scanCommit(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrTempEmpty
	}

	return commit, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommit(row scanner) (*models.Commit, error) {
	var (
		commit       models.Commit
		label        sql.NullString
		params, tags []byte
	)

	err := row.Scan(&commit.ID, &commit.Timestamp, &label, &params, &tags)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan commit: %w", err)
	}

	commit.Label = label.String

	err = decodeCommit(&commit, params, tags)
	if err != nil {
		return nil, err
	}

	return &commit, nil
}

func encodeCommit(commit *models.Commit) (string, string, error) {
	params, err := json.Marshal(commit.Params)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal params: %w", err)
	}

	tags, err := json.Marshal(commit.Tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}

	return string(params), string(tags), nil
}

func decodeCommit(commit *models.Commit, params, tags []byte) error {
	commit.Params = make(map[string]*models.Param)
	commit.Tags = make(map[string][]string)

	decoder := json.NewDecoder(bytes.NewReader(params))
	decoder.UseNumber()

	err := decoder.Decode(&commit.Params)
	if err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}

	for _, param := range commit.Params {
		if param != nil {
			param.Value = models.NormalizeJSON(param.Value)
		}
	}

	err = json.Unmarshal(tags, &commit.Tags)
	if err != nil {
		return fmt.Errorf("failed to unmarshal tags: %w", err)
	}

	return nil
}
