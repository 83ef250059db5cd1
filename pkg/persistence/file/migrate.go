package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/gofrs/flock"
)

// legacyVersion is assumed for documents without an info section.
const legacyVersion = "0.1"

// absoluteExpirationFloor separates absolute epoch instants from durations in
// version 0.2 expirations, both of which were stored as integer nanoseconds.
const absoluteExpirationFloor = int64(1e17)

type migration struct {
	from     string
	to       string
	revision string
	apply    func(doc map[string]any) error
}

var migrations = []migration{
	{from: "0.1", to: "0.2", revision: "0_1_wrap_param_values", apply: wrapParamValues},
	{from: "0.2", to: "0.3", revision: "0_2_split_param_expiration", apply: splitParamExpiration},
}

// BackupPath returns where Upgrade moves the document before a migration rewrites it.
func BackupPath(path, revision string) string {
	return fmt.Sprintf("%s.%s.bak", path, revision)
}

// Upgrade migrates the document at path to CurrentVersion one version at a time.
// Each step moves its input to BackupPath before writing the migrated document.
// A missing file is not an error.
func Upgrade(ctx context.Context, logger *slog.Logger, path string) error {
	path = strings.Replace(path, "file://", "", 1)

	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.DebugContext(ctx, "No param store file to upgrade", "path", path)

		return nil
	}

	lock := flock.New(path + ".lock")

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire param store lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("failed to acquire param store lock %s", lock.Path())
	}

	defer func() {
		unlockErr := lock.Close()
		if unlockErr != nil {
			logger.ErrorContext(ctx, "Failed to release param store lock", "path", lock.Path(), "error", unlockErr)
		}
	}()

	for {
		raw, err := readRaw(path)
		if err != nil {
			return err
		}

		version := rawVersion(raw)
		if version == CurrentVersion {
			logger.InfoContext(ctx, "Param store file is up to date", "path", path, "version", version)

			return nil
		}

		step, ok := findMigration(version)
		if !ok {
			return errdefs.Unsupported("Upgrade", path, fmt.Sprintf("cannot migrate param store from version %q", version))
		}

		logger.InfoContext(ctx, "Migrating param store file", "path", path, "from", step.from, "to", step.to)

		backup := BackupPath(path, step.revision)

		err = os.Rename(path, backup)
		if err != nil {
			return fmt.Errorf("failed to back up param store file: %w", err)
		}

		err = step.apply(raw)
		if err != nil {
			return fmt.Errorf("failed to migrate param store from %s to %s: %w", step.from, step.to, err)
		}

		raw["info"] = map[string]any{"version": step.to, "revision": step.revision}

		err = writeDocument(path, raw)
		if err != nil {
			return err
		}

		logger.InfoContext(ctx, "Param store file migrated", "path", path, "version", step.to, "backup", backup)
	}
}

func findMigration(version string) (migration, bool) {
	for _, step := range migrations {
		if step.from == version {
			return step, true
		}
	}

	return migration{}, false
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read param store file: %w", err)
	}

	raw := make(map[string]any)

	err = decodeJSON(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode param store file %s: %w", path, err)
	}

	return raw, nil
}

func rawVersion(raw map[string]any) string {
	info, ok := raw["info"].(map[string]any)
	if !ok {
		return legacyVersion
	}

	version, ok := info["version"].(string)
	if !ok || version == "" {
		return legacyVersion
	}

	return version
}

// rawCommits returns every commit object in the document, temp included.
func rawCommits(raw map[string]any) []map[string]any {
	commits := make([]map[string]any, 0)

	list, _ := raw["commits"].([]any)
	for _, entry := range list {
		if commit, ok := entry.(map[string]any); ok {
			commits = append(commits, commit)
		}
	}

	if temp, ok := raw["temp"].(map[string]any); ok {
		commits = append(commits, temp)
	}

	return commits
}

func wrapParamValues(raw map[string]any) error {
	for _, commit := range rawCommits(raw) {
		metadata, ok := commit["metadata"].(map[string]any)
		if !ok {
			return errors.New("commit without metadata")
		}

		if ns, found := metadata["ns"]; found {
			metadata["timestamp"] = ns
			delete(metadata, "ns")
		}

		params, _ := commit["params"].(map[string]any)

		wrapped := make(map[string]any, len(params))
		for key, value := range params {
			wrapped[key] = map[string]any{"value": value}
		}

		commit["params"] = wrapped

		if _, found := commit["tags"]; !found {
			commit["tags"] = map[string]any{}
		}
	}

	return nil
}

func splitParamExpiration(raw map[string]any) error {
	for _, commit := range rawCommits(raw) {
		params, _ := commit["params"].(map[string]any)

		for key, entry := range params {
			param, ok := entry.(map[string]any)
			if !ok {
				return fmt.Errorf("param %q is not an object", key)
			}

			expiration, found := param["expiration"]
			if !found {
				continue
			}

			delete(param, "expiration")

			if expiration == nil {
				continue
			}

			ns, err := asNanoseconds(expiration)
			if err != nil {
				return fmt.Errorf("param %q: %w", key, err)
			}

			if ns >= absoluteExpirationFloor {
				param["expires_at"] = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
			} else {
				param["expires_in"] = ns
			}
		}
	}

	return nil
}

func asNanoseconds(value any) (int64, error) {
	switch typed := value.(type) {
	case interface{ Int64() (int64, error) }:
		return typed.Int64()
	case int64:
		return typed, nil
	case float64:
		return int64(typed), nil
	default:
		return 0, fmt.Errorf("unexpected expiration %v", value)
	}
}
