// Package paramstore provides a versioned, in-memory parameter store backed by
// a persistence.Persistence.
package paramstore

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/persistence"
)

// PrivatePrefix marks keys that are not parameters.
const PrivatePrefix = "__"

// CommitHook is called after a commit has been persisted.
type CommitHook func(ctx context.Context, metadata models.CommitMetadata)

// ParamStore holds the live params and tags and commits them to a persistence.
// Every public method is serialised by a single mutex.
type ParamStore struct {
	mu sync.Mutex

	params   map[string]*models.Param
	tags     map[string][]string
	dirty    map[string]struct{}
	commitID string

	persistence persistence.Persistence
	logger      *slog.Logger
	onCommit    []CommitHook
}

// Option configures a ParamStore.
type Option func(*ParamStore)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *ParamStore) {
		s.logger = logger
	}
}

// WithCommitHook registers a hook called after every successful commit.
func WithCommitHook(hook CommitHook) Option {
	return func(s *ParamStore) {
		s.onCommit = append(s.onCommit, hook)
	}
}

// New creates a store over p and checks out its latest commit, if any.
func New(ctx context.Context, p persistence.Persistence, opts ...Option) (*ParamStore, error) {
	store := &ParamStore{
		params:      make(map[string]*models.Param),
		tags:        make(map[string][]string),
		dirty:       make(map[string]struct{}),
		persistence: p,
		logger:      slog.Default().With("module", "paramstore"),
	}

	for _, opt := range opts {
		opt(store)
	}

	err := store.Checkout(ctx, CheckoutOptions{})
	if err != nil {
		return nil, err
	}

	return store, nil
}

// Close closes the underlying persistence.
func (s *ParamStore) Close(ctx context.Context) error {
	return s.persistence.Close(ctx)
}

func validateKey(op, key string) error {
	if strings.HasPrefix(key, PrivatePrefix) {
		return errdefs.InvalidArgument(op, key, "keys starting with "+PrivatePrefix+" are not params")
	}

	if key == "" {
		return errdefs.InvalidArgument(op, key, "key must not be empty")
	}

	return nil
}

// Set stores value under key. An existing key keeps its metadata.
func (s *ParamStore) Set(key string, value any) error {
	err := validateKey("Set", key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setValue(key, value)

	return nil
}

func (s *ParamStore) setValue(key string, value any) {
	if param, ok := s.params[key]; ok {
		updated := param.Clone()
		updated.Value = value
		s.params[key] = updated
	} else {
		s.params[key] = models.NewParam(value)
	}

	s.dirty[key] = struct{}{}
}

// Delete removes key from the params and from every tag.
func (s *ParamStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.params[key]; !ok {
		return errdefs.NotFound("Delete", key)
	}

	s.deleteKey(key)

	return nil
}

func (s *ParamStore) deleteKey(key string) {
	delete(s.params, key)

	for tag, keys := range s.tags {
		s.tags[tag] = slices.DeleteFunc(keys, func(k string) bool { return k == key })
	}

	s.dirty[key] = struct{}{}
}

// Get returns the live value of key.
func (s *ParamStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	param, ok := s.params[key]
	if !ok {
		return nil, false
	}

	return param.Value, true
}

func (s *ParamStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.params[key]

	return ok
}

func (s *ParamStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.params)
}

// Keys returns the live keys in sorted order.
func (s *ParamStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sortedKeys(s.params)
}

// ToMap returns a deep copy of the live values.
func (s *ParamStore) ToMap() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]any, len(s.params))
	for key, param := range s.params {
		values[key] = models.CloneValue(param.Value)
	}

	return values
}

// GetValue returns the value of key, from commitID when given or from the live state otherwise.
func (s *ParamStore) GetValue(ctx context.Context, key, commitID string) (any, error) {
	param, err := s.GetParam(ctx, key, commitID)
	if err != nil {
		return nil, err
	}

	return param.Value, nil
}

// GetParam returns a deep copy of the param stored under key.
func (s *ParamStore) GetParam(ctx context.Context, key, commitID string) (*models.Param, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := s.params

	if commitID != "" {
		commit, err := s.persistence.GetCommit(ctx, commitID)
		if err != nil {
			return nil, err
		}

		params = commit.Params
	}

	param, ok := params[key]
	if !ok {
		return nil, errdefs.NotFound("GetParam", key)
	}

	return param.Clone(), nil
}

// ParamOption sets param metadata in SetParam.
type ParamOption func(*models.Param)

// WithExpiration sets an absolute expiration.
func WithExpiration(at time.Time) ParamOption {
	return func(p *models.Param) {
		at = at.UTC()
		p.ExpiresAt = &at
		p.ExpiresIn = 0
	}
}

// WithExpiresIn sets an expiration relative to the next commit.
func WithExpiresIn(d time.Duration) ParamOption {
	return func(p *models.Param) {
		p.ExpiresIn = d
		p.ExpiresAt = nil
	}
}

func WithDescription(description string) ParamOption {
	return func(p *models.Param) {
		p.Description = description
	}
}

func WithNodeID(nodeID string) ParamOption {
	return func(p *models.Param) {
		p.NodeID = nodeID
	}
}

// SetParam stores value under key and applies metadata options.
// An existing key keeps the metadata the options do not override.
func (s *ParamStore) SetParam(key string, value any, opts ...ParamOption) error {
	err := validateKey("SetParam", key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var param *models.Param
	if existing, ok := s.params[key]; ok {
		param = existing.Clone()
	} else {
		param = &models.Param{}
	}

	param.Value = value

	for _, opt := range opts {
		opt(param)
	}

	s.params[key] = param
	s.dirty[key] = struct{}{}

	return nil
}

// SetParamKwargs is SetParam with metadata given by name, as received over HTTP.
// Recognised names are expiration (RFC3339 time), expires_in (Go duration or
// seconds), description and node_id.
func (s *ParamStore) SetParamKwargs(key string, value any, kwargs map[string]any) error {
	if _, ok := kwargs["commit_id"]; ok {
		return errdefs.InvalidArgument("SetParam", key, "setting commit_id is not allowed")
	}

	if _, ok := kwargs["value"]; ok {
		return errdefs.InvalidArgument("SetParam", key, "value can only be set positionally")
	}

	opts := make([]ParamOption, 0, len(kwargs))

	for name, raw := range kwargs {
		opt, err := kwargOption(key, name, raw)
		if err != nil {
			return err
		}

		opts = append(opts, opt)
	}

	return s.SetParam(key, value, opts...)
}

func kwargOption(key, name string, raw any) (ParamOption, error) {
	switch name {
	case "description":
		description, ok := raw.(string)
		if !ok {
			return nil, errdefs.InvalidArgument("SetParam", key, "description must be a string")
		}

		return WithDescription(description), nil
	case "node_id":
		nodeID, ok := raw.(string)
		if !ok {
			return nil, errdefs.InvalidArgument("SetParam", key, "node_id must be a string")
		}

		return WithNodeID(nodeID), nil
	case "expiration", "expires_at":
		text, ok := raw.(string)
		if !ok {
			return nil, errdefs.InvalidArgument("SetParam", key, name+" must be an RFC3339 time")
		}

		at, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, errdefs.InvalidArgument("SetParam", key, err.Error())
		}

		return WithExpiration(at), nil
	case "expires_in":
		d, err := parseDuration(raw)
		if err != nil {
			return nil, errdefs.InvalidArgument("SetParam", key, err.Error())
		}

		return WithExpiresIn(d), nil
	default:
		return nil, errdefs.InvalidArgument("SetParam", key, "unknown param attribute "+name)
	}
}

func parseDuration(raw any) (time.Duration, error) {
	switch value := raw.(type) {
	case string:
		return time.ParseDuration(value)
	case float64:
		return time.Duration(value * float64(time.Second)), nil
	case int:
		return time.Duration(value) * time.Second, nil
	case int64:
		return time.Duration(value) * time.Second, nil
	case time.Duration:
		return value, nil
	default:
		return 0, errdefs.ErrInvalidArgument
	}
}

// RenameKey moves the param and its tags from oldKey to newKey.
func (s *ParamStore) RenameKey(oldKey, newKey string) error {
	err := validateKey("RenameKey", newKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.params[newKey]; ok {
		return errdefs.Newf("RenameKey", oldKey, errdefs.ErrAlreadyExists, "cannot rename to existing key %q", newKey)
	}

	param, ok := s.params[oldKey]
	if !ok {
		return errdefs.NotFound("RenameKey", oldKey)
	}

	for tag, keys := range s.tags {
		if slices.Contains(keys, oldKey) {
			s.tags[tag] = append(slices.DeleteFunc(keys, func(k string) bool { return k == oldKey }), newKey)
		}
	}

	s.params[newKey] = param
	delete(s.params, oldKey)
	s.dirty[oldKey] = struct{}{}
	s.dirty[newKey] = struct{}{}

	return nil
}

// Commit persists the live state and returns the new commit id.
// The live state is only updated once the persistence succeeds.
func (s *ParamStore) Commit(ctx context.Context, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit := &models.Commit{
		Label:  label,
		Params: models.CloneParams(s.params),
		Tags:   models.CloneTags(s.tags),
	}

	id, err := s.persistence.Commit(ctx, commit, s.dirtyKeys())
	if err != nil {
		return "", err
	}

	s.params = commit.Params
	s.tags = commit.Tags
	s.dirty = make(map[string]struct{})
	s.commitID = id

	s.logger.DebugContext(ctx, "Committed params", "commit_id", id, "label", label)

	for _, hook := range s.onCommit {
		hook(ctx, commit.Metadata())
	}

	return id, nil
}

// CheckoutOptions selects the commit to check out. The zero value selects the latest commit.
type CheckoutOptions struct {
	CommitID string
	// CommitNum is the 1-based insertion ordinal.
	CommitNum int
	// MoveBy navigates relative to the checked-out commit.
	MoveBy int
}

// Checkout replaces the live state with a commit. Checking out an empty store is a no-op.
func (s *ParamStore) Checkout(ctx context.Context, opts CheckoutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, err := s.resolveCheckout(ctx, opts)
	if err != nil {
		return err
	}

	if commit == nil {
		return nil
	}

	s.params = models.CloneParams(commit.Params)
	s.tags = models.CloneTags(commit.Tags)
	s.dirty = make(map[string]struct{})
	s.commitID = commit.ID

	return nil
}

func (s *ParamStore) resolveCheckout(ctx context.Context, opts CheckoutOptions) (*models.Commit, error) {
	switch {
	case opts.CommitID != "":
		return s.persistence.GetCommit(ctx, opts.CommitID)
	case opts.CommitNum != 0:
		return s.persistence.GetCommitByNum(ctx, opts.CommitNum)
	case opts.MoveBy != 0:
		commits, err := s.persistence.SearchCommits(ctx, "", "")
		if err != nil {
			return nil, err
		}

		current := len(commits) - 1

		for i, commit := range commits {
			if commit.ID == s.commitID {
				current = i

				break
			}
		}

		target := current + opts.MoveBy
		if target < 0 || target >= len(commits) {
			return nil, errdefs.Newf("Checkout", s.commitID, errdefs.ErrNotFound, "no commit %+d away", opts.MoveBy)
		}

		return commits[target], nil
	default:
		return s.persistence.GetLatestCommit(ctx)
	}
}

// CommitID returns the id of the checked-out commit, empty when nothing was checked out.
func (s *ParamStore) CommitID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitID
}

// ListCommits returns commit metadata in insertion order. An empty label matches all commits.
func (s *ParamStore) ListCommits(ctx context.Context, label string) ([]models.CommitMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commits, err := s.persistence.SearchCommits(ctx, label, "")
	if err != nil {
		return nil, err
	}

	metadata := make([]models.CommitMetadata, 0, len(commits))
	for _, commit := range commits {
		metadata = append(metadata, commit.Metadata())
	}

	return metadata, nil
}

// ValueRow is one historical value of a key.
// The trailing uncommitted row has nil Time, CommitID and Label.
type ValueRow struct {
	Value    any        `json:"value"`
	Time     *time.Time `json:"time"`
	CommitID *string    `json:"commit_id"`
	Label    *string    `json:"label"`
}

// ListValues returns the committed values of key ascending by commit time,
// followed by the live value when the store is dirty.
func (s *ParamStore) ListValues(ctx context.Context, key string) ([]ValueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commits, err := s.persistence.SearchCommits(ctx, "", key)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Timestamp < commits[j].Timestamp
	})

	rows := make([]ValueRow, 0, len(commits)+1)

	for _, commit := range commits {
		at := commit.Metadata().Time()
		id := commit.ID
		label := commit.Label

		rows = append(rows, ValueRow{
			Value:    commit.Params[key].Value,
			Time:     &at,
			CommitID: &id,
			Label:    &label,
		})
	}

	if param, ok := s.params[key]; ok && len(s.dirty) > 0 {
		rows = append(rows, ValueRow{Value: param.Value})
	}

	return rows, nil
}

// SaveTemp stores the live state in the temp slot.
func (s *ParamStore) SaveTemp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.persistence.SaveTemp(ctx, &models.Commit{
		Params: models.CloneParams(s.params),
		Tags:   models.CloneTags(s.tags),
	})
	if err != nil {
		return err
	}

	s.dirty = make(map[string]struct{})

	return nil
}

// LoadTemp replaces the live state with the temp slot.
func (s *ParamStore) LoadTemp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, err := s.persistence.LoadTemp(ctx)
	if err != nil {
		return err
	}

	s.params = models.CloneParams(commit.Params)
	s.tags = models.CloneTags(commit.Tags)
	s.dirty = make(map[string]struct{})

	return nil
}

// AddTag tags an existing key.
func (s *ParamStore) AddTag(tag, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.params[key]; !ok {
		return errdefs.Newf("AddTag", key, errdefs.ErrNotFound, "key %q is not in store", key)
	}

	if !slices.Contains(s.tags[tag], key) {
		s.tags[tag] = append(s.tags[tag], key)
	}

	return nil
}

// RemoveTag untags key. Absent tags or keys are ignored.
func (s *ParamStore) RemoveTag(tag, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.tags[tag]
	if !ok {
		return
	}

	s.tags[tag] = slices.DeleteFunc(keys, func(k string) bool { return k == key })
}

func (s *ParamStore) ListKeysForTag(tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.tags[tag]...)
}

func (s *ParamStore) ListTagsForKey(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make([]string, 0)

	for tag, keys := range s.tags {
		if slices.Contains(keys, key) {
			tags = append(tags, tag)
		}
	}

	sort.Strings(tags)

	return tags
}

// IsDirty reports whether params changed since the last checkout, commit or temp operation.
func (s *ParamStore) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.dirty) > 0
}

func (s *ParamStore) DirtyKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dirtyKeys()
}

func (s *ParamStore) dirtyKeys() []string {
	keys := make([]string, 0, len(s.dirty))
	for key := range s.dirty {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
