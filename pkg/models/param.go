package models

import (
	"time"
)

// Param is a parameter value together with its provenance metadata.
type Param struct {
	Value       any    `json:"value"`
	CommitID    string `json:"commit_id,omitempty"`
	Description string `json:"description,omitempty"`
	NodeID      string `json:"node_id,omitempty"`

	// ExpiresAt is the absolute expiration instant.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// ExpiresIn is a relative expiration, resolved to ExpiresAt on commit.
	ExpiresIn time.Duration `json:"expires_in,omitempty"`
}

// NewParam wraps value into a Param with no metadata.
func NewParam(value any) *Param {
	return &Param{Value: value}
}

// HasExpired reports whether the param carries an absolute expiration before now.
func (p *Param) HasExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Clone returns a deep copy of the param.
func (p *Param) Clone() *Param {
	if p == nil {
		return nil
	}

	clone := *p
	clone.Value = CloneValue(p.Value)

	if p.ExpiresAt != nil {
		at := *p.ExpiresAt
		clone.ExpiresAt = &at
	}

	return &clone
}

// ResolveExpiration converts a relative expiration into an absolute instant.
func (p *Param) ResolveExpiration(commitTime time.Time) {
	if p.ExpiresIn <= 0 {
		return
	}

	at := commitTime.Add(p.ExpiresIn)
	p.ExpiresAt = &at
	p.ExpiresIn = 0
}

// CommitMetadata describes a commit without its payload.
type CommitMetadata struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Label     string `json:"label,omitempty"`
}

// Time returns the commit timestamp as a UTC time.
func (m CommitMetadata) Time() time.Time {
	return time.Unix(0, m.Timestamp).UTC()
}

// Commit is an immutable snapshot of params and tags.
type Commit struct {
	ID        string              `json:"id"`
	Timestamp int64               `json:"timestamp"` // nanoseconds since epoch, UTC
	Label     string              `json:"label,omitempty"`
	Params    map[string]*Param   `json:"params"`
	Tags      map[string][]string `json:"tags"`
}

func (c *Commit) Metadata() CommitMetadata {
	return CommitMetadata{ID: c.ID, Timestamp: c.Timestamp, Label: c.Label}
}

// Clone returns a deep copy of the commit.
func (c *Commit) Clone() *Commit {
	if c == nil {
		return nil
	}

	clone := &Commit{
		ID:        c.ID,
		Timestamp: c.Timestamp,
		Label:     c.Label,
		Params:    CloneParams(c.Params),
		Tags:      CloneTags(c.Tags),
	}

	return clone
}

func CloneParams(params map[string]*Param) map[string]*Param {
	clone := make(map[string]*Param, len(params))
	for key, param := range params {
		clone[key] = param.Clone()
	}

	return clone
}

func CloneTags(tags map[string][]string) map[string][]string {
	clone := make(map[string][]string, len(tags))
	for tag, keys := range tags {
		clone[tag] = append([]string(nil), keys...)
	}

	return clone
}
