package file

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dukex/entropy/pkg/models"
)

type info struct {
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
}

type commitDoc struct {
	Metadata models.CommitMetadata   `json:"metadata"`
	Params   map[string]*models.Param `json:"params"`
	Tags     map[string][]string     `json:"tags"`
}

type document struct {
	Info    info         `json:"info"`
	Commits []*commitDoc `json:"commits"`
	Temp    *commitDoc   `json:"temp,omitempty"`
}

func newDocument() *document {
	return &document{
		Info:    info{Version: CurrentVersion},
		Commits: make([]*commitDoc, 0),
	}
}

func (d *document) clone() *document {
	clone := &document{Info: d.Info, Commits: make([]*commitDoc, 0, len(d.Commits))}
	for _, entry := range d.Commits {
		clone.Commits = append(clone.Commits, fromCommit(entry.toCommit()))
	}

	if d.Temp != nil {
		clone.Temp = fromCommit(d.Temp.toCommit())
	}

	return clone
}

func fromCommit(commit *models.Commit) *commitDoc {
	return &commitDoc{
		Metadata: commit.Metadata(),
		Params:   models.CloneParams(commit.Params),
		Tags:     models.CloneTags(commit.Tags),
	}
}

func (c *commitDoc) toCommit() *models.Commit {
	return &models.Commit{
		ID:        c.Metadata.ID,
		Timestamp: c.Metadata.Timestamp,
		Label:     c.Metadata.Label,
		Params:    models.CloneParams(c.Params),
		Tags:      models.CloneTags(c.Tags),
	}
}

func decodeJSON(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	return decoder.Decode(target)
}

func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read param store file: %w", err)
	}

	var doc document

	err = decodeJSON(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode param store file %s: %w", path, err)
	}

	if doc.Commits == nil {
		doc.Commits = make([]*commitDoc, 0)
	}

	for _, entry := range doc.Commits {
		normalizeCommitDoc(entry)
	}

	if doc.Temp != nil {
		normalizeCommitDoc(doc.Temp)
	}

	return &doc, nil
}

func normalizeCommitDoc(entry *commitDoc) {
	if entry.Params == nil {
		entry.Params = make(map[string]*models.Param)
	}

	if entry.Tags == nil {
		entry.Tags = make(map[string][]string)
	}

	for _, param := range entry.Params {
		if param != nil {
			param.Value = models.NormalizeJSON(param.Value)
		}
	}
}

// readVersion reads info.version without decoding the commits, so documents
// from older layouts can be inspected.
func readVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read param store file: %w", err)
	}

	var header struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
	}

	err = json.Unmarshal(data, &header)
	if err != nil {
		return "", fmt.Errorf("failed to decode param store file %s: %w", path, err)
	}

	return header.Info.Version, nil
}

func writeDocument(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal param store file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary param store file: %w", err)
	}

	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(0600)
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("failed to write param store file: %w", err)
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("failed to replace param store file: %w", err)
	}

	return nil
}
