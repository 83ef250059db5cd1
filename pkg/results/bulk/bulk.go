// Package bulk stores experiment results and metadata in one bbolt file per
// experiment, laid out as /<stage>/<label>/<kind> datasets.
package bulk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// Kind names the dataset stored under a stage and label.
type Kind string

const (
	KindResult   Kind = "result"
	KindMetadata Kind = "metadata"
)

const attrsSuffix = ".attrs"

// FileName returns the bulk file name of an experiment.
func FileName(experimentID int64) string {
	return strconv.FormatInt(experimentID, 10) + ".hdf5"
}

// Path returns the canonical dataset path.
func Path(stage int, label string, kind Kind) string {
	return fmt.Sprintf("/%d/%s/%s", stage, label, kind)
}

// Attrs describe a dataset.
type Attrs struct {
	ExperimentID int64           `msgpack:"experiment_id"`
	Stage        int             `msgpack:"stage"`
	Label        string          `msgpack:"label"`
	Time         string          `msgpack:"time"`
	Story        string          `msgpack:"story,omitempty"`
	DataType     models.DataType `msgpack:"data_type"`
}

// At parses the dataset time.
func (a Attrs) At() time.Time {
	at, err := time.Parse(time.RFC3339Nano, a.Time)
	if err != nil {
		return time.Time{}
	}

	return at
}

// Dataset is a decoded dataset read from a file.
type Dataset struct {
	Attrs

	Kind  Kind
	Path  string
	Value any
}

// Filter narrows Datasets. Zero fields match everything.
type Filter struct {
	Label string
	Stage *int
}

// File is an open bulk file.
type File struct {
	db   *bolt.DB
	path string
}

// Open opens the bulk file at path for writing, creating it when create is
// set. Without create the file is opened read-only and a missing file is NotFound.
func Open(path string, create bool) (*File, error) {
	if !create {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, errdefs.NotFound("OpenBulk", path)
		}
	} else {
		err := os.MkdirAll(filepath.Dir(path), 0750)
		if err != nil {
			return nil, fmt.Errorf("failed to create bulk directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: !create})
	if err != nil {
		return nil, fmt.Errorf("failed to open bulk file %s: %w", path, err)
	}

	return &File{db: db, path: path}, nil
}

// Close closes the bulk file.
func (f *File) Close() error {
	return f.db.Close()
}

// Write stores value at /<attrs.Stage>/<attrs.Label>/<kind>. The data type
// attribute is set from the encoding path taken. An existing dataset is AlreadyExists.
func (f *File) Write(kind Kind, attrs Attrs, value any) error {
	data, dataType := Encode(value)
	attrs.DataType = dataType

	return f.WriteEncoded(kind, attrs, data)
}

// WriteEncoded stores data already encoded as attrs.DataType.
func (f *File) WriteEncoded(kind Kind, attrs Attrs, data []byte) error {
	if attrs.Time == "" {
		attrs.Time = time.Now().Format(time.RFC3339Nano)
	}

	encodedAttrs, err := msgpack.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode dataset attributes: %w", err)
	}

	path := Path(attrs.Stage, attrs.Label, kind)

	return f.db.Update(func(tx *bolt.Tx) error {
		stageBucket, err := tx.CreateBucketIfNotExists([]byte(strconv.Itoa(attrs.Stage)))
		if err != nil {
			return fmt.Errorf("failed to create stage group: %w", err)
		}

		labelBucket, err := stageBucket.CreateBucketIfNotExists([]byte(attrs.Label))
		if err != nil {
			return fmt.Errorf("failed to create label group: %w", err)
		}

		if labelBucket.Get([]byte(kind)) != nil {
			return errdefs.New("WriteDataset", path, errdefs.ErrAlreadyExists)
		}

		err = labelBucket.Put([]byte(kind), data)
		if err != nil {
			return fmt.Errorf("failed to write dataset %s: %w", path, err)
		}

		return labelBucket.Put([]byte(string(kind)+attrsSuffix), encodedAttrs)
	})
}

// Exists reports whether the dataset exists.
func (f *File) Exists(stage int, label string, kind Kind) (bool, error) {
	found := false

	err := f.db.View(func(tx *bolt.Tx) error {
		stageBucket := tx.Bucket([]byte(strconv.Itoa(stage)))
		if stageBucket == nil {
			return nil
		}

		labelBucket := stageBucket.Bucket([]byte(label))
		if labelBucket == nil {
			return nil
		}

		found = labelBucket.Get([]byte(kind)) != nil

		return nil
	})

	return found, err
}

// Datasets returns the decoded datasets of kind that match filter, ordered by stage then label.
func (f *File) Datasets(kind Kind, filter Filter) ([]Dataset, error) {
	datasets := make([]Dataset, 0)

	err := f.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(stageName []byte, stageBucket *bolt.Bucket) error {
			stage, err := strconv.Atoi(string(stageName))
			if err != nil {
				return nil
			}

			if filter.Stage != nil && *filter.Stage != stage {
				return nil
			}

			return stageBucket.ForEachBucket(func(labelName []byte) error {
				if filter.Label != "" && filter.Label != string(labelName) {
					return nil
				}

				dataset, ok, err := readDataset(stageBucket.Bucket(labelName), kind)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", Path(stage, string(labelName), kind), err)
				}

				if ok {
					datasets = append(datasets, dataset)
				}

				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(datasets, func(i, j int) bool {
		if datasets[i].Stage != datasets[j].Stage {
			return datasets[i].Stage < datasets[j].Stage
		}

		return datasets[i].Label < datasets[j].Label
	})

	return datasets, nil
}

func readDataset(bucket *bolt.Bucket, kind Kind) (Dataset, bool, error) {
	data := bucket.Get([]byte(kind))
	if data == nil {
		return Dataset{}, false, nil
	}

	var attrs Attrs

	err := msgpack.Unmarshal(bucket.Get([]byte(string(kind)+attrsSuffix)), &attrs)
	if err != nil {
		return Dataset{}, false, fmt.Errorf("failed to decode attributes: %w", err)
	}

	value, err := Decode(data, attrs.DataType)
	if err != nil {
		return Dataset{}, false, err
	}

	return Dataset{
		Attrs: attrs,
		Kind:  kind,
		Path:  Path(attrs.Stage, attrs.Label, kind),
		Value: value,
	}, true, nil
}
