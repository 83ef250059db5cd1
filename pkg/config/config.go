// Package config loads layered entropy settings from TOML files and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix of environment variables that override settings.
// Nested keys are separated by a double underscore, e.g. ENTROPY_DASHBOARD__PORT.
const EnvPrefix = "ENTROPY_"

const envNesting = "__"

type Settings struct {
	Dashboard      Dashboard `toml:"dashboard"`
	Toggles        Toggles   `toml:"toggles"`
	ParamStorePath string    `toml:"param_store_path"`
	ParamStoreURL  string    `toml:"param_store_url"`
	Events         Events    `toml:"events"`
	Lab            Lab       `toml:"lab"`
	Tracing        Tracing   `toml:"tracing"`
}

type Dashboard struct {
	Host     string `toml:"host"      validate:"required"`
	Port     int    `toml:"port"      validate:"min=1,max=65535"`
	Debug    bool   `toml:"debug"`
	LogLevel string `toml:"log_level" validate:"oneof=debug info warn error"`
}

type Toggles struct {
	// HDF5Storage routes result and metadata payloads to per-experiment bulk files.
	HDF5Storage      bool `toml:"hdf5_storage"`
	// ExperimentResult records the combined leaf output at stage -1.
	ExperimentResult bool `toml:"experiment_result"`
}

type Events struct {
	Provider           string   `toml:"provider"             validate:"oneof=gochannel kafka none"`
	KafkaBrokers       []string `toml:"kafka_brokers"        validate:"required_if=Provider kafka"`
	KafkaConsumerGroup string   `toml:"kafka_consumer_group"`
	Topic              string   `toml:"topic"                validate:"required"`
}

type Lab struct {
	LockBackend    string `toml:"lock_backend"     validate:"oneof=catalog redis"`
	RedisURL       string `toml:"redis_url"        validate:"required_if=LockBackend redis"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds" validate:"min=0"`
}

type Tracing struct {
	Enabled     bool    `toml:"enabled"`
	ServiceName string  `toml:"service_name"`
	// Endpoint overrides OTEL_EXPORTER_OTLP_TRACES_ENDPOINT when set.
	Endpoint    string  `toml:"endpoint"     validate:"omitempty,url"`
	SampleRatio float64 `toml:"sample_ratio" validate:"min=0,max=1"`
}

// Default returns the settings used when no file or variable overrides them.
func Default() Settings {
	return Settings{
		Dashboard: Dashboard{
			Host:     "127.0.0.1",
			Port:     8050,
			LogLevel: "info",
		},
		Toggles: Toggles{
			HDF5Storage:      true,
			ExperimentResult: true,
		},
		Events: Events{
			Provider:           "gochannel",
			KafkaConsumerGroup: "entropy",
			Topic:              "entropy.events",
		},
		Lab: Lab{
			LockBackend: "catalog",
		},
		Tracing: Tracing{
			ServiceName: "entropy",
			SampleRatio: 1,
		},
	}
}

// Files returns the settings files read for a project, lowest precedence first.
func Files(projectDir string) []string {
	return []string{
		filepath.Join(projectDir, ".entropy", "settings.toml"),
		"settings.toml",
		".secrets.toml",
	}
}

// Load reads the project's settings files and applies environment overrides.
func Load(projectDir string) (Settings, error) {
	return LoadFrom(Files(projectDir), os.Environ())
}

// LoadFrom merges files in order, then environ entries carrying EnvPrefix.
// Missing files are skipped.
func LoadFrom(files []string, environ []string) (Settings, error) {
	merged := map[string]any{}

	for _, file := range files {
		layer, err := readFile(file)
		if err != nil {
			return Settings{}, err
		}

		mergeMaps(merged, layer)
	}

	mergeMaps(merged, envLayer(environ))

	settings := Default()

	raw, err := toml.Marshal(merged)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to encode merged settings: %w", err)
	}

	err = toml.Unmarshal(raw, &settings)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}

	err = validator.New().Struct(settings)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}

	return settings, nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	layer := map[string]any{}

	err = toml.NewDecoder(bytes.NewReader(data)).Decode(&layer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	return layer, nil
}

func envLayer(environ []string) map[string]any {
	layer := map[string]any{}

	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}

		path := strings.Split(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), envNesting)

		node := layer
		for _, segment := range path[:len(path)-1] {
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}

			node = child
		}

		node[path[len(path)-1]] = parseEnvValue(value)
	}

	return layer
}

// parseEnvValue decodes value as a TOML literal, falling back to the raw string.
func parseEnvValue(value string) any {
	var holder struct {
		V any `toml:"v"`
	}

	err := toml.Unmarshal([]byte("v = "+value), &holder)
	if err != nil || holder.V == nil {
		return value
	}

	return holder.V
}

// mergeMaps copies src into dst, descending into tables present in both.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcTable, srcIsTable := value.(map[string]any)
		dstTable, dstIsTable := dst[key].(map[string]any)

		if srcIsTable && dstIsTable {
			mergeMaps(dstTable, srcTable)

			continue
		}

		dst[key] = value
	}
}
