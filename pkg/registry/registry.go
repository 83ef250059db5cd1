// Package registry keeps the lab drivers known to this process.
package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/protocol"
)

// DriverSymbol is the symbol a driver plugin exports.
const DriverSymbol = "Driver"

type Registry struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	drivers map[string]protocol.DriverFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:  log,
		drivers: make(map[string]protocol.DriverFactory),
	}
}

// RegisterDriver adds a driver, replacing any driver with the same ID.
func (r *Registry) RegisterDriver(factory protocol.DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[factory.ID()] = factory
}

// Driver returns the driver registered under id.
func (r *Registry) Driver(id string) (protocol.DriverFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.drivers[id]
	if !ok {
		return nil, errdefs.Newf("Driver", id, errdefs.ErrNotFound, "driver '%s' not registered", id)
	}

	return factory, nil
}

// Drivers returns the registered driver IDs, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// LoadDriverPlugins opens every .so below pluginsPath/drivers and registers
// the DriverFactory each exports as DriverSymbol.
func (r *Registry) LoadDriverPlugins(pluginsPath string) ([]protocol.DriverFactory, error) {
	factories, err := loadPlugin[protocol.DriverFactory](r.logger, pluginsPath, DriverSymbol)
	if err != nil {
		return nil, err
	}

	for _, factory := range factories {
		r.RegisterDriver(factory)
	}

	return factories, nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := filepath.Join(pluginsPath, "drivers")

	_, err := os.Stat(rootPath)
	if os.IsNotExist(err) {
		return nil, nil
	}

	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	topLevel, err := fs.Glob(root, "*.so")
	if err != nil {
		return nil, err
	}

	pluginPathList = append(topLevel, pluginPathList...)

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))
	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		castV, ok := v.(T)
		if !ok {
			// Exported variables are looked up as pointers.
			ptr, isPtr := v.(*T)
			if !isPtr {
				return nil, fmt.Errorf("plugin %s: symbol %s has type %T", p, symbolName, v)
			}

			castV = *ptr
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded driver plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
