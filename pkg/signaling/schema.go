package signaling

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaRegistry holds a JSON Schema per method for request validation.
// A directory of <method>.json files can be loaded and watched for changes.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema

	logger             zerolog.Logger
	stabilityThreshold time.Duration

	watcher        *fsnotify.Watcher
	done           chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	stopOnce       sync.Once
}

// NewSchemaRegistry creates an empty registry
func NewSchemaRegistry(logger *zerolog.Logger) *SchemaRegistry {
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	return &SchemaRegistry{
		schemas:            make(map[string]*gojsonschema.Schema),
		logger:             l.With().Str("component", "schemas").Logger(),
		stabilityThreshold: 100 * time.Millisecond,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}
}

// Register compiles schemaJSON and installs it for method, replacing any
// previous schema
func (r *SchemaRegistry) Register(method string, schemaJSON []byte) error {
	if method == "" {
		return fmt.Errorf("method cannot be empty")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", method, err)
	}

	r.mu.Lock()
	r.schemas[method] = schema
	r.mu.Unlock()

	return nil
}

// Remove drops the schema for method
func (r *SchemaRegistry) Remove(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, method)
}

// Has reports whether method has a schema
func (r *SchemaRegistry) Has(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[method]
	return ok
}

// Methods returns the methods with a schema, sorted
func (r *SchemaRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.schemas))
	for method := range r.schemas {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// Validate checks data against the schema for method. Methods without a
// schema accept anything.
func (r *SchemaRegistry) Validate(method string, data json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[method]
	r.mu.RUnlock()

	if !ok {
		return nil
	}

	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate %s: %w", method, err)
	}

	if !result.Valid() {
		errors := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// LoadDir registers every <method>.json file in dir and returns how many
// were loaded
func (r *SchemaRegistry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isSchemaFile(entry.Name()) {
			continue
		}
		if err := r.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return loaded, err
		}
		loaded++
	}

	r.logger.Info().Str("dir", dir).Int("count", loaded).Msg("Schemas loaded")
	return loaded, nil
}

// Watch reloads schemas in dir when files are created, changed or removed
func (r *SchemaRegistry) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch schema directory: %w", err)
	}

	r.watcher = watcher
	go r.eventLoop()

	r.logger.Info().Str("dir", dir).Msg("Schema watcher started")
	return nil
}

// Close stops the watcher, if any
func (r *SchemaRegistry) Close() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.debounceMu.Lock()
	for _, timer := range r.debounceTimers {
		timer.Stop()
	}
	clear(r.debounceTimers)
	r.debounceMu.Unlock()

	if r.watcher == nil {
		return nil
	}
	if err := r.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (r *SchemaRegistry) eventLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if isSchemaFile(event.Name) {
				r.debounceEvent(event)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Schema watcher error")

		case <-r.done:
			return
		}
	}
}

// debounceEvent collapses bursts of writes to the same file
func (r *SchemaRegistry) debounceEvent(event fsnotify.Event) {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	if timer, exists := r.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	r.debounceTimers[event.Name] = time.AfterFunc(r.stabilityThreshold, func() {
		r.debounceMu.Lock()
		delete(r.debounceTimers, event.Name)
		r.debounceMu.Unlock()

		select {
		case <-r.done:
			return
		default:
			r.processEvent(event)
		}
	})
}

func (r *SchemaRegistry) processEvent(event fsnotify.Event) {
	method := methodFromFile(event.Name)

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if err := r.loadFile(event.Name); err != nil {
			r.logger.Error().Err(err).Str("path", event.Name).Msg("Failed to reload schema")
			return
		}
		r.logger.Info().Str("method", method).Msg("Schema reloaded")

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		r.Remove(method)
		r.logger.Info().Str("method", method).Msg("Schema removed")
	}
}

func (r *SchemaRegistry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return r.Register(methodFromFile(path), data)
}

func isSchemaFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

func methodFromFile(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
