package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ResolvePath returns the relay definition path from, in order, the CLI
// flag, CDC_RELAY_CONFIG and the default location.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Parse decodes a relay definition, applies defaults and validates it.
// Unknown fields are rejected.
func Parse(data []byte) (*RelayDefinition, error) {
	var def RelayDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Loader loads and watches a relay definition file.
type Loader struct {
	mu       sync.RWMutex
	current  *RelayDefinition
	path     string
	logger   *slog.Logger
	onChange func(old, updated *RelayDefinition)
}

// NewLoader creates a new configuration loader for the given file.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   filepath.Clean(path),
		logger: logger,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// OnChange registers a callback that fires when the file changes to a new
// valid definition.
func (l *Loader) OnChange(fn func(old, updated *RelayDefinition)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Load reads, validates and stores the definition.
func (l *Loader) Load() (*RelayDefinition, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	def, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = l.path
			return nil, verr
		}
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}

	l.mu.Lock()
	l.current = def
	l.mu.Unlock()
	return def, nil
}

// Current returns the last successfully loaded definition.
func (l *Loader) Current() *RelayDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch watches the definition file for changes until done is closed.
// The parent directory is watched so that editors replacing the file and
// Kubernetes ConfigMap symlink swaps are both seen. An invalid update is
// logged and the previous definition stays in effect.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	l.logger.Info("watching config file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !l.relevant(event) {
				continue
			}
			l.reload(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

func (l *Loader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == l.path || filepath.Base(name) == "..data"
}

func (l *Loader) reload(event fsnotify.Event) {
	old := l.Current()
	l.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())

	updated, err := l.Load()
	if err != nil {
		l.logger.Error("failed to reload config, keeping previous definition", "error", err)
		return
	}
	if reflect.DeepEqual(old, updated) {
		return
	}

	l.mu.RLock()
	fn := l.onChange
	l.mu.RUnlock()
	if fn != nil {
		fn(old, updated)
	}
}

// RestartRequired lists the top-level sections that differ between old and
// updated and are only read at startup. Filter and log level apply live.
func RestartRequired(old, updated *RelayDefinition) []string {
	if old == nil || updated == nil {
		return nil
	}
	var changed []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	check("name", old.Name, updated.Name)
	check("metricsAddr", old.MetricsAddr, updated.MetricsAddr)
	check("kafka", old.Kafka, updated.Kafka)
	check("input", old.Input, updated.Input)
	check("output", old.Output, updated.Output)
	check("delivery", old.Delivery, updated.Delivery)
	check("errorHandling", old.ErrorHandling, updated.ErrorHandling)
	check("hooks", old.Hooks, updated.Hooks)
	return changed
}
