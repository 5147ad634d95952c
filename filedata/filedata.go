// Package filedata loads boolean flag defaults from local JSON or YAML
// files. These defaults are the middle rung of the fallback ladder: a
// callsite fallback wins over them, and they win over the global false.
package filedata

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"gopkg.in/ghodss/yaml.v1"
)

// Load reads every file and merges the results; later files win on key
// conflicts. Each file is a flat map of flag key to boolean, in either JSON
// or YAML (a JSON document is valid YAML, so one parser handles both).
func Load(paths []string) (map[string]bool, error) {
	merged := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			// COVERAGE: there's no reliable cross-platform way to simulate an invalid path in unit tests
			return nil, err
		}
		raw, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("unable to read flag defaults file %s: %w", abs, err)
		}
		var defaults map[string]bool
		if err := yaml.Unmarshal(raw, &defaults); err != nil {
			return nil, fmt.Errorf("unable to parse flag defaults file %s: %w", abs, err)
		}
		for k, v := range defaults {
			merged[k] = v
		}
	}
	return merged, nil
}

// Source loads flag defaults once and can optionally keep them fresh with a
// file watcher. Use it as follows:
//
//	source, err := filedata.NewSource([]string{"./flag-defaults.yml"}, loggers)
//	defer source.Close()
type Source struct {
	paths   []string
	loggers ldlog.Loggers
	watcher *watcher

	defaults map[string]bool // guarded by the watcher goroutine or immutable
}

// NewSource loads the files once. The error is fatal: defaults files are
// local configuration, and silently running without them would change flag
// behavior.
func NewSource(paths []string, loggers ldlog.Loggers) (*Source, error) {
	defaults, err := Load(paths)
	if err != nil {
		return nil, err
	}
	loggers.SetPrefix("FlagDefaults:")
	return &Source{paths: paths, loggers: loggers, defaults: defaults}, nil
}

// Defaults returns the current merged defaults. The returned map must not be
// modified.
func (s *Source) Defaults() map[string]bool {
	if s.watcher != nil {
		return s.watcher.current()
	}
	return s.defaults
}

// Watch starts reloading the files whenever one of them changes. A reload
// that fails keeps the previous defaults.
func (s *Source) Watch() error {
	if s.watcher != nil {
		return nil
	}
	w, err := newWatcher(s.paths, s.defaults, s.loggers)
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Close stops the watcher, if any.
func (s *Source) Close() error {
	if s.watcher != nil {
		s.watcher.close()
		s.watcher = nil
	}
	return nil
}
