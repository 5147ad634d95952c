package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// NewDefaultStorage returns the storage used when none is configured: a small
// JSON file in the user's config directory, so the anonymous tracker id
// survives restarts. If no config directory is available, values are held in
// memory only.
func NewDefaultStorage(loggers ldlog.Loggers) Storage {
	dir, err := os.UserConfigDir()
	if err != nil {
		loggers.Debugf("No user config dir (%s); anonymous id will not persist across restarts", err)
		return &memoryStorage{values: make(map[string]string)}
	}
	return &fileStorage{path: filepath.Join(dir, "schematic", "storage.json"), loggers: loggers}
}

type memoryStorage struct {
	lock   sync.Mutex
	values map[string]string
}

func (s *memoryStorage) Get(key string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *memoryStorage) Set(key string, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[key] = value
}

type fileStorage struct {
	lock    sync.Mutex
	path    string
	loggers ldlog.Loggers
}

func (s *fileStorage) Get(key string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	values := s.read()
	v, ok := values[key]
	return v, ok
}

func (s *fileStorage) Set(key string, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	values := s.read()
	values[key] = value
	data, err := json.Marshal(values)
	if err != nil { // COVERAGE: map[string]string cannot fail to marshal
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.loggers.Debugf("Unable to create storage dir: %s", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.loggers.Debugf("Unable to write storage file: %s", err)
	}
}

func (s *fileStorage) read() map[string]string {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err == nil {
		_ = json.Unmarshal(data, &values)
	}
	return values
}
