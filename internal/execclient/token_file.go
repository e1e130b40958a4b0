package execclient

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// FileTokenSource serves the bearer token from a file the coordinator
// rotates out-of-band. The file's directory is watched so a rotation is
// picked up without restarting the agent. Rotation tooling typically
// writes a temp file and renames it over the target, so create and rename
// events matter as much as writes.
type FileTokenSource struct {
	path    string
	logger  Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileTokenSource(path string, logger Logger) (*FileTokenSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, os.ErrInvalid
	}
	token, err := readTokenFile(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s := &FileTokenSource{
		path:    path,
		logger:  logger,
		watcher: watcher,
		token:   token,
		done:    make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

func (s *FileTokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *FileTokenSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.watcher.Close()
}

func (s *FileTokenSource) watch() {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			token, err := readTokenFile(s.path)
			if err != nil {
				s.logf("reload token file %s: %v", s.path, err)
				continue
			}
			s.mu.Lock()
			changed := token != s.token
			s.token = token
			s.mu.Unlock()
			if changed {
				s.logf("bearer token rotated from %s", s.path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logf("token file watcher: %v", err)
		}
	}
}

func (s *FileTokenSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
