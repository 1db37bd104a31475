// Package session supplies the bearer token and user identity consumed by
// every tracker API call, and owns the session-scoped query cache.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TokenProvider returns the bearer token for the next request.
// An empty token means the request is sent unauthenticated.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// User is the read-only identity of the signed-in account.
type User struct {
	OfficeCode     string `yaml:"office_code" json:"office_code"`
	AccountType    string `yaml:"account_type" json:"account_type"`
	EmployeeNumber string `yaml:"employee_number" json:"employee_number"`
}

// Static is a TokenProvider with a fixed token.
type Static struct {
	token string
	user  User
}

// NewStatic creates a fixed-token provider.
func NewStatic(token string, user User) *Static {
	return &Static{token: token, user: user}
}

// Token implements TokenProvider.
func (s *Static) Token(context.Context) (string, error) {
	return s.token, nil
}

// User returns the configured identity.
func (s *Static) User() User {
	return s.user
}

// sessionFile is the on-disk layout read by FileProvider.
type sessionFile struct {
	Token string `yaml:"token"`
	User  `yaml:",inline"`
}

// FileProvider reads the token and user from a YAML session file and
// reloads it whenever the file is rewritten.
type FileProvider struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string
	user  User

	done      chan struct{}
	closeOnce sync.Once
}

// NewFileProvider loads path and starts watching its directory for changes.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &FileProvider{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create session watcher: %w", err)
	}
	// Watch the directory: editors and token refreshers often replace the
	// file with a rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch session dir: %w", err)
	}
	p.watcher = watcher

	go p.watch()
	return p, nil
}

// Token implements TokenProvider.
func (p *FileProvider) Token(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, nil
}

// User returns the identity from the last successful load.
func (p *FileProvider) User() User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user
}

// Close stops watching the session file.
func (p *FileProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}

func (p *FileProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}

	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse session file: %w", err)
	}

	p.mu.Lock()
	p.token = f.Token
	p.user = f.User
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) watch() {
	target := filepath.Clean(p.path)
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warn("Session reload failed, keeping previous token",
					"path", p.path,
					"error", err)
				continue
			}
			p.logger.Debug("Session file reloaded", "path", p.path)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Session watcher error", "error", err)
		}
	}
}
