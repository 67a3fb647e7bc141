package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/domain"
)

type fileRecord struct {
	Token     string          `json:"token"`
	Profile   *domain.Profile `json:"profile,omitempty"`
	UpdatedAt string          `json:"updated_at"`
}

// FileSource keeps the credential in a JSON file so every gridlink process
// of the same user shares one login.
type FileSource struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	cred Credential
	hub  hub
}

func NewFileSource(path string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, logger: logger}
}

func (s *FileSource) Path() string {
	return s.path
}

// Load reads the session file. A missing file is an anonymous session.
func (s *FileSource) Load() error {
	cred, err := s.read()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return nil
}

func (s *FileSource) Current() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *FileSource) Subscribe(fn func(Credential)) func() {
	return s.hub.subscribe(fn)
}

func (s *FileSource) Login(token string, profile *domain.Profile) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.InvalidArgument("token is required")
	}
	return s.replace(Credential{Token: token, Profile: profile})
}

func (s *FileSource) Logout() error {
	return s.replace(Credential{})
}

// UpdateProfile stores a refreshed profile without touching the token, so
// subscribers are not notified.
func (s *FileSource) UpdateProfile(profile *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cred
	next.Profile = profile
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.cred = next
	return nil
}

func (s *FileSource) replace(next Credential) error {
	s.mu.Lock()
	if err := s.persistLocked(next); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := s.cred.Token != next.Token
	s.cred = next
	s.mu.Unlock()
	if changed {
		s.hub.publish(next)
	}
	return nil
}

// Watch follows the session file until ctx is done, picking up logins and
// logouts made by other processes.
func (s *FileSource) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return domain.Internal("failed to create session directory", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.Internal("failed to create session watcher", err)
	}
	defer watcher.Close()
	// Writes land through a rename, so the directory is watched rather
	// than the file itself.
	if err := watcher.Add(dir); err != nil {
		return domain.Internal("failed to watch session directory", err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
				continue
			}
			s.reload()
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("session_watch_error", zap.Error(watchErr))
		}
	}
}

func (s *FileSource) reload() {
	cred, err := s.read()
	if err != nil {
		s.logger.Warn("session_reload_failed", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.mu.Lock()
	changed := s.cred.Token != cred.Token
	s.cred = cred
	s.mu.Unlock()
	if changed {
		s.logger.Info("session_changed", zap.Bool("authenticated", cred.Authenticated()))
		s.hub.publish(cred)
	}
}

func (s *FileSource) read() (Credential, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, nil
		}
		return Credential{}, domain.Internal("failed to read session file", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return Credential{}, nil
	}
	var record fileRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return Credential{}, domain.Internal("failed to parse session file", err)
	}
	return Credential{Token: strings.TrimSpace(record.Token), Profile: record.Profile}, nil
}

func (s *FileSource) persistLocked(cred Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return domain.Internal("failed to create session directory", err)
	}
	serialized, err := json.MarshalIndent(fileRecord{
		Token:     cred.Token,
		Profile:   cred.Profile,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return domain.Internal("failed to serialize session", err)
	}
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, append(serialized, '\n'), 0o600); err != nil {
		return domain.Internal("failed to write temporary session file", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return domain.Internal("failed to atomically persist session file", err)
	}
	return nil
}
