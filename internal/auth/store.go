package auth

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SavedSession is the persisted part of a Principal. The access credential is
// never written to disk.
type SavedSession struct {
	Email        string `yaml:"email"`
	UID          string `yaml:"uid"`
	RefreshToken string `yaml:"refresh_token"`
}

type SessionStore struct {
	Dir string
}

func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{Dir: dir}
}

func (s *SessionStore) path() string {
	return filepath.Join(s.Dir, "session.yaml")
}

func (s *SessionStore) Save(sess *SavedSession) error {
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(s.path(), data, 0600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Load returns the saved session, or nil if there is none.
func (s *SessionStore) Load() (*SavedSession, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var sess SavedSession
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	if sess.RefreshToken == "" {
		return nil, nil
	}
	return &sess, nil
}

func (s *SessionStore) Delete() error {
	err := os.Remove(s.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
