package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// ErrNotAuthorized is returned when a provider has no cached token.
var ErrNotAuthorized = errors.New("provider not authorized, run `fitsync authorize`")

// Credentials is the cached authorization of one provider.
type Credentials struct {
	Token  *oauth2.Token `json:"token"`
	UserID string        `json:"user_id,omitempty"`
}

// FileStore keeps Credentials as a JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads cached credentials. A missing file yields ErrNotAuthorized.
func (s *FileStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, ErrNotAuthorized
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read token cache: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode token cache %s: %w", s.path, err)
	}
	if creds.Token == nil || creds.Token.AccessToken == "" {
		return Credentials{}, ErrNotAuthorized
	}
	return creds, nil
}

// Save atomically replaces the cached credentials.
func (s *FileStore) Save(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// persistingSource saves every token that differs from the last one seen.
type persistingSource struct {
	base   oauth2.TokenSource
	store  *FileStore
	userID string

	mu   sync.Mutex
	last string
}

func newPersistingSource(base oauth2.TokenSource, store *FileStore, creds Credentials) *persistingSource {
	return &persistingSource{base: base, store: store, userID: creds.UserID, last: creds.Token.AccessToken}
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.store.Save(Credentials{Token: tok, UserID: p.userID}); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}
