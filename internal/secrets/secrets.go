// Package secrets manages the on-disk secrets file holding OAuth tokens
// for every configured account, keyed by "<provider>:<email>". The file
// is out of the core's scope per spec §1 ("account discovery from a
// secrets file" is an external collaborator's concern) but the CLI and
// driveapi both need to read and persist tokens, so this package
// owns the format.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FilePerms restricts the secrets file to owner-only read/write.
const FilePerms = 0o600

// oauthClientsKey is reserved: it never names an "<provider>:<email>"
// account and instead holds OAuth client app credentials, keyed by
// provider.
const oauthClientsKey = "oauth_clients"

// ErrNoSuchAccount is returned when a lookup key has no token record.
var ErrNoSuchAccount = errors.New("secrets: no token for account")

// Token mirrors the wire format of spec §6's token record.
type Token struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// OAuthClient holds a provider's registered app credentials.
type OAuthClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// document is the on-disk JSON shape: "<provider>:<email>" -> Token,
// plus the reserved "oauth_clients" -> map[provider]OAuthClient.
type document struct {
	accounts     map[string]Token
	oauthClients map[string]OAuthClient
}

func (d document) MarshalJSON() ([]byte, error) {
	flat := make(map[string]json.RawMessage, len(d.accounts)+1)

	for k, v := range d.accounts {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}

		flat[k] = raw
	}

	if len(d.oauthClients) > 0 {
		raw, err := json.Marshal(d.oauthClients)
		if err != nil {
			return nil, err
		}

		flat[oauthClientsKey] = raw
	}

	return json.Marshal(flat)
}

func (d *document) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	d.accounts = make(map[string]Token, len(flat))
	d.oauthClients = make(map[string]OAuthClient)

	for k, raw := range flat {
		if k == oauthClientsKey {
			if err := json.Unmarshal(raw, &d.oauthClients); err != nil {
				return fmt.Errorf("secrets: decoding oauth_clients: %w", err)
			}

			continue
		}

		var tok Token
		if err := json.Unmarshal(raw, &tok); err != nil {
			return fmt.Errorf("secrets: decoding token for %q: %w", k, err)
		}

		d.accounts[k] = tok
	}

	return nil
}

// Store is the sole writer of one secrets file. Safe for concurrent
// use by a single process; concurrent processes rely on atomic rename
// for last-writer-wins semantics (spec §5 "Token refresh... whichever
// writes the newer token last wins").
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store backed by path. The file need not exist yet —
// it is created on first Save.
func Open(path string) *Store {
	return &Store{path: path}
}

func accountKey(provider, email string) string {
	return provider + ":" + email
}

// GetToken returns the Token for (provider, email), or ErrNoSuchAccount.
func (s *Store) GetToken(provider, email string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Token{}, err
	}

	tok, ok := doc.accounts[accountKey(provider, email)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s:%s", ErrNoSuchAccount, provider, email)
	}

	return tok, nil
}

// SaveToken upserts the Token for (provider, email) and writes the
// file atomically. Intended to be wired as an
// oauth2.Config.OnTokenChange callback so refreshed tokens persist the
// moment the transport rotates them.
func (s *Store) SaveToken(provider, email string, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	doc.accounts[accountKey(provider, email)] = tok

	return s.save(doc)
}

// GetOAuthClient returns the registered app credentials for a provider.
func (s *Store) GetOAuthClient(provider string) (OAuthClient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return OAuthClient{}, false, err
	}

	c, ok := doc.oauthClients[provider]

	return c, ok, nil
}

func (s *Store) load() (document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return document{accounts: map[string]Token{}, oauthClients: map[string]OAuthClient{}}, nil
	}

	if err != nil {
		return document{}, fmt.Errorf("secrets: reading %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("secrets: decoding %s: %w", s.path, err)
	}

	return doc, nil
}

// save writes doc to a temp file in the same directory, fsyncs it,
// chmods 0600, then renames it into place.
func (s *Store) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: encoding: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("secrets: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("secrets: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secrets: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("secrets: renaming: %w", err)
	}

	success = true

	return nil
}
