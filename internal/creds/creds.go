// Package creds persists and refreshes OAuth credentials for sources
// that need them. Each source owns exactly one CredentialState, stored
// as a JSON file under the data root; the external authorization flow
// writes the initial file, this package only reads and refreshes it.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// ErrNoCredential is returned when no credential file exists for a
// source. The caller decides whether that is fatal (OAuth sources) or
// fine (public sources).
var ErrNoCredential = errors.New("no stored credential for source")

// Store reads and writes per-source credential files.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating credential directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(source string) string {
	return filepath.Join(s.dir, source+".json")
}

// Load reads the credential for source.
func (s *Store) Load(source string) (*models.CredentialState, error) {
	raw, err := os.ReadFile(s.path(source))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("reading credential for %s: %w", source, err)
	}
	var cs models.CredentialState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("parsing credential for %s: %w", source, err)
	}
	return &cs, nil
}

// Save writes the credential back. Tokens are secrets, keep 0600.
func (s *Store) Save(source string, cs *models.CredentialState) error {
	raw, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling credential for %s: %w", source, err)
	}
	if err := os.WriteFile(s.path(source), raw, 0600); err != nil {
		return fmt.Errorf("writing credential for %s: %w", source, err)
	}
	return nil
}

// Refresher hands out a valid access token for one OAuth source,
// refreshing and persisting it when expired. Safe for use from the
// adapter that owns it; the mutex guards refresh-vs-read.
type Refresher struct {
	mu       sync.Mutex
	store    *Store
	source   string
	endpoint oauth2.Endpoint
	state    *models.CredentialState
}

// NewRefresher loads the stored credential for source. Returns
// ErrNoCredential when the authorization flow has never run.
func NewRefresher(store *Store, source string, endpoint oauth2.Endpoint) (*Refresher, error) {
	state, err := store.Load(source)
	if err != nil {
		return nil, err
	}
	return &Refresher{
		store:    store,
		source:   source,
		endpoint: endpoint,
		state:    state,
	}, nil
}

// Token returns the current access token, refreshing first if it has
// expired.
func (r *Refresher) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Expired() {
		if err := r.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return r.state.AccessToken, nil
}

// ForceRefresh refreshes regardless of the recorded expiry. Used after a
// provider rejects a token that looked valid locally.
func (r *Refresher) ForceRefresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Refresher) refreshLocked(ctx context.Context) error {
	if r.state.RefreshToken == "" {
		return fmt.Errorf("credential for %s has no refresh token", r.source)
	}

	conf := &oauth2.Config{
		ClientID:     r.state.ClientID,
		ClientSecret: r.state.ClientSecret,
		Endpoint:     r.endpoint,
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: r.state.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refreshing token for %s: %w", r.source, err)
	}

	r.state.AccessToken = tok.AccessToken
	r.state.ExpiresAt = tok.Expiry
	// Persist rotated refresh tokens; some providers rotate on every
	// refresh and the old one becomes invalid.
	if tok.RefreshToken != "" && tok.RefreshToken != r.state.RefreshToken {
		log.Debugf("Rotating refresh token for %s", r.source)
		r.state.RefreshToken = tok.RefreshToken
	}

	if err := r.store.Save(r.source, r.state); err != nil {
		return err
	}
	log.WithField("source", r.source).Infof("Refreshed access token (expires %s)", tok.Expiry)
	return nil
}
