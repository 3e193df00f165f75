package state

import (
	"path/filepath"
	"sync"
	"time"
)

// CredentialsFile is the credential document name inside the data directory.
const CredentialsFile = "credentials.json"

// LastUsedFlushInterval is the minimum age of a persisted last-used stamp
// before a lookup alone rewrites the document.
const LastUsedFlushInterval = time.Minute

// Credential is the opaque bearer token issued to one principal.
type Credential struct {
	Principal  string    `json:"principal"`
	Token      string    `json:"token"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type credentialDocument struct {
	Credentials map[string]*Credential `json:"credentials"`
}

// CredentialStore keeps at most one credential per principal.
type CredentialStore struct {
	path    string
	mu      sync.Mutex
	byOwner map[string]*Credential
	byToken map[string]*Credential

	// flushed is the last-used time on disk per principal.
	flushed map[string]time.Time
	dirty   bool
}

// OpenCredentialStore loads dataDir/credentials.json, creating an empty store
// when the file does not exist yet.
func OpenCredentialStore(dataDir string) (*CredentialStore, error) {
	s := &CredentialStore{
		path:    filepath.Join(dataDir, CredentialsFile),
		byOwner: make(map[string]*Credential),
		byToken: make(map[string]*Credential),
		flushed: make(map[string]time.Time),
	}

	var doc credentialDocument
	if err := readJSON(s.path, &doc); err != nil {
		return nil, err
	}
	for principal, c := range doc.Credentials {
		if c == nil || c.Token == "" {
			continue
		}
		c.Principal = principal
		s.byOwner[principal] = c
		s.byToken[c.Token] = c
		s.flushed[principal] = c.LastUsedAt
	}
	return s, nil
}

// Get returns the principal's credential, if any.
func (s *CredentialStore) Get(principal string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byOwner[principal]
	if !ok {
		return Credential{}, false
	}
	return *c, true
}

// GetOrCreate returns the existing credential for principal or stores the
// one produced by mint. The check and insert happen under one lock so
// concurrent exchanges for the same principal observe the same token.
func (s *CredentialStore) GetOrCreate(principal string, mint func() (Credential, error)) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byOwner[principal]; ok {
		return *c, false, nil
	}

	c, err := mint()
	if err != nil {
		return Credential{}, false, err
	}
	c.Principal = principal
	s.byOwner[principal] = &c
	s.byToken[c.Token] = &c
	if err := s.saveLocked(); err != nil {
		delete(s.byOwner, principal)
		delete(s.byToken, c.Token)
		return Credential{}, false, err
	}
	return c, true, nil
}

// Lookup resolves a bearer token and stamps its last-used time. The stamp is
// kept in memory and written at most once per LastUsedFlushInterval per
// credential, or with the next mutation or Flush.
func (s *CredentialStore) Lookup(token string, now time.Time) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byToken[token]
	if !ok {
		return Credential{}, false
	}
	c.LastUsedAt = now
	s.dirty = true
	if now.Sub(s.flushed[c.Principal]) >= LastUsedFlushInterval {
		// Last-used is advisory; a failed write must not reject an authenticated request.
		_ = s.saveLocked()
	}
	return *c, true
}

// Flush writes pending last-used stamps.
func (s *CredentialStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

// Delete removes the principal's credential. It reports whether one existed.
func (s *CredentialStore) Delete(principal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byOwner[principal]
	if !ok {
		return false, nil
	}
	delete(s.byOwner, principal)
	delete(s.byToken, c.Token)
	if err := s.saveLocked(); err != nil {
		s.byOwner[principal] = c
		s.byToken[c.Token] = c
		return false, err
	}
	return true, nil
}

// Len returns the number of stored credentials.
func (s *CredentialStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byOwner)
}

func (s *CredentialStore) saveLocked() error {
	doc := credentialDocument{Credentials: s.byOwner}
	if err := writeJSONAtomic(s.path, doc, 0o600); err != nil {
		return err
	}
	clear(s.flushed)
	for principal, c := range s.byOwner {
		s.flushed[principal] = c.LastUsedAt
	}
	s.dirty = false
	return nil
}
