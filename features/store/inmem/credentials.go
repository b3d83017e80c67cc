package inmem

import (
	"context"
	"sync"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/flowerrors"
)

// CredentialStore is an in-memory credential.Store.
type CredentialStore struct {
	mu   sync.RWMutex
	byID map[string]credential.Credential
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{byID: map[string]credential.Credential{}}
}

func credKey(org, id string) string { return org + "/" + id }

// Put stores or replaces a credential.
func (s *CredentialStore) Put(_ context.Context, cred credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[credKey(cred.OrganizationID, cred.CredentialID)] = cred
	return nil
}

// Load returns the credential or a NotFoundError.
func (s *CredentialStore) Load(_ context.Context, organizationID, credentialID string) (credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.byID[credKey(organizationID, credentialID)]
	if !ok {
		return credential.Credential{}, flowerrors.NotFound("credential", credentialID)
	}
	return cred, nil
}

// LoadByName returns the credential with the given name.
func (s *CredentialStore) LoadByName(_ context.Context, organizationID, name string) (credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cred := range s.byID {
		if cred.OrganizationID == organizationID && cred.Name == name {
			return cred, nil
		}
	}
	return credential.Credential{}, flowerrors.NotFound("credential", name)
}

// Delete removes the credential if present.
func (s *CredentialStore) Delete(_ context.Context, organizationID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, credKey(organizationID, credentialID))
	return nil
}

// List returns the organization's credentials.
func (s *CredentialStore) List(_ context.Context, organizationID string) ([]credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []credential.Credential
	for _, cred := range s.byID {
		if cred.OrganizationID == organizationID {
			out = append(out, cred)
		}
	}
	return out, nil
}
