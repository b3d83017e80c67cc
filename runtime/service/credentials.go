package service

import (
	"context"
	"errors"

	"github.com/typeflow/typeflow/runtime/credential"
)

type (
	// CredentialsOptions configures NewCredentials.
	CredentialsOptions struct {
		Service *credential.Service
	}

	// Credentials manages encrypted connection credentials. Returned records
	// carry ciphertext only; plaintext configs never leave the credential
	// service.
	Credentials struct {
		service *credential.Service
	}
)

// NewCredentials validates the options and returns the service.
func NewCredentials(opts CredentialsOptions) (*Credentials, error) {
	if opts.Service == nil {
		return nil, errors.New("credential service is required")
	}
	return &Credentials{service: opts.Service}, nil
}

// List returns the organization's credentials.
func (s *Credentials) List(ctx context.Context, organizationID string) ([]credential.Credential, error) {
	return s.service.List(ctx, organizationID)
}

// Get returns one credential.
func (s *Credentials) Get(ctx context.Context, organizationID, credentialID string) (credential.Credential, error) {
	return s.service.Get(ctx, organizationID, credentialID)
}

// Create encrypts and stores a new credential.
func (s *Credentials) Create(ctx context.Context, organizationID, name string, typ credential.Type, cfg credential.Config) (credential.Credential, error) {
	return s.service.Create(ctx, organizationID, name, typ, cfg)
}

// Update re-encrypts the credential with the new config.
func (s *Credentials) Update(ctx context.Context, organizationID, credentialID, name string, cfg credential.Config) (credential.Credential, error) {
	return s.service.Update(ctx, organizationID, credentialID, name, cfg)
}

// Delete removes the credential.
func (s *Credentials) Delete(ctx context.Context, organizationID, credentialID string) error {
	return s.service.Delete(ctx, organizationID, credentialID)
}

// TestConnection connects with the decrypted config and reports the result.
func (s *Credentials) TestConnection(ctx context.Context, organizationID, credentialID string) error {
	return s.service.TestConnection(ctx, organizationID, credentialID)
}
