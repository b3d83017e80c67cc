// Package credential stores connection secrets encrypted at rest and
// materializes them into typed handles (postgres, mysql, mongodb, redis) that
// user code reaches through $credentials. Secrets are decrypted lazily, the
// first time a handle method needs them, and handles live at most as long as
// the execution that requested them.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/typeflow/typeflow/runtime/flowerrors"
)

// Type identifies the backend a credential connects to.
type Type string

const (
	TypePostgres Type = "postgres"
	TypeMySQL    Type = "mysql"
	TypeMongoDB  Type = "mongodb"
	TypeRedis    Type = "redis"
)

type (
	// Credential is the persisted record. Config is stored only as ciphertext.
	Credential struct {
		OrganizationID string    `json:"organizationId"`
		CredentialID   string    `json:"credentialId"`
		Name           string    `json:"name"`
		Type           Type      `json:"type"`
		Ciphertext     []byte    `json:"-"`
		CreatedAt      time.Time `json:"createdAt"`
		UpdatedAt      time.Time `json:"updatedAt"`
	}

	// Config is the decrypted connection config. Fields not applicable to a
	// type are left zero. URI, when set, wins over the discrete fields.
	Config struct {
		URI      string `json:"uri,omitempty"`
		Host     string `json:"host,omitempty"`
		Port     int    `json:"port,omitempty"`
		User     string `json:"user,omitempty"`
		Password string `json:"password,omitempty"`
		Database string `json:"database,omitempty"`
		SSLMode  string `json:"sslMode,omitempty"`
	}

	// Store persists credentials.
	Store interface {
		Put(ctx context.Context, cred Credential) error
		Load(ctx context.Context, organizationID, credentialID string) (Credential, error)
		LoadByName(ctx context.Context, organizationID, name string) (Credential, error)
		Delete(ctx context.Context, organizationID, credentialID string) error
		List(ctx context.Context, organizationID string) ([]Credential, error)
	}

	// Service encrypts on write and materializes typed handles on demand.
	Service struct {
		store  Store
		cipher *Cipher
	}

	// ServiceOptions configures NewService.
	ServiceOptions struct {
		Store  Store
		Cipher *Cipher
	}
)

// NewService validates the options and returns a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is required")
	}
	return &Service{store: opts.Store, cipher: opts.Cipher}, nil
}

// Create encrypts the config and persists a new credential.
func (s *Service) Create(ctx context.Context, organizationID, name string, typ Type, cfg Config) (Credential, error) {
	sealed, err := s.seal(cfg)
	if err != nil {
		return Credential{}, err
	}
	now := time.Now().UTC()
	cred := Credential{
		OrganizationID: organizationID,
		CredentialID:   uuid.NewString(),
		Name:           name,
		Type:           typ,
		Ciphertext:     sealed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Put(ctx, cred); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return cred, nil
}

// Update re-encrypts the config of an existing credential.
func (s *Service) Update(ctx context.Context, organizationID, credentialID, name string, cfg Config) (Credential, error) {
	cred, err := s.store.Load(ctx, organizationID, credentialID)
	if err != nil {
		return Credential{}, err
	}
	sealed, err := s.seal(cfg)
	if err != nil {
		return Credential{}, err
	}
	cred.Ciphertext = sealed
	if name != "" {
		cred.Name = name
	}
	cred.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, cred); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return cred, nil
}

// Get returns the credential record (ciphertext included, config never
// decrypted here).
func (s *Service) Get(ctx context.Context, organizationID, credentialID string) (Credential, error) {
	return s.store.Load(ctx, organizationID, credentialID)
}

// Delete removes a credential.
func (s *Service) Delete(ctx context.Context, organizationID, credentialID string) error {
	return s.store.Delete(ctx, organizationID, credentialID)
}

// List returns the organization's credentials.
func (s *Service) List(ctx context.Context, organizationID string) ([]Credential, error) {
	return s.store.List(ctx, organizationID)
}

// Materialize looks a credential up by name and constructs its typed handle.
// The handle connects lazily; Materialize itself touches no network.
func (s *Service) Materialize(ctx context.Context, organizationID, name string) (Handle, error) {
	cred, err := s.store.LoadByName(ctx, organizationID, name)
	if err != nil {
		return nil, err
	}
	open := func() (Config, error) {
		plain, err := s.cipher.Decrypt(cred.Ciphertext)
		if err != nil {
			return Config{}, err
		}
		var cfg Config
		if err := json.Unmarshal(plain, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode credential config: %w", err)
		}
		return cfg, nil
	}
	switch cred.Type {
	case TypePostgres:
		return newPostgresHandle(open), nil
	case TypeMySQL:
		return newMySQLHandle(open), nil
	case TypeMongoDB:
		return newMongoHandle(open), nil
	case TypeRedis:
		return newRedisHandle(open), nil
	default:
		return nil, fmt.Errorf("unsupported credential type %q", cred.Type)
	}
}

// TestConnection materializes the credential and opens a connection once,
// closing it before returning.
func (s *Service) TestConnection(ctx context.Context, organizationID, credentialID string) error {
	cred, err := s.store.Load(ctx, organizationID, credentialID)
	if err != nil {
		return err
	}
	h, err := s.Materialize(ctx, organizationID, cred.Name)
	if err != nil {
		return err
	}
	defer h.Close(ctx)
	return h.Connect(ctx)
}

// Decrypt returns the decoded config of a credential. Reserved for the
// service layer's own use; user code only ever sees handles.
func (s *Service) Decrypt(cred Credential) (Config, error) {
	plain, err := s.cipher.Decrypt(cred.Ciphertext)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode credential config: %w", err)
	}
	return cfg, nil
}

func (s *Service) seal(cfg Config) ([]byte, error) {
	plain, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode credential config: %w", err)
	}
	return s.cipher.Encrypt(plain)
}

// NotFound reports whether err is a missing-credential error.
func NotFound(err error) bool {
	var nf *flowerrors.NotFoundError
	return errors.As(err, &nf)
}
