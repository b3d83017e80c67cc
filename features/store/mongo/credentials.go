package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/flowerrors"
)

const credentialsCollection = "credentials"

// CredentialStore implements credential.Store on the credentials collection.
// Only ciphertext is ever written; decryption happens in the credential
// service.
type CredentialStore struct {
	db   *DB
	coll *mongodriver.Collection
}

// NewCredentialStore ensures the unique (org_id, credential_id) index and
// returns the store.
func NewCredentialStore(ctx context.Context, db *DB) (*CredentialStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	coll := db.db.Collection(credentialsCollection)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "credential_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &CredentialStore{db: db, coll: coll}, nil
}

// Put upserts the credential keyed by (org_id, credential_id).
func (s *CredentialStore) Put(ctx context.Context, cred credential.Credential) error {
	if cred.OrganizationID == "" || cred.CredentialID == "" {
		return errors.New("organization id and credential id are required")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	doc := fromCredential(cred)
	filter := bson.M{"org_id": cred.OrganizationID, "credential_id": cred.CredentialID}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"created_at": doc.CreatedAt},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Load returns the credential or a NotFoundError.
func (s *CredentialStore) Load(ctx context.Context, organizationID, credentialID string) (credential.Credential, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc credentialDocument
	err := s.coll.FindOne(ctx, bson.M{"org_id": organizationID, "credential_id": credentialID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return credential.Credential{}, flowerrors.NotFound("credential", credentialID)
		}
		return credential.Credential{}, err
	}
	return doc.toCredential(), nil
}

// LoadByName returns the credential with the given name.
func (s *CredentialStore) LoadByName(ctx context.Context, organizationID, name string) (credential.Credential, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc credentialDocument
	err := s.coll.FindOne(ctx, bson.M{"org_id": organizationID, "name": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return credential.Credential{}, flowerrors.NotFound("credential", name)
		}
		return credential.Credential{}, err
	}
	return doc.toCredential(), nil
}

// Delete removes the credential.
func (s *CredentialStore) Delete(ctx context.Context, organizationID, credentialID string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"org_id": organizationID, "credential_id": credentialID})
	return err
}

// List returns the organization's credentials.
func (s *CredentialStore) List(ctx context.Context, organizationID string) ([]credential.Credential, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"org_id": organizationID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []credential.Credential
	for cur.Next(ctx) {
		var doc credentialDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toCredential())
	}
	return out, cur.Err()
}

type credentialDocument struct {
	OrganizationID string    `bson:"org_id"`
	CredentialID   string    `bson:"credential_id"`
	Name           string    `bson:"name"`
	Type           string    `bson:"type"`
	Ciphertext     []byte    `bson:"ciphertext"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func fromCredential(cred credential.Credential) credentialDocument {
	now := time.Now().UTC()
	created := cred.CreatedAt
	if created.IsZero() {
		created = now
	}
	return credentialDocument{
		OrganizationID: cred.OrganizationID,
		CredentialID:   cred.CredentialID,
		Name:           cred.Name,
		Type:           string(cred.Type),
		Ciphertext:     cred.Ciphertext,
		CreatedAt:      created.UTC(),
		UpdatedAt:      now,
	}
}

func (doc credentialDocument) toCredential() credential.Credential {
	return credential.Credential{
		OrganizationID: doc.OrganizationID,
		CredentialID:   doc.CredentialID,
		Name:           doc.Name,
		Type:           credential.Type(doc.Type),
		Ciphertext:     doc.Ciphertext,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}
