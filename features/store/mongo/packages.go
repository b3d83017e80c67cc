package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/pkgmanifest"
)

const packagesCollection = "packages"

// PackageStore implements pkgmanifest.Store on the packages collection.
type PackageStore struct {
	db   *DB
	coll *mongodriver.Collection
}

// NewPackageStore ensures the unique (org_id, name) index and returns the
// store.
func NewPackageStore(ctx context.Context, db *DB) (*PackageStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	coll := db.db.Collection(packagesCollection)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "org_id", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &PackageStore{db: db, coll: coll}, nil
}

// Put upserts the package manifest keyed by (org_id, name).
func (s *PackageStore) Put(ctx context.Context, pkg pkgmanifest.Package) error {
	if pkg.OrganizationID == "" || pkg.Name == "" {
		return errors.New("organization id and package name are required")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	doc := fromPackage(pkg)
	filter := bson.M{"org_id": pkg.OrganizationID, "name": pkg.Name}
	_, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return err
}

// Load returns the package or a NotFoundError.
func (s *PackageStore) Load(ctx context.Context, organizationID, name string) (pkgmanifest.Package, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var doc packageDocument
	err := s.coll.FindOne(ctx, bson.M{"org_id": organizationID, "name": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return pkgmanifest.Package{}, flowerrors.NotFound("package", name)
		}
		return pkgmanifest.Package{}, err
	}
	return doc.toPackage(), nil
}

// Delete removes the package manifest.
func (s *PackageStore) Delete(ctx context.Context, organizationID, name string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"org_id": organizationID, "name": name})
	return err
}

// List returns the organization's packages sorted by name.
func (s *PackageStore) List(ctx context.Context, organizationID string) ([]pkgmanifest.Package, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"org_id": organizationID},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []pkgmanifest.Package
	for cur.Next(ctx) {
		var doc packageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toPackage())
	}
	return out, cur.Err()
}

type packageDocument struct {
	OrganizationID string    `bson:"org_id"`
	Name           string    `bson:"name"`
	Version        string    `bson:"version"`
	TypeDecls      string    `bson:"type_declarations,omitempty"`
	InstalledAt    time.Time `bson:"installed_at"`
}

func fromPackage(pkg pkgmanifest.Package) packageDocument {
	installed := pkg.InstalledAt
	if installed.IsZero() {
		installed = time.Now()
	}
	return packageDocument{
		OrganizationID: pkg.OrganizationID,
		Name:           pkg.Name,
		Version:        pkg.Version,
		TypeDecls:      pkg.TypeDeclarations,
		InstalledAt:    installed.UTC(),
	}
}

func (doc packageDocument) toPackage() pkgmanifest.Package {
	return pkgmanifest.Package{
		OrganizationID:   doc.OrganizationID,
		Name:             doc.Name,
		Version:          doc.Version,
		TypeDeclarations: doc.TypeDecls,
		InstalledAt:      doc.InstalledAt,
	}
}
