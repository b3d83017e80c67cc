package credential

import (
	"bytes"
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typeflow/typeflow/runtime/flowerrors"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

type memStore struct {
	creds map[string]Credential
}

func newMemStore() *memStore {
	return &memStore{creds: map[string]Credential{}}
}

func (s *memStore) Put(_ context.Context, cred Credential) error {
	s.creds[cred.OrganizationID+"/"+cred.CredentialID] = cred
	return nil
}

func (s *memStore) Load(_ context.Context, org, id string) (Credential, error) {
	c, ok := s.creds[org+"/"+id]
	if !ok {
		return Credential{}, flowerrors.NotFound("credential", id)
	}
	return c, nil
}

func (s *memStore) LoadByName(_ context.Context, org, name string) (Credential, error) {
	for _, c := range s.creds {
		if c.OrganizationID == org && c.Name == name {
			return c, nil
		}
	}
	return Credential{}, flowerrors.NotFound("credential", name)
}

func (s *memStore) Delete(_ context.Context, org, id string) error {
	delete(s.creds, org+"/"+id)
	return nil
}

func (s *memStore) List(_ context.Context, org string) ([]Credential, error) {
	var out []Credential
	for _, c := range s.creds {
		if c.OrganizationID == org {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	properties := gopter.NewProperties(nil)
	properties.Property("decrypt inverts encrypt", prop.ForAll(
		func(plaintext string) bool {
			sealed, err := c.Encrypt([]byte(plaintext))
			if err != nil {
				return false
			}
			opened, err := c.Decrypt(sealed)
			if err != nil {
				return false
			}
			return string(opened) == plaintext
		},
		gen.AnyString(),
	))
	properties.Property("nonces never repeat across seals", prop.ForAll(
		func(plaintext string) bool {
			a, err := c.Encrypt([]byte(plaintext))
			if err != nil {
				return false
			}
			b, err := c.Encrypt([]byte(plaintext))
			if err != nil {
				return false
			}
			return !bytes.Equal(a[:24], b[:24])
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestCipherRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	sealed, err := c.Encrypt([]byte(`{"password":"hunter2"}`))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Decrypt(sealed)
	require.Error(t, err)
}

func TestCipherKeyLength(t *testing.T) {
	t.Parallel()
	_, err := NewCipher([]byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestServiceCreateStoresOnlyCiphertext(t *testing.T) {
	t.Parallel()
	cipher, err := NewCipher(testKey)
	require.NoError(t, err)
	store := newMemStore()
	svc, err := NewService(ServiceOptions{Store: store, Cipher: cipher})
	require.NoError(t, err)

	cfg := Config{Host: "db.internal", Port: 5432, User: "app", Password: "s3cret", Database: "main"}
	cred, err := svc.Create(context.Background(), "org", "main-db", TypePostgres, cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, cred.CredentialID)
	assert.NotContains(t, string(cred.Ciphertext), "s3cret")

	got, err := svc.Decrypt(cred)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestServiceUpdateReencrypts(t *testing.T) {
	t.Parallel()
	cipher, err := NewCipher(testKey)
	require.NoError(t, err)
	store := newMemStore()
	svc, err := NewService(ServiceOptions{Store: store, Cipher: cipher})
	require.NoError(t, err)

	cred, err := svc.Create(context.Background(), "org", "cache", TypeRedis, Config{Host: "redis", Port: 6379})
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), "org", cred.CredentialID, "", Config{Host: "redis-2", Port: 6380})
	require.NoError(t, err)
	assert.Equal(t, "cache", updated.Name)

	got, err := svc.Decrypt(updated)
	require.NoError(t, err)
	assert.Equal(t, "redis-2", got.Host)
}

func TestMaterializeUnknownCredential(t *testing.T) {
	t.Parallel()
	cipher, err := NewCipher(testKey)
	require.NoError(t, err)
	svc, err := NewService(ServiceOptions{Store: newMemStore(), Cipher: cipher})
	require.NoError(t, err)

	_, err = svc.Materialize(context.Background(), "org", "ghost")
	require.Error(t, err)
	assert.True(t, NotFound(err))
}

func TestMaterializeReturnsTypedHandles(t *testing.T) {
	t.Parallel()
	cipher, err := NewCipher(testKey)
	require.NoError(t, err)
	store := newMemStore()
	svc, err := NewService(ServiceOptions{Store: store, Cipher: cipher})
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		name string
		typ  Type
	}{
		{"pg", TypePostgres},
		{"my", TypeMySQL},
		{"mg", TypeMongoDB},
		{"rd", TypeRedis},
	}
	for _, tc := range cases {
		_, err := svc.Create(ctx, "org", tc.name, tc.typ, Config{Host: "localhost"})
		require.NoError(t, err)
		h, err := svc.Materialize(ctx, "org", tc.name)
		require.NoError(t, err)
		assert.Equal(t, tc.typ, h.Type())
		// Never connected, so Close must be a no-op.
		require.NoError(t, h.Close(ctx))
	}
}

func TestPoolReusesHandles(t *testing.T) {
	t.Parallel()
	cipher, err := NewCipher(testKey)
	require.NoError(t, err)
	store := newMemStore()
	svc, err := NewService(ServiceOptions{Store: store, Cipher: cipher})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Create(ctx, "org", "main-db", TypePostgres, Config{Host: "localhost"})
	require.NoError(t, err)

	pool := NewPool(svc, "org")
	h1, err := pool.Get(ctx, "main-db")
	require.NoError(t, err)
	h2, err := pool.Get(ctx, "main-db")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	require.NoError(t, pool.Close(ctx))
}

func TestDSNBuilders(t *testing.T) {
	t.Parallel()
	pg := postgresDSN(Config{Host: "h", User: "u", Password: "p", Database: "d"})
	assert.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=disable", pg)
	assert.Equal(t, "postgres://u@h/d", postgresDSN(Config{URI: "postgres://u@h/d"}))

	my := mysqlDSN(Config{Host: "h", User: "u", Password: "p", Database: "d"})
	assert.Equal(t, "u:p@tcp(h:3306)/d?parseTime=true", my)
}
