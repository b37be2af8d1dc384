package securestore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/client"
	"github.com/dmitrijs2005/fleetsession/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/fleetsession/internal/clockx"
	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *memRepo, *clockx.FakeClock) {
	t.Helper()
	repo := newMemRepo()
	clk := clockx.Fake(epoch)
	keys := &staticKeys{key: bytes.Repeat([]byte{3}, cryptox.KeySize)}
	s := New(repo, keys, append([]Option{WithClock(clk)}, opts...)...)
	return s, repo, clk
}

func rawEnvelope(t *testing.T, repo *memRepo, key string) *Envelope {
	t.Helper()
	b, ok := repo.raw(storageKey(key))
	require.True(t, ok, "envelope for %q must exist", key)
	env, err := decodeEnvelope(b)
	require.NoError(t, err)
	return env
}

func plant(t *testing.T, repo *memRepo, key string, env *Envelope) {
	t.Helper()
	b, err := encodeEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, repo.Set(context.Background(), storageKey(key), b))
}

func TestPutGet_RoundTrip(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "auth.token", "tok-1", 0))

	v, ok := s.Get(ctx, "auth.token")
	require.True(t, ok)
	assert.Equal(t, "tok-1", v)

	env := rawEnvelope(t, repo, "auth.token")
	assert.Equal(t, SchemeAESGCM, env.Scheme)
	assert.NotContains(t, string(env.Ciphertext), "tok-1")
	assert.Len(t, env.IV, 12)
	assert.Equal(t, epoch.UnixMilli(), env.CreatedAt)
	assert.Zero(t, env.ExpiresAt)
}

func TestPut_FreshIVPerCall(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", "same", 0))
	first := rawEnvelope(t, repo, "k")
	require.NoError(t, s.Put(ctx, "k", "same", 0))
	second := rawEnvelope(t, repo, "k")

	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestGet_Missing(t *testing.T) {
	s, _, _ := newTestStore(t)

	v, outcome := s.lookup(context.Background(), "nope")
	assert.Equal(t, OutcomeAbsent, outcome)
	assert.Empty(t, v)
}

func TestGet_TamperedCiphertextIsAbsentAndDeleted(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "auth.token", "tok-1", time.Hour))

	env := rawEnvelope(t, repo, "auth.token")
	env.Ciphertext[0] ^= 0x01
	plant(t, repo, "auth.token", env)

	v, outcome := s.lookup(ctx, "auth.token")
	assert.Equal(t, OutcomeCorrupted, outcome)
	assert.Empty(t, v)

	_, exists := repo.raw(storageKey("auth.token"))
	assert.False(t, exists, "corrupted envelope must be deleted on read")
}

func TestGet_HashMismatchIsAbsentAndDeleted(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "auth.user", `{"id":"u1"}`, 0))

	env := rawEnvelope(t, repo, "auth.user")
	env.Hash = cryptox.Hash([]byte(`{"id":"u2"}`))
	plant(t, repo, "auth.user", env)

	_, ok := s.Get(ctx, "auth.user")
	assert.False(t, ok)

	_, exists := repo.raw(storageKey("auth.user"))
	assert.False(t, exists)
}

func TestGet_GarbageBytesAreCorrupted(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, storageKey("k"), []byte("not cbor at all")))

	_, outcome := s.lookup(ctx, "k")
	assert.Equal(t, OutcomeCorrupted, outcome)
	_, exists := repo.raw(storageKey("k"))
	assert.False(t, exists)
}

func TestGet_UnknownSchemeIsCorrupted(t *testing.T) {
	s, repo, _ := newTestStore(t)
	plant(t, repo, "k", &Envelope{Scheme: "rot13", Ciphertext: []byte("x"), Hash: cryptox.Hash([]byte("x"))})

	_, outcome := s.lookup(context.Background(), "k")
	assert.Equal(t, OutcomeCorrupted, outcome)
}

func TestGet_ExpiredIsAbsentEvenWithValidHash(t *testing.T) {
	s, repo, clk := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "auth.expires_at", "123", time.Minute))

	clk.Advance(59 * time.Second)
	v, ok := s.Get(ctx, "auth.expires_at")
	require.True(t, ok)
	require.Equal(t, "123", v)

	clk.Advance(time.Second)
	_, outcome := s.lookup(ctx, "auth.expires_at")
	assert.Equal(t, OutcomeExpired, outcome)

	_, exists := repo.raw(storageKey("auth.expires_at"))
	assert.False(t, exists, "expired envelope must be deleted on read")
}

func TestGet_RepositoryErrorIsUnavailableAndKept(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v", 0))

	repo.getErr = errors.New("disk I/O error")
	_, outcome := s.lookup(ctx, "k")
	assert.Equal(t, OutcomeUnavailable, outcome)
	assert.Empty(t, repo.deletes)
}

func TestRemove_Idempotent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v", 0))

	s.Remove(ctx, "k")
	s.Remove(ctx, "k")

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestClear_OnlySealedKeys(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "auth.token", "a", 0))
	require.NoError(t, s.Put(ctx, "auth.user", "b", 0))
	require.NoError(t, repo.Set(ctx, "token", []byte("legacy")))

	s.Clear(ctx)
	s.Clear(ctx)

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"token": []byte("legacy")}, all)
}

func TestFallbackFail_PutErrorsAndGetIsAbsent(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, noKeys())
	ctx := context.Background()

	err := s.Put(ctx, "k", "v", 0)
	require.ErrorIs(t, err, common.ErrKeyUnavailable)
	_, exists := repo.raw(storageKey("k"))
	assert.False(t, exists)
}

func TestFallbackEncode_StoresReversibleEnvelope(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, noKeys(), WithFallback(FallbackEncode))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", "secret", 0))
	require.NoError(t, s.Put(ctx, "k2", "other", 0))

	env := rawEnvelope(t, repo, "k")
	assert.Equal(t, SchemeEncoded, env.Scheme)
	assert.Empty(t, env.IV)

	v, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "secret", v)
}

func TestFallbackFail_RejectsEncodedEnvelope(t *testing.T) {
	repo := newMemRepo()
	writer := New(repo, noKeys(), WithFallback(FallbackEncode))
	ctx := context.Background()
	require.NoError(t, writer.Put(ctx, "k", "secret", 0))

	strict := New(repo, &staticKeys{key: bytes.Repeat([]byte{1}, cryptox.KeySize)})
	_, outcome := strict.lookup(ctx, "k")
	assert.Equal(t, OutcomeCorrupted, outcome)
	_, exists := repo.raw(storageKey("k"))
	assert.False(t, exists)
}

func TestKeyUnavailableOnRead_LeavesEnvelope(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()
	require.NoError(t, New(repo, &staticKeys{key: bytes.Repeat([]byte{1}, cryptox.KeySize)}).Put(ctx, "k", "v", 0))

	_, outcome := New(repo, noKeys()).lookup(ctx, "k")
	assert.Equal(t, OutcomeUnavailable, outcome)
	_, exists := repo.raw(storageKey("k"))
	assert.True(t, exists)
}

func TestWrongKeyIsCorrupted(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()
	require.NoError(t, New(repo, &staticKeys{key: bytes.Repeat([]byte{1}, cryptox.KeySize)}).Put(ctx, "k", "v", 0))

	_, outcome := New(repo, &staticKeys{key: bytes.Repeat([]byte{2}, cryptox.KeySize)}).lookup(ctx, "k")
	assert.Equal(t, OutcomeCorrupted, outcome)
}

func TestParseFallbackPolicy(t *testing.T) {
	p, err := ParseFallbackPolicy("")
	require.NoError(t, err)
	assert.Equal(t, FallbackFail, p)

	p, err = ParseFallbackPolicy(" Encode ")
	require.NoError(t, err)
	assert.Equal(t, FallbackEncode, p)
	assert.Equal(t, "encode", p.String())

	_, err = ParseFallbackPolicy("plaintext")
	assert.Error(t, err)
}

func TestStore_SharedSQLiteBetweenInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := client.InitDatabase(ctx, filepath.Join(dir, "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a := New(metadata.NewSQLiteRepository(db), NewFileKeyProvider(dir, ""))
	b := New(metadata.NewSQLiteRepository(db), NewFileKeyProvider(dir, ""))

	require.NoError(t, a.Put(ctx, "auth.token", "shared-token", time.Hour))

	v, ok := b.Get(ctx, "auth.token")
	require.True(t, ok, "a sibling with the same data dir reads the same value")
	assert.Equal(t, "shared-token", v)
}
