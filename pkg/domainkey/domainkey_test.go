package domainkey

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIterations = MinIterations

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	priv := newKey(t)
	domainKey := bytes.Repeat([]byte{0x5A}, KeySize)

	wrapped, err := Wrap(&priv.PublicKey, domainKey)
	require.NoError(t, err)
	assert.NotContains(t, string(wrapped), string(domainKey))

	got, err := Unwrap(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, domainKey, got)
}

func TestWrapIsRandomized(t *testing.T) {
	priv := newKey(t)
	key := make([]byte, KeySize)

	a, err := Wrap(&priv.PublicKey, key)
	require.NoError(t, err)
	b, err := Wrap(&priv.PublicKey, key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUnwrapFailures(t *testing.T) {
	owner := newKey(t)
	other := newKey(t)
	wrapped, err := Wrap(&owner.PublicKey, make([]byte, KeySize))
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := Unwrap(other, wrapped)
		assert.ErrorIs(t, err, ErrUnwrap)
	})
	t.Run("tampered", func(t *testing.T) {
		for _, i := range []int{0, 10, 70, len(wrapped) - 1} {
			bad := append([]byte(nil), wrapped...)
			bad[i] ^= 0x01
			_, err := Unwrap(owner, bad)
			assert.ErrorIs(t, err, ErrUnwrap, "byte %d", i)
		}
	})
	t.Run("short", func(t *testing.T) {
		_, err := Unwrap(owner, wrapped[:20])
		assert.ErrorIs(t, err, ErrUnwrap)
	})
}

func TestDeriveDeterministic(t *testing.T) {
	p, err := NewParams(testIterations)
	require.NoError(t, err)

	a, err := Derive("hunter2", p)
	require.NoError(t, err)
	b, err := Derive("hunter2", p)
	require.NoError(t, err)
	c, err := Derive("hunter3", p)
	require.NoError(t, err)

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDeriveRejectsWeakParams(t *testing.T) {
	_, err := Derive("pw", Params{Salt: make([]byte, 32), Iterations: 10})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestParamsStoreNeverRegenerates(t *testing.T) {
	store := NewParamsStore(t.TempDir())
	store.Iterations = testIterations

	_, err := store.Load("home")
	assert.ErrorIs(t, err, ErrParamsNotFound)

	first, err := store.LoadOrCreate("home")
	require.NoError(t, err)
	second, err := store.LoadOrCreate("home")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	k1, err := store.DeriveKey("home", "pw")
	require.NoError(t, err)
	k2, err := Derive("pw", first)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestParamsStoreConcurrentCreate(t *testing.T) {
	store := NewParamsStore(t.TempDir())
	store.Iterations = testIterations

	results := make([]Params, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := store.LoadOrCreate("garage")
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range results[1:] {
		assert.Equal(t, results[0], p)
	}
}

func TestParamsStoreRejectsBadDomain(t *testing.T) {
	store := NewParamsStore(t.TempDir())
	for _, name := range []string{"", "..", "a/b", "../etc"} {
		_, err := store.LoadOrCreate(name)
		assert.ErrorIs(t, err, ErrInvalidDomain, "domain %q", name)
	}
}

func TestSealOpen(t *testing.T) {
	key := make([]byte, KeySize)
	_, _ = rand.Read(key)

	blob, err := Seal(key, EncodeTemperature(21.5))
	require.NoError(t, err)

	plain, err := Open(key, blob)
	require.NoError(t, err)
	v, err := DecodeTemperature(plain)
	require.NoError(t, err)
	assert.Equal(t, float32(21.5), v)

	wrong := make([]byte, KeySize)
	_, err = Open(wrong, blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}
