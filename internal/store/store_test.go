package store

import (
	"path/filepath"
	"testing"

	"github.com/relaychat/relay/internal/serializer"
	"github.com/stretchr/testify/require"
)

func TestPlainStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "database.json")

	s, err := OpenPlain(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert("username", serializer.String("alice")))
	require.NoError(t, s.Insert("salt", serializer.Bytes([]byte{1, 2, 3})))

	reopened, err := OpenPlain(path)
	require.NoError(t, err)
	v, ok := reopened.Get("username")
	require.True(t, ok)
	require.Equal(t, serializer.String("alice"), v)
}

func TestCipherStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "database.json")
	keyPath := filepath.Join(dir, "key.txt")

	s, err := OpenCipher(path, keyPath)
	require.NoError(t, err)
	require.NoError(t, s.Insert("peer", serializer.String("bob")))

	require.FileExists(t, keyPath)

	reopened, err := OpenCipher(path, keyPath)
	require.NoError(t, err)
	v, ok := reopened.Get("peer")
	require.True(t, ok)
	require.Equal(t, serializer.String("bob"), v)
}

func TestCipherStoreGeneratesKeyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "database.json")
	keyPath := filepath.Join(dir, "key.txt")

	s1, err := OpenCipher(path, keyPath)
	require.NoError(t, err)
	require.NoError(t, s1.Insert("a", serializer.Int(1)))

	s2, err := OpenCipher(path, keyPath)
	require.NoError(t, err)
	_, ok := s2.Get("a")
	require.True(t, ok, "second open must reuse the same key to decrypt existing data")
}

func TestUpdateMergesDicts(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPlain(filepath.Join(dir, "database.json"))
	require.NoError(t, err)

	require.NoError(t, s.Insert("bundle", serializer.Dict(map[string]serializer.Value{
		"ipk": serializer.String("ipk-bytes"),
	})))
	require.NoError(t, s.Update("bundle", serializer.Dict(map[string]serializer.Value{
		"spk": serializer.String("spk-bytes"),
	})))

	v, ok := s.Get("bundle")
	require.True(t, ok)
	require.Equal(t, serializer.String("ipk-bytes"), v.Dict["ipk"])
	require.Equal(t, serializer.String("spk-bytes"), v.Dict["spk"])
}

func TestUpdateReplacesNonDict(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPlain(filepath.Join(dir, "database.json"))
	require.NoError(t, err)

	require.NoError(t, s.Insert("count", serializer.Int(1)))
	require.NoError(t, s.Update("count", serializer.Int(2)))

	v, ok := s.Get("count")
	require.True(t, ok)
	require.Equal(t, serializer.Int(2), v)
}

func TestMutateIsAtomicReadModifyWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPlain(filepath.Join(dir, "database.json"))
	require.NoError(t, err)

	require.NoError(t, s.Insert("counter", serializer.Int(0)))

	for i := 0; i < 5; i++ {
		err := s.Mutate("counter", func(v serializer.Value, ok bool) (serializer.Value, error) {
			require.True(t, ok)
			return serializer.Int(v.Int + 1), nil
		})
		require.NoError(t, err)
	}

	v, _ := s.Get("counter")
	require.Equal(t, int64(5), v.Int)
}

func TestDeleteAndClear(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPlain(filepath.Join(dir, "database.json"))
	require.NoError(t, err)

	require.NoError(t, s.Insert("a", serializer.Int(1)))
	require.NoError(t, s.Insert("b", serializer.Int(2)))
	require.NoError(t, s.Delete("a"))
	require.False(t, s.Has("a"))
	require.True(t, s.Has("b"))

	require.NoError(t, s.Clear())
	require.Empty(t, s.Keys())
}
