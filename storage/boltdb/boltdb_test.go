package boltdb

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldmanfleming/smoldb/storage"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(log.NewNopLogger(), dir)
	require.NoError(t, err)

	require.NoError(t, s.Set("key1", []byte("value1")))

	v, ok, err := s.Get("key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value1"), v)

	_, ok, err = s.Get("key2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Reopen from disk and check persistent data.
	require.NoError(t, s.Close())
	s, err = Open(log.NewNopLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err = s.Get("key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value1"), v)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(log.NewNopLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	err = s.Remove("key1")
	assert.True(t, errors.Is(err, storage.ErrKeyNotFound))

	require.NoError(t, s.Set("key1", []byte("value1")))
	require.NoError(t, s.Remove("key1"))

	_, ok, err := s.Get("key1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(log.NewNopLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("key1", []byte("value1")))
	require.NoError(t, s.Set("key2", []byte("value2")))
	require.NoError(t, s.Remove("key1"))

	assert.ElementsMatch(t, []string{"key2"}, s.ListKeys())
}
