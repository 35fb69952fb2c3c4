package statedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucket = []byte("test_bucket")

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTemp(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path, bucket)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTemp(t)

	require.NoError(t, db.Put(bucket, "k1", record{Name: "add", Count: 3}))

	var out record
	found, err := db.Get(bucket, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{Name: "add", Count: 3}, out)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	db := openTemp(t)

	var out record
	found, err := db.Get(bucket, "absent", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteRemovesKey(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.Put(bucket, "k1", record{Name: "x"}))
	require.NoError(t, db.Delete(bucket, "k1"))

	var out record
	found, err := db.Get(bucket, "k1", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestForEachIteratesAllEntries(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.Put(bucket, "a", record{Name: "a"}))
	require.NoError(t, db.Put(bucket, "b", record{Name: "b"}))

	seen := map[string]bool{}
	err := db.ForEach(bucket, func(key string, raw []byte) error {
		seen[key] = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
	assert.Len(t, seen, 2)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.Put(bucket, "k1", record{Name: "old", Count: 1}))
	require.NoError(t, db.Put(bucket, "k1", record{Name: "new", Count: 2}))

	var out record
	found, err := db.Get(bucket, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{Name: "new", Count: 2}, out)
}

func TestWithSuffixAppendsOnlyWhenMissing(t *testing.T) {
	assert.Equal(t, "worker-beat-schedule.db", WithSuffix("worker-beat-schedule"))
	assert.Equal(t, "already.db", WithSuffix("already.db"))
	assert.Equal(t, "", WithSuffix(""))
}
