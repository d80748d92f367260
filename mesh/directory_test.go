package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectoryLoadsRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.toml")
	contents := `
[[service]]
name = "judge"
shard = 0
host = "10.0.0.4"
port = 9001

[[service]]
name = "judge"
shard = 1
host = "10.0.0.5"
port = 9001
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	d, err := LoadStaticDirectory(path)
	require.NoError(t, err)

	addr, err := d.Resolve(ServiceCoord{Name: "judge", Shard: 0})
	require.NoError(t, err)
	assert.Equal(t, Address{Host: "10.0.0.4", Port: 9001}, addr)

	_, err = d.Resolve(ServiceCoord{Name: "judge", Shard: 9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachingDirectoryCachesAndPersists(t *testing.T) {
	inner := NewStaticDirectory(map[ServiceCoord]Address{
		{Name: "a", Shard: 0}: {Host: "1.2.3.4", Port: 80},
	})
	snapshot := filepath.Join(t.TempDir(), "cache.snap")

	cd, err := NewCachingDirectory(inner, 16, snapshot)
	require.NoError(t, err)

	addr, err := cd.Resolve(ServiceCoord{Name: "a", Shard: 0})
	require.NoError(t, err)
	assert.Equal(t, Address{Host: "1.2.3.4", Port: 80}, addr)

	_, err = os.Stat(snapshot)
	require.NoError(t, err)

	// A fresh CachingDirectory backed by a now-empty inner directory
	// should still resolve from the persisted snapshot.
	emptyInner := NewStaticDirectory(nil)
	cd2, err := NewCachingDirectory(emptyInner, 16, snapshot)
	require.NoError(t, err)
	addr2, err := cd2.Resolve(ServiceCoord{Name: "a", Shard: 0})
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)
}
