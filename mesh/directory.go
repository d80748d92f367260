package mesh

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/creachadair/atomicfile"
)

// Directory resolves a ServiceCoord to a dialable Address, per
// spec.md §6's external-collaborator interface. The runtime consumes
// this interface; it does not specify how a real directory service
// populates or refreshes it.
type Directory interface {
	Resolve(coord ServiceCoord) (Address, error)
}

// ErrNotFound is returned by a Directory when coord has no known
// address, matching spec.md §6's "resolve(coord) -> Address or
// not-found".
var ErrNotFound = errors.New("directory: coord not found")

// StaticDirectory is a fixed roster loaded once from a TOML file,
// shaped:
//
//	[[service]]
//	name = "judge"
//	shard = 0
//	host = "10.0.0.4"
//	port = 9001
//
// This is the simplest possible backend satisfying spec.md §6's
// "deterministic within a process lifetime" requirement.
type StaticDirectory struct {
	entries map[ServiceCoord]Address
}

type rosterFile struct {
	Service []rosterEntry `toml:"service"`
}

type rosterEntry struct {
	Name  string `toml:"name"`
	Shard uint32 `toml:"shard"`
	Host  string `toml:"host"`
	Port  uint16 `toml:"port"`
}

// LoadStaticDirectory parses a TOML roster file into a StaticDirectory.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading roster file")
	}
	var rf rosterFile
	if err := toml.Unmarshal(raw, &rf); err != nil {
		return nil, errors.Wrap(err, "parsing roster file")
	}
	d := &StaticDirectory{entries: make(map[ServiceCoord]Address, len(rf.Service))}
	for _, e := range rf.Service {
		d.entries[ServiceCoord{Name: e.Name, Shard: e.Shard}] = Address{Host: e.Host, Port: e.Port}
	}
	return d, nil
}

// NewStaticDirectory builds a StaticDirectory directly from a map,
// useful for tests and for embedding a roster without a file on disk.
func NewStaticDirectory(entries map[ServiceCoord]Address) *StaticDirectory {
	copied := make(map[ServiceCoord]Address, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &StaticDirectory{entries: copied}
}

// Resolve implements Directory.
func (d *StaticDirectory) Resolve(coord ServiceCoord) (Address, error) {
	addr, ok := d.entries[coord]
	if !ok {
		return Address{}, errors.Wrapf(ErrNotFound, "coord %s", coord)
	}
	return addr, nil
}

// CachingDirectory wraps another Directory with an LRU cache and a
// persisted snapshot file, so a process restart doesn't re-block on
// the wrapped resolver before it can dial anything — this answers
// spec.md §9's open issue about synchronous, possibly-blocking
// directory resolution at connect time.
type CachingDirectory struct {
	inner      Directory
	cache      *lru.Cache[ServiceCoord, Address]
	snapshotAt string
}

// NewCachingDirectory wraps inner with an LRU of the given size. If
// snapshotPath is non-empty, a prior snapshot is loaded at
// construction and every successful Resolve is persisted back to it.
func NewCachingDirectory(inner Directory, size int, snapshotPath string) (*CachingDirectory, error) {
	cache, err := lru.New[ServiceCoord, Address](size)
	if err != nil {
		return nil, errors.Wrap(err, "constructing directory cache")
	}
	cd := &CachingDirectory{inner: inner, cache: cache, snapshotAt: snapshotPath}
	if snapshotPath != "" {
		cd.loadSnapshot(snapshotPath)
	}
	return cd, nil
}

// Resolve implements Directory: a cache hit is returned without
// touching inner; a miss falls through to inner and, on success,
// populates the cache and (if configured) the on-disk snapshot.
func (d *CachingDirectory) Resolve(coord ServiceCoord) (Address, error) {
	if addr, ok := d.cache.Get(coord); ok {
		return addr, nil
	}
	addr, err := d.inner.Resolve(coord)
	if err != nil {
		return Address{}, err
	}
	d.cache.Add(coord, addr)
	if d.snapshotAt != "" {
		d.persistSnapshot()
	}
	return addr, nil
}

// snapshot line format: "name\tshard\thost\tport", one entry per line.
// Plain and diffable rather than another TOML round trip, since this
// file is machine-written and machine-read only.
func (d *CachingDirectory) persistSnapshot() {
	var b strings.Builder
	for _, coord := range d.cache.Keys() {
		addr, ok := d.cache.Peek(coord)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s\t%d\t%s\t%d\n", coord.Name, coord.Shard, addr.Host, addr.Port)
	}
	_ = atomicfile.WriteFile(d.snapshotAt, []byte(b.String()), 0o644)
}

func (d *CachingDirectory) loadSnapshot(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 4 {
			continue
		}
		shard, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(parts[3], 10, 16)
		if err != nil {
			continue
		}
		coord := ServiceCoord{Name: parts[0], Shard: uint32(shard)}
		d.cache.Add(coord, Address{Host: parts[2], Port: uint16(port)})
	}
}
