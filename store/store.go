// Package store provides the on-disk artifact cache.
//
// Entries are written once and never mutated. A miss computes the artifact,
// writes it to a temp file unique to the attempt and publishes it with a
// single no-clobber filesystem operation, so readers see either nothing or a
// complete artifact. Concurrent misses for the same key are deduplicated
// in-process; across processes duplicate computation is tolerated and only
// one publish wins.
//
// Paths embed the pipeline fingerprint, so entries written under an old
// pipeline are never looked up again. They stay on disk until pruned.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/tensorcache/artifact"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	fingerprintDirLen     = 16

	// Ext is the file extension of published artifacts.
	Ext = ".tca"

	tempPrefix  = ".tmp-"
	checkPrefix = ".check-"
)

// Key identifies a cached artifact: the sample identity plus the fingerprint
// of the pipeline prefix that produced it.
type Key struct {
	Identity    string
	Fingerprint digest.Digest
}

// Digest returns the content address of the key.
func (k Key) Digest() digest.Digest {
	return digest.FromString(k.Fingerprint.String() + "\x00" + k.Identity)
}

// Validate checks that the key is usable.
func (k Key) Validate() error {
	if k.Identity == "" {
		return errors.New("store: key identity is empty")
	}
	if err := k.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("store: key fingerprint: %w", err)
	}
	return nil
}

// Location is a published artifact on disk.
type Location struct {
	Path string
	Size int64
}

// ComputeFunc produces the artifact for a missing key.
type ComputeFunc func(ctx context.Context) (*artifact.Artifact, error)

// Result describes how Ensure satisfied a key.
type Result struct {
	// Location is set when the artifact is published.
	Location Location

	// Hit is true when the artifact was already published.
	Hit bool

	// Computed holds the artifact computed by this call, or nil on a hit.
	Computed *artifact.Artifact

	// Published is true when Location holds a complete artifact.
	Published bool

	// PublishErr records why a computed artifact could not be published.
	PublishErr error
}

// Store is a disk-backed artifact cache rooted at a directory.
// The store is safe for concurrent use.
type Store struct {
	dir            string             // root directory for cached artifacts
	shardPrefixLen int                // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode        // permissions for created directories
	maxBytes       int64              // maximum cache size (0 = unlimited)
	bytes          atomic.Int64       // current total size of published artifacts
	pending        atomic.Int64       // bytes reserved by publishes still in flight
	reserveMu      sync.Mutex         // serializes capacity check and reservation
	pruneMu        sync.Mutex         // serializes prune operations
	group          singleflight.Group // deduplicates concurrent misses for a key
	codecOpts      []artifact.Option
	logger         *slog.Logger
	stats          counters
}

// New creates a store rooted at dir. It fails with a *StorageError if dir
// cannot be created or written.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, &StorageError{Op: "init", Path: dir, Err: errors.New("cache dir is empty")}
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("store: shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("store: max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, &StorageError{Op: "init", Path: dir, Err: err}
	}
	if err := checkWritable(dir); err != nil {
		return nil, &StorageError{Op: "init", Path: dir, Err: err}
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, &StorageError{Op: "init", Path: dir, Err: err}
	}
	s.bytes.Store(size)
	return s, nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, checkPrefix+"*")
	if err != nil {
		return err
	}
	name := f.Name()
	closeErr := f.Close()
	removeErr := os.Remove(name)
	return errors.Join(closeErr, removeErr)
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where key is published.
func (s *Store) Path(key Key) string {
	hexKey := key.Digest().Encoded()
	fp := key.Fingerprint.Encoded()
	if len(fp) > fingerprintDirLen {
		fp = fp[:fingerprintDirLen]
	}
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, fp, hexKey+Ext)
	}
	prefixLen := min(s.shardPrefixLen, len(hexKey))
	return filepath.Join(s.dir, fp, hexKey[:prefixLen], hexKey+Ext)
}

// Lookup returns the published location of key. A hit refreshes the entry's
// last-access time used by eviction.
func (s *Store) Lookup(key Key) (Location, bool) {
	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Location{}, false
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now) //nolint:errcheck // access time is advisory
	return Location{Path: path, Size: info.Size()}, true
}

// Ensure makes sure key is published, computing it on a miss.
//
// On a hit the artifact is not read. On a miss Result.Computed holds the new
// artifact; if publishing failed Result.Published is false and
// Result.PublishErr says why, but the call still succeeds. A compute failure
// returns a *ComputeError and leaves the key uncached.
//
// Cancelling ctx returns ctx.Err() to this caller only. A computation already
// in flight runs to completion for the other callers waiting on the key.
func (s *Store) Ensure(ctx context.Context, key Key, compute ComputeFunc) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	if loc, ok := s.Lookup(key); ok {
		s.stats.hits.Add(1)
		s.log().Debug("artifact cache hit", "identity", key.Identity, "path", loc.Path)
		return Result{Location: loc, Hit: true, Published: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// The flight is shared, so it must not fail because one caller went
	// away. Each caller waits on its own ctx instead.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key.Digest().String(), func() (any, error) {
		if loc, ok := s.Lookup(key); ok {
			return Result{Location: loc, Hit: true, Published: true}, nil
		}
		s.stats.misses.Add(1)
		s.log().Debug("artifact cache miss", "identity", key.Identity)
		return s.computeAndPublish(flightCtx, key, compute)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return Result{}, r.Err
	}
	res := r.Val.(Result) //nolint:errcheck // type assertion always succeeds when err is nil
	if res.Hit {
		s.stats.hits.Add(1)
	}
	if r.Shared && res.Computed != nil {
		// Every caller, including the leader, gets its own copy so callers
		// can mutate the result freely.
		res.Computed = res.Computed.Clone()
	}
	return res, nil
}

func (s *Store) computeAndPublish(ctx context.Context, key Key, compute ComputeFunc) (Result, error) {
	art, err := compute(ctx)
	if err != nil {
		return Result{}, &ComputeError{Key: key, Err: err}
	}
	if art == nil {
		return Result{}, &ComputeError{Key: key, Err: errors.New("compute returned nil artifact")}
	}
	s.stats.computes.Add(1)

	blob, err := artifact.Encode(art, s.codecOpts...)
	if err != nil {
		return Result{}, &ComputeError{Key: key, Err: err}
	}

	loc, err := s.publish(key, blob)
	if err != nil {
		s.log().Warn("artifact publish failed", "identity", key.Identity, "error", err)
		return Result{Computed: art, PublishErr: err}, nil
	}
	return Result{Location: loc, Computed: art, Published: true}, nil
}

// publish writes blob to a unique temp file and links it into place.
// An existing entry is never replaced; when a peer won the race its entry
// is returned instead.
func (s *Store) publish(key Key, blob []byte) (Location, error) {
	path := s.Path(key)
	dir := filepath.Dir(path)

	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		// Root removed externally; start accounting over.
		s.bytes.Store(0)
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return Location{}, &StorageError{Op: "publish", Path: dir, Err: err}
	}

	size := int64(len(blob))
	if ok, err := s.reserve(size); err != nil {
		return Location{}, &StorageError{Op: "prune", Path: s.dir, Err: err}
	} else if !ok {
		return Location{}, &StorageError{Op: "publish", Path: path, Err: ErrOverCapacity}
	}
	defer s.pending.Add(-size)

	tmp, err := os.CreateTemp(dir, tempPrefix+strconv.Itoa(os.Getpid())+"-*")
	if err != nil {
		return Location{}, &StorageError{Op: "publish", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return Location{}, &StorageError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return Location{}, &StorageError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Location{}, &StorageError{Op: "write", Path: tmpPath, Err: err}
	}

	// Prune walks the directory under pruneMu; linking and counting under
	// the same lock keeps a new entry from being counted twice.
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	linkErr := os.Link(tmpPath, path)
	switch {
	case linkErr == nil:
		_ = os.Remove(tmpPath)
	case errors.Is(linkErr, fs.ErrExist):
		_ = os.Remove(tmpPath)
		return s.lostRace(key, path)
	default:
		// Filesystem without hard links: fall back to rename after a
		// best-effort existence check.
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(tmpPath)
			return s.lostRace(key, path)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			_ = os.Remove(tmpPath)
			return Location{}, &StorageError{Op: "publish", Path: path, Err: err}
		}
	}

	s.bytes.Add(size)
	s.stats.publishes.Add(1)
	s.log().Debug("artifact published", "identity", key.Identity, "path", path, "bytes", size)
	return Location{Path: path, Size: size}, nil
}

func (s *Store) lostRace(key Key, path string) (Location, error) {
	s.stats.publishLosses.Add(1)
	info, err := os.Stat(path)
	if err != nil {
		return Location{}, &StorageError{Op: "publish", Path: path, Err: err}
	}
	s.log().Debug("artifact publish lost race", "identity", key.Identity, "path", path)
	return Location{Path: path, Size: info.Size()}, nil
}

// Load reads and decodes a published artifact.
func (s *Store) Load(loc Location) (*artifact.Artifact, error) {
	data, err := os.ReadFile(loc.Path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: loc.Path, Err: err}
	}
	art, err := artifact.Decode(data)
	if err != nil {
		return nil, &StorageError{Op: "decode", Path: loc.Path, Err: err}
	}
	return art, nil
}

// GetOrCompute returns the artifact for key, reading it on a hit and
// computing and publishing it on a miss. Corrupt or vanished entries are
// treated as misses.
func (s *Store) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (*artifact.Artifact, Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := s.Ensure(ctx, key, compute)
		if err != nil {
			return nil, res, err
		}
		if res.Computed != nil {
			return res.Computed, res, nil
		}
		art, err := s.Load(res.Location)
		if err == nil {
			return art, res, nil
		}
		if attempt > 0 || !Recoverable(err) {
			return nil, res, err
		}
		s.MarkCorrupt(key, err)
	}
}

// Recoverable reports whether err means the entry should be dropped and
// recomputed rather than failing the caller.
func Recoverable(err error) bool {
	return errors.Is(err, artifact.ErrCorrupt) || errors.Is(err, fs.ErrNotExist)
}

// MarkCorrupt logs cause and removes the entry for key so the next access
// recomputes it.
func (s *Store) MarkCorrupt(key Key, cause error) {
	s.stats.corrupt.Add(1)
	s.log().Warn("discarding unreadable artifact", "identity", key.Identity, "error", cause)
	if err := s.Invalidate(key); err != nil {
		s.log().Warn("failed to remove unreadable artifact", "identity", key.Identity, "error", err)
	}
}

// Invalidate removes the entry for key. Missing entries are a no-op.
func (s *Store) Invalidate(key Key) error {
	path := s.Path(key)
	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return nil
		}
		return &StorageError{Op: "invalidate", Path: path, Err: statErr}
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &StorageError{Op: "invalidate", Path: path, Err: err}
	}
	if s.bytes.Add(-info.Size()) < 0 {
		// The entry was published by another process and never counted.
		s.resync()
	}
	return nil
}

// resync recomputes the byte count from the directory.
func (s *Store) resync() {
	size, err := dirSize(s.dir)
	if err != nil {
		s.log().Warn("failed to resync cache size", "error", err)
		return
	}
	s.bytes.Store(size)
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

// Prune removes least recently accessed entries until the cache is at or
// below targetBytes. Returns the number of bytes freed.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	freed, removed, remaining, err := pruneDir(s.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	s.bytes.Store(remaining)
	s.stats.evictions.Add(int64(removed))
	if removed > 0 {
		s.log().Debug("pruned artifacts", "removed", removed, "freed", freed, "remaining", remaining)
	}
	return freed, nil
}

// Sweep removes temp files older than olderThan left behind by abandoned
// writes. Returns the number of files removed. Temp files never count
// towards SizeBytes, so accounting is unchanged.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	removed, _, err := sweepTemps(s.dir, time.Now().Add(-olderThan))
	return removed, err
}

// Entries lists published artifacts.
func (s *Store) Entries() ([]Entry, error) {
	return listEntries(s.dir)
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return s.stats.snapshot()
}

// reserve checks that need more bytes fit the budget, pruning if required,
// and counts them as pending. Bytes reserved by concurrent publishes are
// part of the check, so together they cannot overshoot the budget. The
// caller releases the reservation once the publish lands or fails.
func (s *Store) reserve(need int64) (bool, error) {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	if s.maxBytes > 0 {
		if need > s.maxBytes {
			return false, nil
		}
		pending := s.pending.Load()
		if s.SizeBytes()+pending+need > s.maxBytes {
			if _, err := s.Prune(s.maxBytes - pending - need); err != nil {
				return false, err
			}
			if s.SizeBytes()+pending+need > s.maxBytes {
				return false, nil
			}
		}
	}
	s.pending.Add(need)
	return true, nil
}
