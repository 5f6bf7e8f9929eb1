// Package disk implements the local-disk Cache Provider tier: content lives
// at {root}/{storage_path(key)}, an append-only binary metadata log tracks
// access and size accounting, and a cleanup pass, run inline by Store when
// an incoming write would exceed the tier's byte budget, evicts aged,
// least-accessed entries.
// Bytes above a size threshold are transparently zstd-compressed on store.
package disk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/imazen/imageflow-server-sub002/blob"
	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
	"github.com/imazen/imageflow-server-sub002/provider"
)

const (
	defaultDirPerm           = 0o700
	defaultFilePerm          = 0o600
	defaultCompressThreshold = 8 * 1024 // bytes; smaller payloads aren't worth the zstd frame overhead
	internPoolCapacity       = 128
	metaLogFilename          = "entries.log"
)

// entryType tags the semantic meaning of a logRecord: Create/Update both
// upsert the in-memory index identically on replay; Delete tombstones a key.
type entryType uint8

const (
	entryCreate entryType = 0
	entryUpdate entryType = 1
	entryDelete entryType = 2
)

// logRecord is one append-only metadata-log record, encoded with
// encoding/binary: fixed-width fields followed by two length-prefixed
// UTF-8 strings. accessCount tracks how many times the entry has been
// fetched, persisted via an Update record on every Fetch so a restart does
// not reset eviction priority to zero.
type logRecord struct {
	Source              [cachekey.HashSize]byte
	Variant             [cachekey.HashSize]byte
	EntryType           entryType
	AccessCount         int32
	CreatedUnix         int64
	LastDeletionAttempt int64
	DiskSize            int64
	Compressed          bool
	RelativePath        string
	ContentType         string
}

type indexEntry struct {
	key                 cachekey.Key
	relativePath        string
	contentType         string
	diskSize            int64
	compressed          bool
	accessCount         int32
	createdUnix         int64
	lastDeletionAttempt int64
}

// Tier is the local-disk provider.
type Tier struct {
	root     string
	dirPerm  os.FileMode
	maxBytes int64
	zone     blob.LatencyZone

	minAge     time.Duration
	retryAfter time.Duration

	mu        sync.Mutex
	index     map[cachekey.Key]*indexEntry
	curBytes  atomic.Int64
	internMu  sync.Mutex
	internSet map[string]string

	logMu   sync.Mutex
	logFile *os.File

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Option configures a Tier.
type Option func(*Tier)

func WithLatencyZone(zone blob.LatencyZone) Option { return func(t *Tier) { t.zone = zone } }
func WithDirPerm(mode os.FileMode) Option          { return func(t *Tier) { t.dirPerm = mode } }
func WithMinEvictionAge(d time.Duration) Option    { return func(t *Tier) { t.minAge = d } }
func WithDeletionRetryInterval(d time.Duration) Option {
	return func(t *Tier) { t.retryAfter = d }
}

// New opens (creating if necessary) a disk tier rooted at dir, replaying its
// metadata log into an in-memory index.
func New(dir string, maxBytes int64, opts ...Option) (*Tier, error) {
	if dir == "" {
		return nil, errors.New("disk: root directory is empty")
	}
	t := &Tier{
		root:       dir,
		dirPerm:    defaultDirPerm,
		maxBytes:   maxBytes,
		zone:       "disk",
		minAge:     10 * time.Minute,
		retryAfter: 5 * time.Minute,
		index:      make(map[cachekey.Key]*indexEntry),
		internSet:  make(map[string]string, internPoolCapacity),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := os.MkdirAll(dir, t.dirPerm); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	t.encoder = enc
	t.decoder = dec

	if err := t.replayLog(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, metaLogFilename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return nil, err
	}
	t.logFile = f

	return t, nil
}

func (t *Tier) Name() string { return "disk" }

func (t *Tier) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		RequiresInlineExecution: false,
		IsLocal:                 true,
		LatencyZone:             t.zone,
	}
}

// replayLog rebuilds the in-memory index from the append-only metadata log,
// applying tombstones in order.
func (t *Tier) replayLog() error {
	path := filepath.Join(t.root, metaLogFilename)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := readRecord(r)
		if err != nil {
			// A clean EOF ends replay normally; a truncated final record
			// (crash mid-append) is tolerated the same way.
			break
		}

		key := cachekey.Key{Source: rec.Source, Variant: rec.Variant}

		if rec.EntryType == entryDelete {
			if e, ok := t.index[key]; ok {
				t.curBytes.Add(-e.diskSize)
				delete(t.index, key)
			}
			continue
		}

		if e, ok := t.index[key]; ok {
			t.curBytes.Add(-e.diskSize)
		}
		t.index[key] = &indexEntry{
			key:                 key,
			relativePath:        rec.RelativePath,
			contentType:         t.intern(rec.ContentType),
			diskSize:            rec.DiskSize,
			compressed:          rec.Compressed,
			accessCount:         rec.AccessCount,
			createdUnix:         rec.CreatedUnix,
			lastDeletionAttempt: rec.LastDeletionAttempt,
		}
		t.curBytes.Add(rec.DiskSize)
	}
	return nil
}

// intern returns a shared string for s once the pool has seen it, capping
// the pool at internPoolCapacity entries; beyond that, strings pass through
// un-pooled rather than growing the pool unbounded.
func (t *Tier) intern(s string) string {
	t.internMu.Lock()
	defer t.internMu.Unlock()
	if existing, ok := t.internSet[s]; ok {
		return existing
	}
	if len(t.internSet) >= internPoolCapacity {
		return s
	}
	t.internSet[s] = s
	return s
}

func writeLenPrefixed(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return errors.New("disk: string too long for metadata log")
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readLenPrefixed(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeRecord(w io.Writer, rec logRecord) error {
	for _, field := range []interface{}{rec.Source, rec.Variant, rec.EntryType, rec.AccessCount, rec.CreatedUnix, rec.LastDeletionAttempt, rec.DiskSize} {
		if err := binary.Write(w, binary.BigEndian, field); err != nil {
			return err
		}
	}
	var compressed uint8
	if rec.Compressed {
		compressed = 1
	}
	if err := binary.Write(w, binary.BigEndian, compressed); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, rec.RelativePath); err != nil {
		return err
	}
	return writeLenPrefixed(w, rec.ContentType)
}

func readRecord(r io.Reader) (logRecord, error) {
	var rec logRecord
	if err := binary.Read(r, binary.BigEndian, &rec.Source); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.Variant); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.EntryType); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.AccessCount); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.CreatedUnix); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.LastDeletionAttempt); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.DiskSize); err != nil {
		return rec, err
	}
	var compressed uint8
	if err := binary.Read(r, binary.BigEndian, &compressed); err != nil {
		return rec, err
	}
	rec.Compressed = compressed != 0

	path, err := readLenPrefixed(r)
	if err != nil {
		return rec, err
	}
	rec.RelativePath = path

	ct, err := readLenPrefixed(r)
	if err != nil {
		return rec, err
	}
	rec.ContentType = ct
	return rec, nil
}

func (t *Tier) appendLog(rec logRecord) error {
	var buf bytes.Buffer
	if err := writeRecord(&buf, rec); err != nil {
		return err
	}
	t.logMu.Lock()
	defer t.logMu.Unlock()
	_, err := t.logFile.Write(buf.Bytes())
	return err
}

func (t *Tier) Fetch(_ context.Context, key cachekey.Key) (*provider.FetchResult, bool, error) {
	t.mu.Lock()
	e, ok := t.index[key]
	if !ok {
		t.mu.Unlock()
		return nil, false, nil
	}
	e.accessCount++
	rec := logRecord{
		Source:              key.Source,
		Variant:             key.Variant,
		EntryType:           entryUpdate,
		AccessCount:         e.accessCount,
		CreatedUnix:         e.createdUnix,
		LastDeletionAttempt: e.lastDeletionAttempt,
		DiskSize:            e.diskSize,
		Compressed:          e.compressed,
		RelativePath:        e.relativePath,
		ContentType:         e.contentType,
	}
	relativePath := e.relativePath
	compressed := e.compressed
	contentType := e.contentType
	createdUnix := e.createdUnix
	t.mu.Unlock()

	// Access-count bookkeeping is best-effort: a failed append here must not
	// fail the fetch itself.
	_ = t.appendLog(rec)

	raw, err := os.ReadFile(filepath.Join(t.root, relativePath))
	if errors.Is(err, os.ErrNotExist) {
		t.mu.Lock()
		delete(t.index, key)
		t.mu.Unlock()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	data := raw
	if compressed {
		data, err = t.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, false, err
		}
	}

	return &provider.FetchResult{
		Data: data,
		Metadata: provider.Metadata{
			ContentType: contentType,
			CreatedUTC:  time.Unix(createdUnix, 0).UTC(),
		},
	}, true, nil
}

func (t *Tier) Store(_ context.Context, key cachekey.Key, data []byte, meta provider.Metadata) error {
	need := int64(len(data))
	if t.maxBytes > 0 && need > t.maxBytes {
		return cascadeerr.ErrStorageFull
	}
	if t.maxBytes > 0 && t.curBytes.Load()+need > t.maxBytes {
		t.runCleanup(need)
		if t.curBytes.Load()+need > t.maxBytes {
			return cascadeerr.ErrStorageFull
		}
	}

	relPath := key.StoragePath()
	fullPath := filepath.Join(t.root, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), t.dirPerm); err != nil {
		return err
	}

	payload := data
	compressed := false
	if len(data) >= defaultCompressThreshold {
		payload = t.encoder.EncodeAll(data, nil)
		compressed = true
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), "disk-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	kind := entryCreate
	if existing, ok := t.index[key]; ok {
		kind = entryUpdate
		t.curBytes.Add(-existing.diskSize)
	}

	rec := logRecord{
		Source:       key.Source,
		Variant:      key.Variant,
		EntryType:    kind,
		CreatedUnix:  now.Unix(),
		DiskSize:     int64(len(payload)),
		Compressed:   compressed,
		RelativePath: relPath,
		ContentType:  meta.ContentType,
	}
	if err := t.appendLog(rec); err != nil {
		return err
	}
	t.index[key] = &indexEntry{
		key:          key,
		relativePath: relPath,
		contentType:  t.intern(meta.ContentType),
		diskSize:     rec.DiskSize,
		compressed:   compressed,
		createdUnix:  rec.CreatedUnix,
	}
	t.curBytes.Add(rec.DiskSize)
	return nil
}

func (t *Tier) Invalidate(_ context.Context, key cachekey.Key) (bool, error) {
	t.mu.Lock()
	e, ok := t.index[key]
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	delete(t.index, key)
	t.curBytes.Add(-e.diskSize)
	t.mu.Unlock()

	if err := t.appendLog(logRecord{
		Source:    key.Source,
		Variant:   key.Variant,
		EntryType: entryDelete,
	}); err != nil {
		return true, err
	}
	_ = os.Remove(filepath.Join(t.root, e.relativePath))
	return true, nil
}

func (t *Tier) PurgeBySource(_ context.Context, sourceHash [cachekey.HashSize]byte) (int, error) {
	t.mu.Lock()
	var victims []*indexEntry
	for k, e := range t.index {
		if k.Source != sourceHash {
			continue
		}
		victims = append(victims, e)
		delete(t.index, k)
		t.curBytes.Add(-e.diskSize)
	}
	t.mu.Unlock()

	for _, e := range victims {
		_ = t.appendLog(logRecord{
			Source:    e.key.Source,
			Variant:   e.key.Variant,
			EntryType: entryDelete,
		})
		_ = os.Remove(filepath.Join(t.root, e.relativePath))
	}
	return len(victims), nil
}

func (t *Tier) WantsToStore(_ cachekey.Key, size int64, reason provider.Reason) bool {
	if reason == provider.NotQueried {
		return false
	}
	return t.maxBytes <= 0 || size <= t.maxBytes
}

func (t *Tier) ProbablyContains(key cachekey.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[key]
	return ok
}

func (t *Tier) HealthCheck(_ context.Context) (bool, error) {
	info, err := os.Stat(t.root)
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, errors.New("disk: root is not a directory")
	}
	return true, nil
}

// runCleanup selects victims older than minAge and removes them, least-
// accessed first (ties broken by age, oldest first), until the tier has
// room for an incoming write of `need` bytes or no more eligible victims
// remain. Failed deletions record lastDeletionAttempt and are retried no
// sooner than retryAfter.
func (t *Tier) runCleanup(need int64) {
	now := time.Now().UTC()

	t.mu.Lock()
	type candidate struct {
		key   cachekey.Key
		entry *indexEntry
	}
	var candidates []candidate
	for k, e := range t.index {
		age := now.Sub(time.Unix(e.createdUnix, 0))
		if age < t.minAge {
			continue
		}
		if e.lastDeletionAttempt != 0 && now.Sub(time.Unix(e.lastDeletionAttempt, 0)) < t.retryAfter {
			continue
		}
		candidates = append(candidates, candidate{key: k, entry: e})
	}
	t.mu.Unlock()

	// Least-accessed first; oldest first among equal access counts.
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if evictBefore(candidates[j].entry, candidates[i].entry) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	for _, c := range candidates {
		if t.maxBytes > 0 && t.curBytes.Load()+need <= t.maxBytes {
			return
		}
		fullPath := filepath.Join(t.root, c.entry.relativePath)
		if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.mu.Lock()
			c.entry.lastDeletionAttempt = now.Unix()
			t.mu.Unlock()
			continue
		}

		t.mu.Lock()
		if cur, ok := t.index[c.key]; ok && cur == c.entry {
			delete(t.index, c.key)
			t.curBytes.Add(-c.entry.diskSize)
		}
		t.mu.Unlock()

		_ = t.appendLog(logRecord{
			Source:    c.key.Source,
			Variant:   c.key.Variant,
			EntryType: entryDelete,
		})
	}
}

// evictBefore reports whether a should be evicted before b.
func evictBefore(a, b *indexEntry) bool {
	if a.accessCount != b.accessCount {
		return a.accessCount < b.accessCount
	}
	return a.createdUnix < b.createdUnix
}

// Close flushes the metadata log file handle.
func (t *Tier) Close() error {
	if t.logFile == nil {
		return nil
	}
	return t.logFile.Close()
}
