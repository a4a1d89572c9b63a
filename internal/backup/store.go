package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrObjectNotFound is returned by store operations on a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object. Digest is the hex SHA-256 of the
// stored bytes, or empty when the store cannot report one server-side.
type ObjectInfo struct {
	Digest string
	Size   int64
}

// ObjectEntry is one item of a listing.
type ObjectEntry struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// ObjectStore is the object storage protocol the backup pipeline consumes.
// Implementations must make Put overwrite an existing key, never duplicate.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, sha256Hex string, metadata map[string]string) error
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectEntry, error)
}

// MemoryStore is an in-process ObjectStore used by tests and dry runs.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]memoryObject
	headless bool // simulate a store without server-side digests

	// Optional failure injection: PutErr is consumed once per call while
	// the counter is positive.
	putFailures int
	corruptPuts int
}

type memoryObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// FailPuts makes the next n Put calls fail.
func (m *MemoryStore) FailPuts(n int) {
	m.mu.Lock()
	m.putFailures = n
	m.mu.Unlock()
}

// CorruptNextPut silently flips a byte of the next stored object, so the
// post-upload verification sees a digest mismatch.
func (m *MemoryStore) CorruptNextPut() {
	m.CorruptPuts(1)
}

// CorruptPuts corrupts the next n stored objects.
func (m *MemoryStore) CorruptPuts(n int) {
	m.mu.Lock()
	m.corruptPuts = n
	m.mu.Unlock()
}

// DisableServerDigest makes Head report no digest, forcing clients onto the
// download-and-rehash path.
func (m *MemoryStore) DisableServerDigest() {
	m.mu.Lock()
	m.headless = true
	m.mu.Unlock()
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, sha256Hex string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putFailures > 0 {
		m.putFailures--
		return errors.New("injected put failure")
	}
	if m.corruptPuts > 0 && len(data) > 0 {
		m.corruptPuts--
		data = append([]byte(nil), data...)
		data[0] ^= 0xFF
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	m.objects[key] = memoryObject{data: data, metadata: meta, modified: time.Now()}
	return nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}

	info := ObjectInfo{Size: int64(len(obj.data))}
	if !m.headless {
		sum := sha256.Sum256(obj.data)
		info.Digest = hex.EncodeToString(sum[:])
	}
	return info, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []ObjectEntry
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		meta := make(map[string]string, len(obj.metadata))
		for k, v := range obj.metadata {
			meta[k] = v
		}
		entries = append(entries, ObjectEntry{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
			Metadata:     meta,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
