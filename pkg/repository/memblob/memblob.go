// Package memblob is an in-memory fake of objstore.Bucket, used so
// pkg/repository tests exercise the real
// compare-and-swap code paths without talking to a filesystem or network
// blob store.
package memblob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thanos-io/thanos/pkg/objstore"
)

var errNotFound = errors.New("memblob: object not found")

// Bucket is a goroutine-safe in-memory objstore.Bucket.
type Bucket struct {
	mu      sync.RWMutex
	name    string
	objects map[string][]byte
}

// New returns an empty named bucket.
func New(name string) *Bucket {
	return &Bucket{name: name, objects: make(map[string][]byte)}
}

// Upload implements objstore.Bucket.
func (b *Bucket) Upload(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = data
	return nil
}

// Delete implements objstore.Bucket; deleting a missing object is not an
// error, matching the real blob-store contract this fake stands in for.
func (b *Bucket) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, name)
	return nil
}

// Iter implements objstore.Bucket, calling f for every object whose name
// has the given dir prefix.
func (b *Bucket) Iter(_ context.Context, dir string, f func(string) error, _ ...objstore.IterOption) error {
	b.mu.RLock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, dir) {
			names = append(names, name)
		}
	}
	b.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if err := f(name); err != nil {
			return err
		}
	}
	return nil
}

// Get implements objstore.Bucket.
func (b *Bucket) Get(_ context.Context, name string) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.objects[name]
	b.mu.RUnlock()
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetRange implements objstore.Bucket.
func (b *Bucket) GetRange(_ context.Context, name string, off, length int64) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.objects[name]
	b.mu.RUnlock()
	if !ok {
		return nil, errNotFound
	}
	if off >= int64(len(data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := off + length
	if length < 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[off:end])), nil
}

// Exists implements objstore.Bucket.
func (b *Bucket) Exists(_ context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[name]
	return ok, nil
}

// IsObjNotFoundErr implements objstore.Bucket.
func (b *Bucket) IsObjNotFoundErr(err error) bool {
	return errors.Is(err, errNotFound)
}

// IsAccessDeniedErr implements objstore.Bucket; this fake never denies.
func (b *Bucket) IsAccessDeniedErr(error) bool {
	return false
}

// Attributes implements objstore.Bucket.
func (b *Bucket) Attributes(_ context.Context, name string) (objstore.ObjectAttributes, error) {
	b.mu.RLock()
	data, ok := b.objects[name]
	b.mu.RUnlock()
	if !ok {
		return objstore.ObjectAttributes{}, errNotFound
	}
	return objstore.ObjectAttributes{Size: int64(len(data)), LastModified: time.Now()}, nil
}

// Close implements objstore.Bucket.
func (b *Bucket) Close() error {
	return nil
}

// Name implements objstore.Bucket.
func (b *Bucket) Name() string {
	return b.name
}

// Corrupt overwrites name with garbage bytes, used by tests grounding the
// corrupted-index-N scenario.
func (b *Bucket) Corrupt(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = []byte("\x00\x01not-json-garbage")
}

// Rename moves an object from src to dst out-of-band, used by tests
// grounding the concurrent-external-mutation scenario.
func (b *Bucket) Rename(src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[src]
	if !ok {
		return errNotFound
	}
	delete(b.objects, src)
	b.objects[dst] = data
	return nil
}
