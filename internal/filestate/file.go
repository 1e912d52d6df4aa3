// ABOUTME: Lock-guarded, hash-checked, atomically-written JSON documents on disk
// ABOUTME: Shared read-modify-write machinery for the credential store, config, and approvals

package filestate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Errors surfaced by Mutate. ErrConcurrentModification means the document
// changed since the caller read it; the caller should re-read and retry with
// a fresh base hash.
var (
	ErrConcurrentModification = errors.New("document changed since it was read")
	ErrLockUnavailable        = errors.New("could not acquire document lock")
)

const (
	lockRetryInitial = 10 * time.Millisecond
	lockRetryMax     = 250 * time.Millisecond
)

// Options configures a File.
type Options struct {
	// Schema, when non-nil, is a JSON Schema the document must validate
	// against before every write.
	Schema []byte
	// LockTimeout bounds how long a mutation waits for the inter-process
	// lock. Zero means 5 seconds.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// File is one durable JSON document mutated under an inter-process file
// lock with optimistic concurrency. Many readers may hold stale copies; the
// base-hash check on write is what guards them.
type File struct {
	path        string
	mu          sync.Mutex // serializes writers within this process; flock covers other processes
	lock        *flock.Flock
	schema      *jsonschema.Schema
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New creates a File at path. The parent directory is created eagerly so
// the lock file has somewhere to live.
func New(path string, opts Options) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &File{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: opts.LockTimeout,
		logger:      logger.With("component", "filestate", "path", path),
	}
	if f.lockTimeout <= 0 {
		f.lockTimeout = 5 * time.Second
	}

	if opts.Schema != nil {
		schema, err := compileSchema(opts.Schema)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", path, err)
		}
		f.schema = schema
	}
	return f, nil
}

// Path returns the document's location on disk, used in diagnostics.
func (f *File) Path() string {
	return f.path
}

// Read returns the current document bytes and their base hash. A missing
// document reports exists=false with empty data and hash.
func (f *File) Read() (data []byte, baseHash string, exists bool, err error) {
	data, err = os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return data, Hash(data), true, nil
}

// Mutate performs one guarded read-modify-write cycle: lock with bounded
// exponential backoff, re-read, compare baseHash (when supplied) against
// the freshly re-read content, apply fn, validate, write to a temp file and
// rename. The lock is held only for the duration of this call, never across
// RPC round-trips.
func (f *File) Mutate(ctx context.Context, baseHash string, fn func(current []byte) ([]byte, error)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.acquire(ctx); err != nil {
		return "", err
	}
	defer f.release()

	current, currentHash, exists, err := f.Read()
	if err != nil {
		return "", err
	}
	if baseHash != "" {
		if !exists || currentHash != baseHash {
			return "", fmt.Errorf("%w: %s", ErrConcurrentModification, f.path)
		}
	}

	updated, err := fn(current)
	if err != nil {
		return "", err
	}

	if f.schema != nil {
		if err := f.validate(updated); err != nil {
			return "", fmt.Errorf("validating %s: %w", f.path, err)
		}
	}

	if err := writeAtomic(f.path, updated); err != nil {
		return "", err
	}
	newHash := Hash(updated)
	f.logger.Debug("document written", "base_hash", shortHash(baseHash), "new_hash", shortHash(newHash))
	return newHash, nil
}

// acquire takes the inter-process lock, retrying with exponential backoff
// until the configured timeout.
func (f *File) acquire(ctx context.Context) error {
	deadline := time.Now().Add(f.lockTimeout)
	delay := lockRetryInitial
	for {
		ok, err := f.lock.TryLock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out after %s", ErrLockUnavailable, f.lockTimeout)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLockUnavailable, ctx.Err())
		}
		delay *= 2
		if delay > lockRetryMax {
			delay = lockRetryMax
		}
	}
}

func (f *File) release() {
	if err := f.lock.Unlock(); err != nil {
		f.logger.Warn("releasing document lock failed", "error", err)
	}
}

func (f *File) validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("document is not valid JSON: %w", err)
	}
	return f.schema.Validate(inst)
}

// writeAtomic writes data to a temp file in the target directory and
// renames it over the destination.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Hash is the content hash used as a base hash for optimistic writes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshaling schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("document.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	return c.Compile("document.json")
}
