package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// Kind identifies a document type and doubles as its storage key
// (file name stem, table row key, badger key suffix).
type Kind string

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Valid reports whether k can be used as a storage key.
func (k Kind) Valid() bool { return kindPattern.MatchString(string(k)) }

// Document is anything persisted through a Store.
type Document interface {
	StorageKind() Kind
}

// Store is the persistence port used by the broker and the relay.
//
// Load fills doc with the last saved version of its kind. Callers pass a
// freshly constructed value: if nothing was saved yet, or the backing record
// is empty, doc is left untouched and Load returns nil.
//
// Update runs load, mutate and save under one lock. If mutate returns
// ErrSkipSave nothing is written and Update returns nil; any other error
// aborts the cycle with nothing written.
type Store interface {
	Load(ctx context.Context, doc Document) error
	Save(ctx context.Context, doc Document) error
	Update(ctx context.Context, doc Document, mutate func() error) error
	Close() error
}

var (
	// ErrSkipSave is returned by an Update mutate func to commit nothing.
	ErrSkipSave = errors.New("storage: skip save")
	// ErrCorrupt marks a backing record that does not decode.
	ErrCorrupt = errors.New("storage: corrupt document")
	ErrClosed  = errors.New("storage: closed")
)

// Fault is a storage-medium or decoding failure.
type Fault struct {
	Op   string
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("storage %s %q: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Config configures storage.
//
// Driver values:
//   - "file" (default): one <kind>.json per document under Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "postgres", "mysql": server database reached through DSN
//   - "badger": badger directory at Path
//   - "memory": process-local, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Table       string        // sql drivers; default "chatbridge_documents"
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const DefaultTable = "chatbridge_documents"
