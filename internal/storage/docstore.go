package storage

import (
	"bytes"
	logx "chatbridge/pkg/logx"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// backend is a dumb byte store keyed by document kind.
// read returns (nil, nil) when the key was never written.
type backend interface {
	read(ctx context.Context, key string) ([]byte, error)
	write(ctx context.Context, key string, body []byte) error
	close() error
}

// docStore adds JSON encoding and the process-wide lock on top of a backend.
type docStore struct {
	mu     sync.Mutex
	be     backend
	driver string
	log    logx.Logger
	closed bool
}

var _ Store = (*docStore)(nil)

func newDocStore(driver string, be backend, log logx.Logger) *docStore {
	return &docStore{be: be, driver: driver, log: log.With(logx.String("driver", driver))}
}

func (s *docStore) Load(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, doc)
}

func (s *docStore) Save(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, doc)
}

func (s *docStore) Update(ctx context.Context, doc Document, mutate func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx, doc); err != nil {
		return err
	}
	if mutate != nil {
		if err := mutate(); err != nil {
			if errors.Is(err, ErrSkipSave) {
				return nil
			}
			return err
		}
	}
	return s.saveLocked(ctx, doc)
}

func (s *docStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.be.close()
}

func (s *docStore) loadLocked(ctx context.Context, doc Document) error {
	kind, err := s.check("load", doc)
	if err != nil {
		return err
	}
	body, err := s.be.read(ctx, string(kind))
	if err != nil {
		return &Fault{Op: "load", Kind: kind, Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, doc); err != nil {
		s.log.Error("stored document does not decode", logx.String("kind", string(kind)), logx.Err(err))
		return &Fault{Op: "load", Kind: kind, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	return nil
}

func (s *docStore) saveLocked(ctx context.Context, doc Document) error {
	kind, err := s.check("save", doc)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &Fault{Op: "save", Kind: kind, Err: errors.Wrap(err, "encode")}
	}
	body = append(body, '\n')
	if err := s.be.write(ctx, string(kind), body); err != nil {
		return &Fault{Op: "save", Kind: kind, Err: err}
	}
	s.log.Trace("document saved", logx.String("kind", string(kind)), logx.Int("bytes", len(body)))
	return nil
}

func (s *docStore) check(op string, doc Document) (Kind, error) {
	if doc == nil {
		return "", &Fault{Op: op, Err: errors.New("nil document")}
	}
	kind := doc.StorageKind()
	if !kind.Valid() {
		return kind, &Fault{Op: op, Kind: kind, Err: errors.New("invalid document kind")}
	}
	if s.closed {
		return kind, &Fault{Op: op, Kind: kind, Err: ErrClosed}
	}
	return kind, nil
}
