package storage

import (
	logx "chatbridge/pkg/logx"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

const badgerKeyPrefix = "doc/"

type badgerBackend struct {
	db *badger.DB
}

func openBadger(cfg Config, log logx.Logger) (backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("badger path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log: log.With(logx.String("comp", "badger"))}).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) read(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	var body []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "badger get")
	}
	return body, nil
}

func (b *badgerBackend) write(ctx context.Context, key string, body []byte) error {
	_ = ctx
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key), body)
	})
	if err != nil {
		return errors.Wrap(err, "badger set")
	}
	return nil
}

func (b *badgerBackend) close() error { return b.db.Close() }

// badgerLogger adapts logx.Logger to badger.Logger.
type badgerLogger struct {
	log logx.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
