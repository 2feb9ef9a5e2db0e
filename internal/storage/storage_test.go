package storage

import (
	logx "chatbridge/pkg/logx"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type counterDoc struct {
	N    int      `json:"n"`
	Tags []string `json:"tags,omitempty"`
}

func (*counterDoc) StorageKind() Kind { return "counter" }

type badKindDoc struct{}

func (badKindDoc) StorageKind() Kind { return "../escape" }

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data")}, logx.Nop())
	require.NoError(t, err)
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chatbridge.db")}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = sq

	bd, err := Open(Config{Driver: "badger", Path: filepath.Join(t.TempDir(), "badger")}, logx.Nop())
	require.NoError(t, err)
	out["badger"] = bd

	out["memory"] = NewMemory()

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestLoadMissingDocumentKeepsDefault(t *testing.T) {
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			d := &counterDoc{N: 7}
			require.NoError(t, s.Load(context.Background(), d))
			require.Equal(t, 7, d.N)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(ctx, &counterDoc{N: 3, Tags: []string{"a", "b"}}))
			got := &counterDoc{}
			require.NoError(t, s.Load(ctx, got))
			require.Equal(t, &counterDoc{N: 3, Tags: []string{"a", "b"}}, got)
		})
	}
}

func TestUpdateSerializesConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			const workers, rounds = 8, 25
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						d := &counterDoc{}
						err := s.Update(ctx, d, func() error {
							d.N++
							return nil
						})
						if err != nil {
							t.Error(err)
							return
						}
					}
				}()
			}
			wg.Wait()

			got := &counterDoc{}
			require.NoError(t, s.Load(ctx, got))
			require.Equal(t, workers*rounds, got.N)
		})
	}
}

func TestUpdateSkipSaveAndAbort(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Save(ctx, &counterDoc{N: 1}))

	d := &counterDoc{}
	require.NoError(t, s.Update(ctx, d, func() error {
		d.N = 100
		return ErrSkipSave
	}))

	boom := errors.New("boom")
	d = &counterDoc{}
	err := s.Update(ctx, d, func() error {
		d.N = 200
		return boom
	})
	require.ErrorIs(t, err, boom)

	got := &counterDoc{}
	require.NoError(t, s.Load(ctx, got))
	require.Equal(t, 1, got.N)
}

func TestFileDriverLayout(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := Open(Config{Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	// Reading creates an empty document file.
	require.NoError(t, s.Load(ctx, &counterDoc{}))
	body, err := os.ReadFile(filepath.Join(dir, "counter.json"))
	require.NoError(t, err)
	require.Empty(t, body)

	require.NoError(t, s.Save(ctx, &counterDoc{N: 2, Tags: []string{"x"}}))
	body, err = os.ReadFile(filepath.Join(dir, "counter.json"))
	require.NoError(t, err)
	require.Equal(t, "{\n  \"n\": 2,\n  \"tags\": [\n    \"x\"\n  ]\n}\n", string(body))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileDriverEmptyAndCorruptDocuments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.json"), []byte(" \n\t"), 0o600))
	d := &counterDoc{N: 5}
	require.NoError(t, s.Load(ctx, d))
	require.Equal(t, 5, d.N)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.json"), []byte("{\"n\": "), 0o600))
	err = s.Load(ctx, &counterDoc{})
	require.ErrorIs(t, err, ErrCorrupt)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "load", fault.Op)
	require.Equal(t, Kind("counter"), fault.Kind)

	// A corrupt document aborts Update before mutate runs.
	called := false
	err = s.Update(ctx, &counterDoc{}, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCorrupt)
	require.False(t, called)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chatbridge.db")

	s, err := Open(Config{Driver: "sqlite3", Path: path, Table: "docs"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &counterDoc{N: 11}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Driver: "sqlite", Path: path, Table: "docs"}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	got := &counterDoc{}
	require.NoError(t, s.Load(ctx, got))
	require.Equal(t, 11, got.N)
}

func TestRejectsBadInput(t *testing.T) {
	ctx := context.Background()

	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.ErrorContains(t, err, "postgres dsn is required")
	_, err = Open(Config{Driver: "MySQL"}, logx.Nop())
	require.ErrorContains(t, err, "mysql dsn is required")
	_, err = Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db"), Table: "drop table;"}, logx.Nop())
	require.Error(t, err)

	s := NewMemory()
	require.Error(t, s.Save(ctx, badKindDoc{}))
	require.Error(t, s.Load(ctx, nil))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Load(ctx, &counterDoc{}), ErrClosed)
}
