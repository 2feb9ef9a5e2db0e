package storage

import (
	logx "chatbridge/pkg/logx"
	"strings"

	"github.com/pkg/errors"
)

// Open initializes the configured store. An empty driver selects "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	var (
		be  backend
		err error
	)
	switch driver {
	case "file":
		be, err = openFile(cfg)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		be, err = openSQLite(cfg)
	case "postgres", "postgresql":
		driver = "postgres"
		be, err = openPostgres(cfg)
	case "mysql":
		be, err = openMySQL(cfg)
	case "badger":
		be, err = openBadger(cfg, log)
	case "memory":
		be = newMemory()
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s storage", driver)
	}
	log.Info("storage opened", logx.String("driver", driver))
	return newDocStore(driver, be, log), nil
}

// NewMemory returns an in-process store. Used by tests and dry runs.
func NewMemory() Store {
	return newDocStore("memory", newMemory(), logx.Nop())
}
