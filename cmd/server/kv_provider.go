package server

import (
	"fmt"
	"path/filepath"
	"time"

	"go.miragespace.co/ringstore/kv/aof"
	"go.miragespace.co/ringstore/kv/memory"
	"go.miragespace.co/ringstore/kv/sqlite3"
	"go.miragespace.co/ringstore/spec/kv"

	"go.uber.org/zap"
)

func noop() {}

// OpenKVProvider opens the storage backend named by option. The returned func closes it
func OpenKVProvider(logger *zap.Logger, datadir string, option string) (kv.Store, func(), error) {
	switch option {
	case "memory":
		s := memory.New()
		logger.Warn("Using memory as storage backend without persistence")
		return s, noop, nil
	case "aof":
		s, err := aof.New(aof.Config{
			Logger:        logger,
			DataDir:       datadir,
			FlushInterval: time.Second * 3,
		})
		if err != nil {
			return nil, nil, err
		}
		go s.Start()
		logger.Info("Using Append-only File backed memory storage backend")
		return s, func() { s.Close() }, nil
	case "sqlite":
		if err := sqlite3.Initialize(filepath.Join(datadir, "wazero")); err != nil {
			return nil, nil, fmt.Errorf("initializing sqlite runtime: %w", err)
		}
		s, err := sqlite3.New(sqlite3.Config{
			Logger:  logger,
			DataDir: datadir,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using SQLite storage backend")
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown kv provider: %s", option)
	}
}
