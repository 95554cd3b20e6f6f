package sqlite3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.miragespace.co/ringstore/spec/kv"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Entry struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

type Config struct {
	Logger  *zap.Logger
	DataDir string
}

type SqliteKV struct {
	logger *zap.Logger
	reader *gorm.DB
	writer *gorm.DB
	closed *atomic.Bool
}

var _ kv.Store = (*SqliteKV)(nil)

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if c.DataDir == "" {
		return fmt.Errorf("empty DataDir is invalid")
	}
	return nil
}

func New(cfg Config) (*SqliteKV, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dbDir := filepath.Join(cfg.DataDir, "sqlite3")
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dbDir, "db")

	logger := cfg.Logger.With(zap.String("component", "kv_sqlite3"))

	logRuntime(logger)

	reader, err := openDB(logger, dbPath, max(4, runtime.NumCPU()))
	if err != nil {
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	// a single writer connection avoids SQLITE_BUSY
	writer, err := openDB(logger, dbPath, 1)
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}

	if err := writer.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}

	return &SqliteKV{
		logger: logger,
		reader: reader,
		writer: writer,
		closed: atomic.NewBool(false),
	}, nil
}

func (s *SqliteKV) Get(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, kv.ErrClosed
	}
	entry := &Entry{
		Key: key,
	}
	resp := s.reader.WithContext(ctx).Select("value").Take(entry)
	if resp.Error != nil {
		if errors.Is(resp.Error, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, resp.Error
	}
	return entry.Value, true, nil
}

func (s *SqliteKV) Set(ctx context.Context, key string, value string) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	return s.writer.
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&Entry{
			Key:   key,
			Value: value,
		}).Error
}

func (s *SqliteKV) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	return s.writer.WithContext(ctx).Delete(&Entry{Key: key}).Error
}

func (s *SqliteKV) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, kv.ErrClosed
	}
	keys := make([]string, 0)
	tx := s.reader.WithContext(ctx).Model(&Entry{})
	if prefix != "" {
		tx = tx.Where("key >= ?", prefix)
		if end, ok := prefixEnd(prefix); ok {
			tx = tx.Where("key < ?", end)
		}
	}
	// BINARY collation matches Go string ordering
	if err := tx.Order("key").Pluck("key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *SqliteKV) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, g := range []*gorm.DB{s.reader, s.writer} {
		db, err := g.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}

// prefixEnd returns the smallest string greater than every string with the prefix
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
