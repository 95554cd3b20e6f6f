package aof

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"go.miragespace.co/ringstore/kv/memory"
	"go.miragespace.co/ringstore/spec/kv"

	"github.com/tidwall/wal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	LogDir = "wal"
	// 2MiB per segment, four cached in memory
	segmentSize = 2 << 20
)

// DiskKV serves reads from memory and persists every mutation to an append only log first
type DiskKV struct {
	writeBarrier  sync.RWMutex
	logger        *zap.Logger
	memKv         *memory.MemoryKV
	queue         chan *mutationReq
	log           *wal.Log
	closeCh       chan struct{}
	closeWg       sync.WaitGroup
	closed        *atomic.Bool
	counter       uint64
	flushInterval time.Duration
}

type Config struct {
	Logger        *zap.Logger
	DataDir       string
	FlushInterval time.Duration
}

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if c.DataDir == "" {
		return fmt.Errorf("empty DataDir is invalid")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("non-positive FlushInterval is invalid")
	}
	return nil
}

type mutationReq struct {
	mut *mutation
	err chan error
}

func logPath(dir string) string {
	return filepath.Join(dir, LogDir)
}

func New(cfg Config) (*DiskKV, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l, err := wal.Open(logPath(cfg.DataDir), &wal.Options{
		SegmentSize:      segmentSize,
		SegmentCacheSize: 4,
		LogFormat:        wal.Binary,
		NoSync:           true,
		NoCopy:           true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening mutation log: %w", err)
	}
	d := &DiskKV{
		logger:        cfg.Logger.With(zap.String("component", "kv_aof")),
		memKv:         memory.New(),
		queue:         make(chan *mutationReq),
		log:           l,
		closeCh:       make(chan struct{}),
		closed:        atomic.NewBool(false),
		flushInterval: cfg.FlushInterval,
	}
	d.logger.Info("Using append only log for kv storage", zap.String("dir", cfg.DataDir))

	if err := d.replayLogs(); err != nil {
		l.Close()
		return nil, err
	}

	d.closeWg.Add(1)

	return d, nil
}

// Start runs the writer loop until Close. Mutations block until it is running
func (d *DiskKV) Start() {
	defer d.closeWg.Done()

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	d.logger.Info("Periodically flushing logs to disk", zap.Duration("interval", d.flushInterval))

	dirty := false
	for {
		select {
		case <-d.closeCh:
			return
		case <-ticker.C:
			if dirty {
				d.flush()
				dirty = false
			}
		case req := <-d.queue:
			req.err <- d.apply(req.mut)
			dirty = true
		}
	}
}

func (d *DiskKV) flush() {
	if err := d.log.Sync(); err != nil {
		d.logger.Error("Error flushing logs periodically", zap.Error(err))
	}
}

// apply logs mut before changing memory, undoing the log entry if memory rejects it
func (d *DiskKV) apply(mut *mutation) error {
	if err := d.appendLog(mut); err != nil {
		d.logger.Error("Error appending mutation log",
			zap.String("mutation", mut.Op.String()),
			zap.Error(err))
		return fs.ErrInvalid
	}
	if err := d.handleMutation(mut); err != nil {
		d.rollbackOne(mut, err)
		return err
	}
	return nil
}

func (d *DiskKV) Close() error {
	d.writeBarrier.Lock()
	defer d.writeBarrier.Unlock()

	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(d.closeCh)
	d.closeWg.Wait()

	d.logger.Info("Flushing logs to disk")

	if err := d.log.Sync(); err != nil {
		d.logger.Error("Error flushing logs to disk", zap.Error(err))
	}
	if err := d.log.Close(); err != nil {
		d.logger.Error("Error closing log file", zap.Error(err))
		return err
	}
	return nil
}

var _ kv.Store = (*DiskKV)(nil)

func (d *DiskKV) Get(ctx context.Context, key string) (string, bool, error) {
	if d.closed.Load() {
		return "", false, kv.ErrClosed
	}
	return d.memKv.Get(ctx, key)
}

func (d *DiskKV) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if d.closed.Load() {
		return nil, kv.ErrClosed
	}
	return d.memKv.ListKeys(ctx, prefix)
}
