package sqlite3

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"github.com/ncruces/go-sqlite3/vfs"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
	"gorm.io/gorm"
	"moul.io/zapgorm2"
)

// 64KiB wasm pages, 32MiB in total. Larger limits fail with EAGAIN on illumos/amd64
const memoryLimitPages = 512

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// wazero only ships a compiler for these targets
func compilerSupported() bool {
	switch runtime.GOOS {
	case "linux", "android", "windows", "darwin",
		"freebsd", "netbsd", "dragonfly", "solaris", "illumos":
	default:
		return false
	}
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasSSE41
	case "arm64":
		return true
	}
	return false
}

func runtimeConfig(cache wazero.CompilationCache) wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfigInterpreter()
	if compilerSupported() {
		cfg = wazero.NewRuntimeConfigCompiler()
	}
	return cfg.
		WithMemoryLimitPages(memoryLimitPages).
		WithCompilationCache(cache)
}

// Initialize prepares the embedded SQLite runtime, caching compiled modules under cacheDir.
// Only the first call has any effect; later calls return its result.
func Initialize(cacheDir string) error {
	runtimeOnce.Do(func() {
		cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			runtimeErr = fmt.Errorf("opening compilation cache: %w", err)
			return
		}
		sqlite3.RuntimeConfig = runtimeConfig(cache)
		runtimeErr = sqlite3.Initialize()
	})
	return runtimeErr
}

const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(1)&_txlock=immediate"

// openDB opens a gorm handle on the database at dbPath with at most maxConns connections
func openDB(logger *zap.Logger, dbPath string, maxConns int) (*gorm.DB, error) {
	gormLogger := zapgorm2.New(logger)
	gormLogger.IgnoreRecordNotFoundError = true
	gormLogger.SlowThreshold = time.Millisecond * 500

	db, err := gorm.Open(gormlite.Open(fmt.Sprintf("file:%s?%s", dbPath, pragmas)), &gorm.Config{
		Logger:         gormLogger,
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxConns)
	return db, nil
}

func logRuntime(logger *zap.Logger) {
	logger.Info("SQLite via wazero",
		zap.Bool("compiler", compilerSupported()),
		zap.Bool("lock", vfs.SupportsFileLocking),
		zap.Bool("shm", vfs.SupportsSharedMemory),
	)
}
