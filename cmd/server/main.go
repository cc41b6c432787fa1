package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"tileworld.ai/internal/persistence/chunkdb"
	wlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/macro"
)

func main() {
	// A missing .env is normal; real env vars still win.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", envString("TW_ADDR", ":8080"), "http listen address")
		configDir  = flag.String("configs", envString("TW_CONFIGS", "./configs"), "config directory")
		tuningPath = flag.String("tuning", envString("TW_TUNING", ""), "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", envString("TW_DATA_DIR", "./data"), "runtime data directory")
		dbPath     = flag.String("db", envString("TW_DB", ""), "chunk store path (default: <data>/maps/<map_id>/chunks.sqlite)")
		seed       = flag.Uint64("seed", 0, "override the tuning seed (0 keeps it; env TW_SEED)")
		journal    = flag.Bool("journal", envBool("TW_JOURNAL", true), "journal chunk events as zstd jsonl")

		snapPath      = flag.String("snapshot", "", "snapshot to import before starting (optional)")
		loadLatest    = flag.Bool("load_latest_snapshot", true, "import the latest snapshot when the store holds no chunks for the map")
		snapshotEvery = flag.Duration("snapshot_every", envDuration("TW_SNAPSHOT_EVERY", 0), "periodic snapshot interval (0 disables)")
		snapshotKeep  = flag.Int("snapshot_keep", envInt("TW_SNAPSHOT_KEEP", 8), "snapshots to keep when pruning")

		logFile  = flag.String("log_file", envString("TW_LOG_FILE", ""), "also write logs to this rotating file")
		logLevel = flag.String("log_level", envString("TW_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	logger := newLogger(*logFile, *logLevel)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WithError(err).Fatal("load tuning")
		}
		logger.WithField("path", tp).Warn("tuning not found; using defaults")
		tune = tuning.Defaults()
	}
	if v := strings.TrimSpace(os.Getenv("TW_SEED")); v != "" && *seed == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*seed = n
		}
	}
	if *seed != 0 {
		tune.Seed = *seed
	}

	mapDir := filepath.Join(*dataDir, "maps", strconv.FormatInt(tune.MapID, 10))
	snapDir := filepath.Join(mapDir, "snapshots")
	if err := os.MkdirAll(mapDir, 0o755); err != nil {
		logger.WithError(err).Fatal("create map dir")
	}
	dbp := strings.TrimSpace(*dbPath)
	if dbp == "" {
		dbp = filepath.Join(mapDir, "chunks.sqlite")
	}
	db, err := chunkdb.Open(dbp)
	if err != nil {
		logger.WithError(err).Fatal("open chunk store")
	}
	defer db.Close()

	if err := restoreSnapshot(db, tune, *snapPath, *loadLatest, snapDir, logger); err != nil {
		logger.WithError(err).Fatal("restore snapshot")
	}
	if st, err := db.Stats(); err == nil {
		logger.WithFields(logrus.Fields{
			"path":       dbp,
			"terrain":    st.TerrainRows,
			"visibility": st.VisibilityRows,
			"size":       humanize.Bytes(uint64(st.FileBytes)),
		}).Info("chunk store open")
	}

	macros, err := macro.NewCache(16)
	if err != nil {
		logger.WithError(err).Fatal("macro cache")
	}
	defer macros.Close()

	opts := world.Options{
		Store:  db,
		Macros: macros,
		Log:    logger,
	}
	if *journal {
		opts.Journal = wlog.NewChunkJournal(mapDir)
	}
	w, err := world.New(tune, opts)
	if err != nil {
		logger.WithError(err).Fatal("world")
	}

	ctx, cancel := signalContext()
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("world stopped")
		}
	}()
	go snapshotLoop(ctx, w, db, snapDir, *snapshotEvery, *snapshotKeep, logger)

	mux := newMux(w, db, httpOptions{
		EnableAdmin: envBool("TW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		EnablePprof: envBool("TW_ENABLE_PPROF_HTTP", false),
		SnapshotDir: snapDir,
	}, logger)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.WithField("addr", *addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("ListenAndServe")
		cancel()
	}

	<-runDone
	if err := w.Close(); err != nil {
		logger.WithError(err).Error("world close")
	}
}

func newLogger(file, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.000000Z07:00"})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	if strings.TrimSpace(file) != "" {
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}))
	}
	return logger
}

// restoreSnapshot imports path, or the newest snapshot in snapDir when the
// store has nothing for the map yet.
func restoreSnapshot(db *chunkdb.Store, tune tuning.Tuning, path string, loadLatest bool, snapDir string, logger logrus.FieldLogger) error {
	path = strings.TrimSpace(path)
	if path == "" && loadLatest {
		keys, err := db.Keys(tune.MapID)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			path = latestSnapshot(snapDir)
		}
	}
	if path == "" {
		return nil
	}
	snap, n, err := world.ImportSnapshot(db, path, tune.MapID, tune.Seed)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"snapshot": filepath.Base(path),
		"chunks":   n,
		"created":  snap.Header.CreatedAt,
	}).Info("restored from snapshot")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
