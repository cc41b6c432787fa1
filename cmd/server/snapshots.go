package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"tileworld.ai/internal/persistence/chunkdb"
	"tileworld.ai/internal/sim/world"
)

const snapSuffix = ".snap.zst"

// writeSnapshot flushes the running world and exports the store to
// <dir>/<tick>.snap.zst.
func writeSnapshot(ctx context.Context, w *world.World, db *chunkdb.Store, dir string) (string, int, error) {
	if err := w.Flush(ctx); err != nil {
		return "", 0, fmt.Errorf("flush: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d%s", w.CurrentTick(), snapSuffix))
	n, err := world.ExportSnapshot(db, w.Generator(), w.Config(), path)
	if err != nil {
		return "", 0, err
	}
	return path, n, nil
}

func snapshotLoop(ctx context.Context, w *world.World, db *chunkdb.Store, dir string, every time.Duration, keep int, logger logrus.FieldLogger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		path, n, err := writeSnapshot(wctx, w, db, dir)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("snapshot write failed")
			continue
		}
		fields := logrus.Fields{"path": filepath.Base(path), "chunks": n}
		if fi, err := os.Stat(path); err == nil {
			fields["size"] = humanize.Bytes(uint64(fi.Size()))
		}
		logger.WithFields(fields).Info("snapshot written")
		if removed := pruneSnapshots(dir, keep); removed > 0 {
			logger.WithField("removed", removed).Debug("old snapshots pruned")
		}
	}
}

type snapFile struct {
	path string
	tick uint64
}

func listSnapshots(dir string) []snapFile {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []snapFile
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, snapSuffix) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, snapSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, snapFile{path: filepath.Join(dir, name), tick: tick})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tick < out[j].tick })
	return out
}

func latestSnapshot(dir string) string {
	all := listSnapshots(dir)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1].path
}

// pruneSnapshots keeps the newest keep snapshots. keep <= 0 keeps everything.
func pruneSnapshots(dir string, keep int) int {
	if keep <= 0 {
		return 0
	}
	all := listSnapshots(dir)
	removed := 0
	for i := 0; i < len(all)-keep; i++ {
		if err := os.Remove(all[i].path); err == nil {
			removed++
		}
	}
	return removed
}
