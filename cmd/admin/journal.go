package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	wlog "tileworld.ai/internal/persistence/log"
)

func journalCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	mapID := fs.Int64("map", 1, "map id")
	kind := fs.String("kind", "", "only events of this kind (LOAD, UNLOAD)")
	chunk := fs.String("chunk", "", "only events for this chunk, as cx,cy")
	sinceTick := fs.Uint64("since_tick", 0, "skip events before this tick")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	var want *[2]int
	if s := strings.TrimSpace(*chunk); s != "" {
		c, err := parseChunk(s)
		if err != nil {
			return fmt.Errorf("%w: bad -chunk: %v", errUsage, err)
		}
		want = &c
	}

	dir := filepath.Join(*dataDir, "maps", strconv.FormatInt(*mapID, 10), "chunks")
	files, err := filepath.Glob(filepath.Join(dir, "chunks-*.jsonl.zst"))
	if err != nil {
		return err
	}
	n := 0
	for _, path := range files {
		err := wlog.ReadJSONLZstd(path, func(line []byte) error {
			var ev wlog.ChunkEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if ev.Tick < *sinceTick {
				return nil
			}
			if *kind != "" && !strings.EqualFold(ev.Kind, *kind) {
				return nil
			}
			if want != nil && (ev.CX != want[0] || ev.CY != want[1]) {
				return nil
			}
			n++
			printJSON(out, ev)
			return nil
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "%d events in %d files\n", n, len(files))
	return nil
}

func parseChunk(s string) ([2]int, error) {
	var c [2]int
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return c, fmt.Errorf("expected cx,cy")
	}
	for i := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return c, err
		}
		c[i] = n
	}
	return c, nil
}
