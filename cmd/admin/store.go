package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/store"
)

func printJSON(out io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(out, string(b))
}

func mapsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("maps", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()
	ids, err := db.MapIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func statsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()
	st, err := db.Stats()
	if err != nil {
		return err
	}
	keys, err := db.Keys(*sf.mapID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "store:      %s\n", db.Path())
	fmt.Fprintf(out, "size:       %s\n", humanize.Bytes(uint64(st.FileBytes)))
	fmt.Fprintf(out, "maps:       %d\n", st.Maps)
	fmt.Fprintf(out, "terrain:    %s rows\n", humanize.Comma(st.TerrainRows))
	fmt.Fprintf(out, "visibility: %s rows\n", humanize.Comma(st.VisibilityRows))
	fmt.Fprintf(out, "map %d:     %s chunks (%s of tiles)\n", *sf.mapID,
		humanize.Comma(int64(len(keys))), humanize.Bytes(uint64(len(keys)*store.ChunkTiles)))
	return nil
}

func keysCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keys", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()
	keys, err := db.Keys(*sf.mapID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		printJSON(out, struct {
			CX int `json:"cx"`
			CY int `json:"cy"`
		}{k.X, k.Y})
	}
	return nil
}

func deleteCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	cx := fs.Int("cx", 0, "chunk x")
	cy := fs.Int("cy", 0, "chunk y")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()
	c := store.Coord{X: *cx, Y: *cy}
	if err := db.Delete(*sf.mapID, c); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted map=%d chunk=%s\n", *sf.mapID, c)
	return nil
}

func exportCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	tf := addTuningFlags(fs)
	outPath := fs.String("out", "", "snapshot path (default: <data>/maps/<map>/snapshots/export.snap.zst)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	t, err := tf.load()
	if err != nil {
		return err
	}
	t.MapID = *sf.mapID
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()

	path := *outPath
	if path == "" {
		path = filepath.Join(filepath.Dir(sf.path()), "snapshots", "export.snap.zst")
	}
	n, err := world.ExportSnapshot(db, generator(t), t, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "export ok: map=%d chunks=%d out=%s\n", t.MapID, n, path)
	return nil
}

func importCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	in := fs.String("in", "", "snapshot path (required)")
	seed := fs.Uint64("expect_seed", 0, "refuse snapshots with another seed (0 accepts any)")
	keepMap := fs.Bool("keep_map", false, "import under the snapshot's own map id instead of -map")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *in == "" {
		return fmt.Errorf("%w: missing -in", errUsage)
	}
	db, err := sf.open()
	if err != nil {
		return err
	}
	defer db.Close()

	mapID := *sf.mapID
	if *keepMap {
		mapID = 0
	}
	snap, n, err := world.ImportSnapshot(db, *in, mapID, *seed)
	if err != nil {
		return err
	}
	if mapID == 0 {
		mapID = snap.Header.MapID
	}
	fmt.Fprintf(out, "import ok: map=%d seed=%d chunks=%d created=%s\n", mapID, snap.Seed, n, snap.Header.CreatedAt)
	return nil
}
