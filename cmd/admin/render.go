package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"tileworld.ai/internal/sim/world/terrain/collision"
	"tileworld.ai/internal/sim/world/terrain/macro"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// visRamp maps visibility 0..255 onto ten glyphs, darkest first.
const visRamp = " .:-=+*#%@"

func macroCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("macro", flag.ContinueOnError)
	tf := addTuningFlags(fs)
	depth := fs.Int("depth", 0, "dungeon depth")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	t, err := tf.load()
	if err != nil {
		return err
	}
	m := macro.Generate(t.Seed, *depth, t.MacroParams())
	fmt.Fprintf(out, "seed=%d depth=%d size=%dx%d open=%d\n", t.Seed, *depth, m.W, m.H, m.OpenCount())
	renderMacro(out, m)
	return nil
}

func renderMacro(out io.Writer, m *macro.Map) {
	sx, sy, ok := m.SpawnCell()
	var b strings.Builder
	for y := 0; y < m.H; y++ {
		b.Reset()
		for x := 0; x < m.W; x++ {
			switch {
			case ok && x == sx && y == sy:
				b.WriteByte('S')
			case m.At(x, y):
				b.WriteByte('#')
			default:
				b.WriteByte('.')
			}
		}
		fmt.Fprintln(out, b.String())
	}
}

func chunkCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("chunk", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	tf := addTuningFlags(fs)
	cx := fs.Int("cx", 0, "chunk x")
	cy := fs.Int("cy", 0, "chunk y")
	fromStore := fs.Bool("stored", false, "read the chunk from the store instead of generating it")
	vis := fs.Bool("vis", false, "render visibility instead of tiles (implies -stored)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	c := store.Coord{X: *cx, Y: *cy}

	var tiles *store.Tiles
	var v *store.Visibility
	source := "generated"
	if *fromStore || *vis {
		db, err := sf.open()
		if err != nil {
			return err
		}
		defer db.Close()
		tiles, v, err = db.LoadChunk(*sf.mapID, c)
		switch {
		case errors.Is(err, store.ErrBlobSize):
			fmt.Fprintf(out, "warning: %v\n", err)
		case err != nil:
			return err
		}
		source = "stored"
	}
	if tiles == nil {
		t, err := tf.load()
		if err != nil {
			return err
		}
		tiles = generator(t).GenerateChunk(c)
		if source == "stored" {
			source = "generated (not stored)"
		}
	}

	rects := collision.Decompose(tiles)
	fmt.Fprintf(out, "chunk=%s source=%s walls=%d rects=%d\n", c, source, tiles.WallCount(), len(rects))
	if *vis {
		if v == nil {
			v = &store.Visibility{}
		}
		renderVisibility(out, v)
		return nil
	}
	renderTiles(out, tiles)
	return nil
}

func renderTiles(out io.Writer, t *store.Tiles) {
	var b strings.Builder
	for y := 0; y < store.ChunkSize; y++ {
		b.Reset()
		for x := 0; x < store.ChunkSize; x++ {
			if t.At(x, y) == store.Wall {
				b.WriteByte('#')
			} else {
				b.WriteByte('.')
			}
		}
		fmt.Fprintln(out, b.String())
	}
}

func renderVisibility(out io.Writer, v *store.Visibility) {
	var b strings.Builder
	for y := 0; y < store.ChunkSize; y++ {
		b.Reset()
		for x := 0; x < store.ChunkSize; x++ {
			b.WriteByte(visRamp[int(v.At(x, y))*(len(visRamp)-1)/255])
		}
		fmt.Fprintln(out, b.String())
	}
}
