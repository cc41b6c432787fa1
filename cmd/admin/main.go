package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tileworld.ai/internal/persistence/chunkdb"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world/terrain/gen"
	"tileworld.ai/internal/sim/world/terrain/macro"
)

// errUsage marks bad flags; main exits 2 for it.
var errUsage = errors.New("usage")

var commands = map[string]func(args []string, out io.Writer) error{
	"maps":     mapsCmd,
	"stats":    statsCmd,
	"keys":     keysCmd,
	"delete":   deleteCmd,
	"export":   exportCmd,
	"import":   importCmd,
	"macro":    macroCmd,
	"chunk":    chunkCmd,
	"journal":  journalCmd,
	"state":    stateCmd,
	"snapshot": snapshotCmd,
}

func main() {
	name := "maps"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		os.Exit(2)
	}
	if err := cmd(args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, name+":", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// storeFlags are shared by every command that opens the chunk store.
type storeFlags struct {
	dataDir *string
	mapID   *int64
	dbPath  *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		dataDir: fs.String("data", "./data", "runtime data directory"),
		mapID:   fs.Int64("map", 1, "map id"),
		dbPath:  fs.String("db", "", "chunk store path (default: <data>/maps/<map>/chunks.sqlite)"),
	}
}

func (f storeFlags) path() string {
	if p := strings.TrimSpace(*f.dbPath); p != "" {
		return p
	}
	return filepath.Join(*f.dataDir, "maps", strconv.FormatInt(*f.mapID, 10), "chunks.sqlite")
}

func (f storeFlags) open() (*chunkdb.Store, error) {
	return chunkdb.Open(f.path())
}

// tuningFlags load tuning.yaml with an optional seed override.
type tuningFlags struct {
	path *string
	seed *uint64
}

func addTuningFlags(fs *flag.FlagSet) tuningFlags {
	return tuningFlags{
		path: fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml"),
		seed: fs.Uint64("seed", 0, "override the tuning seed (0 keeps it)"),
	}
}

func (f tuningFlags) load() (tuning.Tuning, error) {
	t, err := tuning.Load(*f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return t, err
		}
		t = tuning.Defaults()
	}
	if *f.seed != 0 {
		t.Seed = *f.seed
	}
	return t, nil
}

func generator(t tuning.Tuning) *gen.Generator {
	m := macro.Generate(t.Seed, 0, t.MacroParams())
	return gen.New(m, t.Seed, t.GenParams())
}
