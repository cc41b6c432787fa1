package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.Seed != 1337 || tu.MapID != 1 {
		t.Fatalf("unexpected identity: %+v", tu)
	}
	if tu.MacroDims[0] != 64 || tu.MacroDims[1] != 64 {
		t.Fatalf("macro dims=%v", tu.MacroDims)
	}
	if tu.LoadBudget() != 4*time.Millisecond {
		t.Fatalf("budget=%v", tu.LoadBudget())
	}
	if tu.TickInterval() != 50*time.Millisecond {
		t.Fatalf("tick interval=%v", tu.TickInterval())
	}
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	tu, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	d := Defaults()
	if tu.Seed != d.Seed || tu.ChunkLoaderRadius != d.ChunkLoaderRadius || tu.PreloadRing != d.PreloadRing {
		t.Fatalf("expected defaults, got %+v", tu)
	}
}

func TestParse_PartialOverlay(t *testing.T) {
	tu, err := Parse([]byte("seed: 42\nchunk_loader_radius: 5\n"))
	if err != nil {
		t.Fatal(err)
	}
	if tu.Seed != 42 || tu.ChunkLoaderRadius != 5 {
		t.Fatalf("overlay failed: %+v", tu)
	}
	if tu.PreloadRing != Defaults().PreloadRing {
		t.Fatalf("preload ring=%d want default", tu.PreloadRing)
	}

	// The ring never grows past the loader radius.
	tu, err = Parse([]byte("chunk_loader_radius: 1\npreload_ring: 3\n"))
	if err != nil {
		t.Fatal(err)
	}
	if tu.PreloadRing != 1 {
		t.Fatalf("preload ring=%d want 1", tu.PreloadRing)
	}
	if tu.Walks != Defaults().Walks {
		t.Fatalf("untouched keys should keep defaults")
	}
}

func TestParse_SchemaRejects(t *testing.T) {
	cases := []string{
		"unknown_key: 1\n",
		"macro_dims: [64]\n",
		"macro_dims: [4, 4]\n",
		"wall_density_threshold: 1.5\n",
		"tick_rate_hz: fast\n",
		"seed: -1\n",
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%q: expected ErrInvalid, got %v", c, err)
		}
	}
}

func TestValidate_LargeRadius(t *testing.T) {
	tu := Defaults()
	tu.ChunkLoaderRadius = 40
	tu.Normalize()
	if err := tu.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParams(t *testing.T) {
	tu := Defaults()
	tu.MacroDims = []int{96, 80}
	tu.SmoothingIters = 2
	tu.WallDensityThreshold = 0.4
	mp := tu.MacroParams()
	if mp.W != 96 || mp.H != 80 || mp.SmoothIters != 2 {
		t.Fatalf("macro params=%+v", mp)
	}
	if gp := tu.GenParams(); gp.Threshold != 0.4 {
		t.Fatalf("gen params=%+v", gp)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}
