package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"tileworld.ai/internal/persistence/chunkdb"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world"
)

func TestWriteMetrics(t *testing.T) {
	var buf bytes.Buffer
	writeMetrics(&buf, 7, world.Metrics{Tick: 42, Wanted: 25, Resident: 25, Preloaded: 16, Debt: 1500 * time.Microsecond})
	out := buf.String()
	for _, want := range []string{
		"# TYPE tileworld_world_tick gauge\n",
		"tileworld_world_tick{map=\"7\"} 42\n",
		"tileworld_resident_chunks{map=\"7\"} 25\n",
		"tileworld_wanted_chunks{map=\"7\"} 25\n",
		"tileworld_preloaded_chunks{map=\"7\"} 16\n",
		"tileworld_load_debt_us{map=\"7\"} 1500\n",
		"# TYPE tileworld_chunks_committed_total counter\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TW_TEST_BOOL", "true")
	t.Setenv("TW_TEST_INT", "-3")
	t.Setenv("TW_TEST_DUR", "90s")
	if !envBool("TW_TEST_BOOL", false) {
		t.Fatalf("envBool")
	}
	if envInt("TW_TEST_INT", 5) != 5 {
		t.Fatalf("negative ints should fall back to the default")
	}
	if envDuration("TW_TEST_DUR", 0) != 90*time.Second {
		t.Fatalf("envDuration")
	}
	if envString("TW_TEST_UNSET", "x") != "x" {
		t.Fatalf("envString default")
	}
	t.Setenv("DEPLOY_ENV", "production")
	if defaultEnableAdminHTTP() {
		t.Fatalf("admin should be off in production")
	}
}

func TestSnapshotListing(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"10.snap.zst", "9.snap.zst", "200.snap.zst", "junk.snap.zst", "5.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := filepath.Base(latestSnapshot(dir)); got != "200.snap.zst" {
		t.Fatalf("latest=%s", got)
	}
	if n := pruneSnapshots(dir, 2); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "9.snap.zst")); !os.IsNotExist(err) {
		t.Fatalf("oldest snapshot should be gone: %v", err)
	}
	if latestSnapshot(filepath.Join(dir, "missing")) != "" {
		t.Fatalf("missing dir should have no snapshot")
	}
}

func TestMuxServesHealthAndMetrics(t *testing.T) {
	db, err := chunkdb.Open(filepath.Join(t.TempDir(), "chunks.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	logger, _ := test.NewNullLogger()
	cfg := tuning.Defaults()
	cfg.Workers = 0
	w, err := world.New(cfg, world.Options{Store: db, Log: logger})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	srv := httptest.NewServer(newMux(w, db, httpOptions{EnableAdmin: true, SnapshotDir: t.TempDir()}, logger))
	defer srv.Close()

	for path, want := range map[string]string{
		"/healthz":        "ok",
		"/metrics":        "tileworld_world_tick{map=\"1\"} 0",
		"/v1/bootstrap":   "\"map_id\":1",
		"/admin/v1/state": "\"metrics\"",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			t.Fatalf("%s: status=%d body=%s", path, resp.StatusCode, body)
		}
	}
}
