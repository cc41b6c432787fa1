package log

import (
	"encoding/json"
	"testing"
	"time"
)

func TestChunkJournalRoundTrip(t *testing.T) {
	j := NewChunkJournal(t.TempDir())
	j.w.now = func() time.Time { return time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC) }

	want := []ChunkEvent{
		{Tick: 1, MapID: 7, Kind: "LOAD", CX: 0, CY: -1, Rects: 12},
		{Tick: 9, MapID: 7, Kind: "UNLOAD", CX: 0, CY: -1},
	}
	for _, ev := range want {
		if err := j.WriteChunkEvent(ev); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := j.Files()
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got []ChunkEvent
	err = ReadJSONLZstd(files[0], func(line []byte) error {
		var ev ChunkEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestJSONLZstdWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	if err := w.Write(map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"a": 2}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	j := &ChunkJournal{w: w}
	files, err := j.Files()
	if err != nil || len(files) != 2 {
		t.Fatalf("expected two hourly files, got %v err=%v", files, err)
	}
}
