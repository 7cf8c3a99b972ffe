package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sitzung-dev/sitzung/pkg/credential"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool", "snapshot.json")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := &credential.Snapshot{
		Cursor:  2,
		Active:  1,
		Version: 7,
		SavedAt: 1700000000,
		Slots: []credential.SlotSnapshot{
			{SlotID: 0, Status: credential.StatusEmpty},
			{
				SlotID: 1,
				Status: credential.StatusActive,
				Harvest: &credential.Harvest{
					URL:     "https://upstream.example/stream",
					Headers: map[string]string{"Content-Type": "application/json"},
					Cookie:  "session=abc",
					Body:    json.RawMessage(`{"model":"m"}`),
				},
				CapturedAt: 1700000000,
				Version:    7,
			},
		},
	}
	if err := store.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadSnapshot returned nil for an existing file")
	}
	if loaded.Version != 7 || loaded.Cursor != 2 || loaded.Active != 1 {
		t.Errorf("loaded snapshot = %+v", loaded)
	}
	if len(loaded.Slots) != 2 || loaded.Slots[1].Harvest == nil {
		t.Fatalf("loaded slots = %+v", loaded.Slots)
	}
	if loaded.Slots[1].Harvest.Cookie != "session=abc" {
		t.Errorf("loaded cookie = %q", loaded.Slots[1].Harvest.Cookie)
	}
}

func TestLoadMissingFile(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshot on missing file: %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot for missing file, got %+v", snap)
	}
}

func TestSnapshotFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.SaveSnapshot(context.Background(), &credential.Snapshot{Version: 1}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("snapshot file mode = %o, want 600", got)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.LoadSnapshot(context.Background()); err == nil {
		t.Error("expected parse error for corrupt snapshot")
	}
}
