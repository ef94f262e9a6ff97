package journal

import (
	"path/filepath"
	"testing"
)

func open(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSaveLoadDelete(t *testing.T) {
	j := open(t, filepath.Join(t.TempDir(), "journal.db"))

	if _, ok, err := j.Load(1); err != nil || ok {
		t.Fatalf("Load() on empty journal = ok=%v err=%v", ok, err)
	}

	if err := j.Save(1, "draft one"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := j.Save(2, "draft two"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	content, ok, err := j.Load(1)
	if err != nil || !ok || content != "draft one" {
		t.Fatalf("Load(1) = %q ok=%v err=%v", content, ok, err)
	}

	// A later save replaces the prior snapshot.
	if err := j.Save(1, "draft one v2"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if content, _, _ = j.Load(1); content != "draft one v2" {
		t.Errorf("Load(1) after resave = %q", content)
	}

	if err := j.Delete(1); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, ok, _ = j.Load(1); ok {
		t.Error("snapshot survived Delete")
	}
	if content, ok, _ = j.Load(2); !ok || content != "draft two" {
		t.Errorf("unrelated note affected by Delete: %q ok=%v", content, ok)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := j.Save(7, "kept across restarts"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	j.Close()

	j2 := open(t, path)
	content, ok, err := j2.Load(7)
	if err != nil || !ok || content != "kept across restarts" {
		t.Fatalf("Load() after reopen = %q ok=%v err=%v", content, ok, err)
	}
}

func TestDeleteMissing(t *testing.T) {
	j := open(t, filepath.Join(t.TempDir(), "journal.db"))
	if err := j.Delete(99); err != nil {
		t.Errorf("Delete() of a missing note = %v, want nil", err)
	}
}
