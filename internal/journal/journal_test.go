package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type entry struct {
	ID  string `json:"id"`
	Net string `json:"net"`
}

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "outcomes.ndjson")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Append(entry{ID: "a", Net: "0.02"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(entry{ID: "b", Net: "-0.01"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := reopened.Append(entry{ID: "c"}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	_ = reopened.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer f.Close()
	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %q is not json: %v", scanner.Text(), err)
		}
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected records %v", ids)
	}
}

func TestAppendAfterClose(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "shadow.ndjson"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = w.Close()
	if err := w.Append(entry{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
