package obslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")

	l, err := New(os.Stderr, 0, auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Audit("tokenvalidate", EventTokenRejected, "failure", map[string]any{"status": 2}, nil)
	l.Audit("chainbuild", EventChainBuilt, "success", nil, nil)

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventTokenRejected || ev.Component != "tokenvalidate" || ev.Result != "failure" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestAuditWithoutPathIsNoop(t *testing.T) {
	l, err := New(os.Stderr, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	l.Audit("x", EventValidation, "success", nil, nil) // must not panic
}

func TestDiscardLogger(t *testing.T) {
	l := Discard()
	l.Info("hello")
	l.Warn("world")
	l.Audit("x", EventValidation, "success", nil, nil)
}
