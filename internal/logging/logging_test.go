package logging

import (
	"bytes"
	"io"
	"testing"
)

func TestLogAppendsToRingBuffer(t *testing.T) {
	l := New(Options{Writer: io.Discard, RingSize: 10})

	l.Log("info", "relay", "peer connected", map[string]any{"peerId": "p1"})

	snap := l.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(Snapshot()) = %d, want 1", len(snap))
	}
	if snap[0].Component != "relay" || snap[0].Message != "peer connected" {
		t.Fatalf("entry = %+v, unexpected", snap[0])
	}
}

func TestLogEvictsOldestWhenRingFull(t *testing.T) {
	l := New(Options{Writer: io.Discard, RingSize: 3})

	for i := 0; i < 5; i++ {
		l.Log("info", "relay", "message", nil)
	}

	if l.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", l.Size())
	}
}

func TestSetLevelRejectsInvalidLevel(t *testing.T) {
	l := New(Options{Writer: io.Discard})

	if err := l.SetLevel("not-a-level"); err == nil {
		t.Fatal("expected an error for an invalid level")
	}
}

func TestSetDebugModeForcesDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Writer: &buf, Level: "warn"})

	l.Log("debug", "relay", "below warn, should be filtered", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected no output at warn level for a debug message, got %q", buf.String())
	}

	buf.Reset()
	l.SetDebugMode(true)
	l.Log("debug", "relay", "now visible under debug mode", nil)
	if buf.Len() == 0 {
		t.Fatal("expected output once debug mode is enabled")
	}

	buf.Reset()
	l.SetDebugMode(false)
	l.Log("debug", "relay", "filtered again after disabling debug mode", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected filtering to resume after disabling debug mode, got %q", buf.String())
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	l := New(Options{Writer: io.Discard, RingSize: 10})
	l.Log("info", "relay", "first", nil)

	snap1 := l.Snapshot()
	l.Log("info", "relay", "second", nil)
	snap2 := l.Snapshot()

	if len(snap1) != 1 {
		t.Fatalf("first snapshot len = %d, want 1", len(snap1))
	}
	if len(snap2) != 2 {
		t.Fatalf("second snapshot len = %d, want 2", len(snap2))
	}
}
