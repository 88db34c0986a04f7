package proctrack

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
)

func TestTrackUntrack(t *testing.T) {
	tr := New("")

	tr.Track(101)
	tr.Track(102)
	got := tr.Tracked()
	slices.Sort(got)
	if !slices.Equal(got, []int{101, 102}) {
		t.Errorf("Tracked = %v", got)
	}

	tr.Untrack(101)
	if got := tr.Tracked(); len(got) != 1 || got[0] != 102 {
		t.Errorf("Tracked = %v", got)
	}

	// Untracking an unknown pid is a no-op.
	tr.Untrack(999)
	if got := tr.Tracked(); len(got) != 1 {
		t.Errorf("Tracked = %v", got)
	}
}

func TestPidFilePersistence(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pids", "afk.pids")
	tr := New(pidFile)

	tr.Track(201)
	tr.Track(202)

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("pid file: %v", err)
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		n, err := strconv.Atoi(line)
		if err != nil {
			t.Fatalf("bad line %q", line)
		}
		pids = append(pids, n)
	}
	slices.Sort(pids)
	if !slices.Equal(pids, []int{201, 202}) {
		t.Errorf("persisted pids = %v", pids)
	}

	tr.Untrack(201)
	data, err = os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "202" {
		t.Errorf("pid file after untrack = %q", data)
	}
}

func TestCleanupStaleRemovesFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "afk.pids")
	// Huge PIDs cannot belong to live processes, so the signal is a
	// guaranteed no-op.
	if err := os.WriteFile(pidFile, []byte("99999999\nnot-a-pid\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := New(pidFile)
	tr.CleanupStale()

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("pid file survived cleanup: %v", err)
	}
}

func TestCleanupStaleWithoutFile(t *testing.T) {
	tr := New(filepath.Join(t.TempDir(), "absent.pids"))
	tr.CleanupStale() // must not panic or create the file

	tr = New("")
	tr.CleanupStale()
}
