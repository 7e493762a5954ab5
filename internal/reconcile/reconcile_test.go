package reconcile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootfsNamePatternMatchesVMFiles(t *testing.T) {
	m := rootfsNamePattern.FindStringSubmatch("vm-aaaaaaaaaaaa.ext4")
	if m == nil || m[1] != "vm-aaaaaaaaaaaa" {
		t.Fatalf("expected a match extracting the id, got %v", m)
	}

	if rootfsNamePattern.FindStringSubmatch("debian-base.ext4") != nil {
		t.Fatal("expected template images not to match the vm rootfs pattern")
	}
}

func TestSocketPathPatternExtractsID(t *testing.T) {
	m := socketPathPattern.FindStringSubmatch("12345 /usr/bin/firecracker --api-sock /tmp/firecracker-vm-aaaaaaaaaaaa.sock")
	if m == nil || m[1] != "vm-aaaaaaaaaaaa" {
		t.Fatalf("expected socket path pattern to extract id, got %v", m)
	}
}

func TestTallyStringIncludesAllCounters(t *testing.T) {
	tally := Tally{VMsRecovered: 1, VMsOrphaned: 2, ProcessesKilled: 3, TAPsDeleted: 4, RootfsDeleted: 5}
	s := tally.String()
	for _, want := range []string{"recovered=1", "orphaned=2", "processesKilled=3", "tapsDeleted=4", "rootfsDeleted=5"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected tally string %q to contain %q", s, want)
		}
	}
}

func TestReapOrphanRootfsDeletesUntrackedVMImages(t *testing.T) {
	dir := t.TempDir()
	vmsDir := filepath.Join(dir, "vms")
	if err := os.MkdirAll(vmsDir, 0755); err != nil {
		t.Fatal(err)
	}

	tracked := filepath.Join(vmsDir, "vm-aaaaaaaaaaaa.ext4")
	orphan := filepath.Join(vmsDir, "vm-bbbbbbbbbbbb.ext4")
	for _, p := range []string{tracked, orphan} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var tally Tally
	reapOrphanRootfs(dir, map[string]bool{"vm-aaaaaaaaaaaa": true}, &tally)

	if _, err := os.Stat(tracked); err != nil {
		t.Fatal("expected tracked rootfs to survive")
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("expected orphaned rootfs to be deleted")
	}
	if tally.RootfsDeleted != 1 {
		t.Fatalf("expected RootfsDeleted=1, got %d", tally.RootfsDeleted)
	}
}

func TestReapOrphanRootfsIgnoresNonVMFiles(t *testing.T) {
	dir := t.TempDir()
	vmsDir := filepath.Join(dir, "vms")
	if err := os.MkdirAll(vmsDir, 0755); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(vmsDir, "notes.txt")
	if err := os.WriteFile(stray, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var tally Tally
	reapOrphanRootfs(dir, map[string]bool{}, &tally)

	if _, err := os.Stat(stray); err != nil {
		t.Fatal("expected non-matching file to survive untouched")
	}
	if tally.RootfsDeleted != 0 {
		t.Fatalf("expected RootfsDeleted=0, got %d", tally.RootfsDeleted)
	}
}
