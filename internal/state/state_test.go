package state

import (
	"testing"
	"time"

	"github.com/scalebox/scalebox/internal/vmmodel"
)

func sampleVM(id, name string) *vmmodel.VM {
	return &vmmodel.VM{
		ID:        id,
		Name:      name,
		Template:  "debian-base",
		IP:        "172.16.0.5",
		Port:      42000,
		TAPDevice: "tap-aaaaaaaaaaaa",
		PID:       1234,
		CreatedAt: time.Now(),
	}
}

func TestFlushThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	r := NewRepository(dir)
	r.Put(sampleVM("vm-aaaaaaaaaaaa", "swift-amber-fox"))
	r.Put(sampleVM("vm-bbbbbbbbbbbb", "calm-jade-owl"))

	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r2 := NewRepository(dir)
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(r2.List()) != 2 {
		t.Fatalf("expected 2 VMs after reload, got %d", len(r2.List()))
	}
	v, ok := r2.Get("vm-aaaaaaaaaaaa")
	if !ok {
		t.Fatal("expected vm-aaaaaaaaaaaa to survive round trip")
	}
	if v.Name != "swift-amber-fox" || v.Port != 42000 {
		t.Fatalf("unexpected round-tripped VM: %+v", v)
	}
	if v.RootfsPath == "" {
		t.Fatal("expected RootfsPath to be recomputed on load")
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	r := NewRepository(dir)
	if err := r.Load(); err != nil {
		t.Fatalf("Load on fresh dataDir should succeed, got: %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected empty repository, got %d VMs", len(r.List()))
	}
}

func TestFindByIDOrName(t *testing.T) {
	dir := t.TempDir()
	r := NewRepository(dir)
	r.Put(sampleVM("vm-aaaaaaaaaaaa", "swift-amber-fox"))

	byID, err := r.FindByIDOrName("vm-aaaaaaaaaaaa")
	if err != nil || byID.Name != "swift-amber-fox" {
		t.Fatalf("lookup by id failed: %v", err)
	}

	byName, err := r.FindByIDOrName("swift-amber-fox")
	if err != nil || byName.ID != "vm-aaaaaaaaaaaa" {
		t.Fatalf("lookup by name failed: %v", err)
	}

	if _, err := r.FindByIDOrName("nope"); err == nil {
		t.Fatal("expected not-found error for unknown identifier")
	}
}

func TestDeleteRemovesFromRepository(t *testing.T) {
	dir := t.TempDir()
	r := NewRepository(dir)
	r.Put(sampleVM("vm-aaaaaaaaaaaa", "swift-amber-fox"))
	r.Delete("vm-aaaaaaaaaaaa")

	if _, ok := r.Get("vm-aaaaaaaaaaaa"); ok {
		t.Fatal("expected VM to be gone after Delete")
	}
	// Deleting an already-absent id must not panic or error.
	r.Delete("vm-aaaaaaaaaaaa")
}

func TestNameTakenAndTakenNames(t *testing.T) {
	dir := t.TempDir()
	r := NewRepository(dir)
	r.Put(sampleVM("vm-aaaaaaaaaaaa", "swift-amber-fox"))

	if !r.NameTaken("swift-amber-fox") {
		t.Fatal("expected name to be taken")
	}
	if r.NameTaken("unused-name") {
		t.Fatal("expected unused name to be free")
	}

	taken := r.TakenNames()
	if !taken["swift-amber-fox"] || len(taken) != 1 {
		t.Fatalf("unexpected taken-names set: %v", taken)
	}
}

func TestFlushOverwritesPreviousState(t *testing.T) {
	dir := t.TempDir()
	r := NewRepository(dir)
	r.Put(sampleVM("vm-aaaaaaaaaaaa", "swift-amber-fox"))
	if err := r.Flush(); err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	r.Delete("vm-aaaaaaaaaaaa")
	r.Put(sampleVM("vm-cccccccccccc", "calm-jade-owl"))
	if err := r.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	r2 := NewRepository(dir)
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(r2.List()) != 1 {
		t.Fatalf("expected exactly 1 VM after overwrite, got %d", len(r2.List()))
	}
	if _, ok := r2.Get("vm-cccccccccccc"); !ok {
		t.Fatal("expected the second VM to be present after overwrite")
	}
}
