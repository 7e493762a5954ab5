// Package state is the VM repository: an in-memory map backed by a
// single JSON file, persisted with a write-temp-then-rename so a crash
// mid-write can never leave state.json truncated or half-written.
// Adapted from the teacher's Postgres-backed pkg/storage/storage.go
// VMRepository to the file-backed store spec §4.7 requires. Repository
// is a concrete type; no interface is defined over it.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scalebox/scalebox/internal/apierr"
	"github.com/scalebox/scalebox/internal/vmmodel"
)

// Repository holds the authoritative in-memory VM set and flushes it to
// a JSON file on disk.
type Repository struct {
	mu      sync.RWMutex
	vms     map[string]*vmmodel.VM
	dataDir string
	path    string
}

// NewRepository creates an empty Repository rooted at dataDir.
func NewRepository(dataDir string) *Repository {
	return &Repository{
		vms:     make(map[string]*vmmodel.VM),
		dataDir: dataDir,
		path:    filepath.Join(dataDir, "state.json"),
	}
}

// Load reads state.json if present, rebuilding the in-memory VM set.
// A missing file is not an error: it means a fresh dataDir.
func (r *Repository) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.path, err)
	}

	var records []vmmodel.PersistedVM
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}

	for _, p := range records {
		r.vms[p.ID] = vmmodel.FromPersisted(p, r.dataDir)
	}
	return nil
}

// Flush atomically writes the current VM set to state.json as a JSON
// array of persisted records (spec §6): marshal, write to a sibling
// temp file, fsync, then rename over the target so readers never
// observe a partial write.
func (r *Repository) Flush() error {
	r.mu.RLock()
	records := make([]vmmodel.PersistedVM, 0, len(r.vms))
	for _, v := range r.vms {
		records = append(records, v.ToPersisted())
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(r.dataDir, "state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp state file onto %s: %w", r.path, err)
	}
	return nil
}

// Put inserts or replaces a VM record.
func (r *Repository) Put(v *vmmodel.VM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vms[v.ID] = v
}

// Delete removes a VM record by id. Absence is not an error.
func (r *Repository) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vms, id)
}

// Get returns a VM by id.
func (r *Repository) Get(id string) (*vmmodel.VM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vms[id]
	return v, ok
}

// FindByIDOrName resolves an identifier that may be either the opaque
// id or the human-readable name, per spec §4.10's dual-lookup contract.
func (r *Repository) FindByIDOrName(idOrName string) (*vmmodel.VM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if v, ok := r.vms[idOrName]; ok {
		return v, nil
	}
	for _, v := range r.vms {
		if v.Name == idOrName {
			return v, nil
		}
	}
	return nil, apierr.New(apierr.NotFound, fmt.Sprintf("no VM with id or name %q", idOrName))
}

// NameTaken reports whether name is already in use by a live VM.
func (r *Repository) NameTaken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.vms {
		if v.Name == name {
			return true
		}
	}
	return false
}

// TakenNames returns the set of names currently in use, for the name
// generator's collision check.
func (r *Repository) TakenNames() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	taken := make(map[string]bool, len(r.vms))
	for _, v := range r.vms {
		taken[v.Name] = true
	}
	return taken
}

// List returns every live VM, in no particular order.
func (r *Repository) List() []*vmmodel.VM {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*vmmodel.VM, 0, len(r.vms))
	for _, v := range r.vms {
		out = append(out, v)
	}
	return out
}
