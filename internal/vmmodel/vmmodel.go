// Package vmmodel holds the plain domain types for VMs and templates:
// identity derivation (id, TAP name, MAC), the runtime VM record, the
// on-disk template record, and the persistence schema the state
// repository round-trips to state.json.
package vmmodel

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// TemplateNamePattern is the filesystem-safe template/snapshot name rule.
var TemplateNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Status is the daemon's single observable VM status, per spec: it is
// reported unconditionally and is not re-probed on GET.
const StatusRunning = "running"

// VM is the authoritative record for one live microVM. A single
// allocated host Port is reused by both the TCP forwarder (to guest
// port 22) and the UDP forwarder (host port == guest port), per the
// view model in spec §6 exposing only one "ssh_port".
type VM struct {
	ID         string
	Name       string
	Template   string
	IP         string
	Port       int
	TAPDevice  string
	MACAddress string
	PID        int
	SocketPath string
	RootfsPath string
	CreatedAt  time.Time
}

// PersistedVM is the subset of VM written to state.json. RootfsPath is
// runtime-only and is recomputed from DataDir+ID on load, per spec §4.7.
type PersistedVM struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Template   string    `json:"template"`
	IP         string    `json:"ip"`
	TAPDevice  string    `json:"tapDevice"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	SocketPath string    `json:"socketPath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ToPersisted projects a VM onto its persistence schema.
func (v *VM) ToPersisted() PersistedVM {
	return PersistedVM{
		ID:         v.ID,
		Name:       v.Name,
		Template:   v.Template,
		IP:         v.IP,
		TAPDevice:  v.TAPDevice,
		Port:       v.Port,
		PID:        v.PID,
		SocketPath: v.SocketPath,
		CreatedAt:  v.CreatedAt,
	}
}

// FromPersisted rebuilds a VM from its persistence schema, recomputing the
// runtime-only rootfs path from dataDir.
func FromPersisted(p PersistedVM, dataDir string) *VM {
	return &VM{
		ID:         p.ID,
		Name:       p.Name,
		Template:   p.Template,
		IP:         p.IP,
		TAPDevice:  p.TAPDevice,
		Port:       p.Port,
		PID:        p.PID,
		SocketPath: p.SocketPath,
		CreatedAt:  p.CreatedAt,
		RootfsPath: RootfsPath(dataDir, p.ID),
	}
}

// NewID mints an opaque "vm-" + 12 lowercase hex char identity from a
// fresh random UUID's leading bytes.
func NewID() string {
	u := uuid.New()
	return "vm-" + hex.EncodeToString(u[:6])
}

// hexSuffix returns the id's hex payload (without the "vm-" prefix).
func hexSuffix(id string) string {
	if len(id) > 3 && id[:3] == "vm-" {
		return id[3:]
	}
	return id
}

// TAPName derives the deterministic TAP interface name from the id's
// first 10 hex characters, per spec: "tap-" (4 bytes) + 10 hex chars
// stays under the kernel's 15-byte IFNAMSIZ-1 limit.
func TAPName(id string) string {
	suffix := hexSuffix(id)
	if len(suffix) > 10 {
		suffix = suffix[:10]
	}
	return "tap-" + suffix
}

// SocketPath derives the control-socket path for a VM id.
func SocketPath(id string) string {
	return fmt.Sprintf("/tmp/firecracker-%s.sock", id)
}

// ConsoleLogPath derives the captured console-log path for a VM id.
func ConsoleLogPath(id string) string {
	return fmt.Sprintf("/tmp/fc-%s-console.log", id)
}

// RootfsPath derives a live VM's rootfs file path under dataDir.
func RootfsPath(dataDir, id string) string {
	return fmt.Sprintf("%s/vms/%s.ext4", dataDir, id)
}

// TemplatePath derives a template's image path under dataDir.
func TemplatePath(dataDir, name string) string {
	return fmt.Sprintf("%s/templates/%s.ext4", dataDir, name)
}

// TemplateVersionPath derives a template's version-file path under dataDir.
func TemplateVersionPath(dataDir, name string) string {
	return fmt.Sprintf("%s/templates/%s.version", dataDir, name)
}

// MACAddress derives the deterministic guest MAC for a VM id: the four
// trailing octets are the id's first four hex bytes.
func MACAddress(id string) (string, error) {
	suffix := hexSuffix(id)
	if len(suffix) < 8 {
		return "", fmt.Errorf("vm id %q too short to derive MAC", id)
	}
	b, err := hex.DecodeString(suffix[:8])
	if err != nil {
		return "", fmt.Errorf("vm id %q is not valid hex: %w", id, err)
	}
	return fmt.Sprintf("AA:FC:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3]), nil
}

// SSHInvocation builds the derived "ssh user@ip -p port" string for a VM.
func SSHInvocation(v *VM) string {
	return fmt.Sprintf("ssh user@%s -p %d", v.IP, v.Port)
}

// URL builds the derived public URL for a VM when baseDomain is set.
func URL(v *VM, baseDomain string) string {
	if baseDomain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.%s", v.Name, baseDomain)
}

// Template is a named golden rootfs image.
type Template struct {
	Name      string
	Path      string
	Version   int
	SizeBytes int64
	CreatedAt time.Time
}
