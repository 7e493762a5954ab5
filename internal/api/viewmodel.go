// Package api is the thin authenticated HTTP surface: chi router, a
// static bearer-token middleware, and view-model rendering, dispatching
// everything mutating into the coordinator under its own creation
// mutex. Grounded on the teacher's cmd/api-gateway/main.go router/
// middleware stack (go-chi + go-chi/cors) and its respondJSON/
// respondError helper pair.
package api

import (
	"time"

	"github.com/scalebox/scalebox/internal/config"
	"github.com/scalebox/scalebox/internal/vmmodel"
)

// VMView is the HTTP view model rendered for one VM.
type VMView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	IP        string    `json:"ip"`
	SSHPort   int       `json:"ssh_port"`
	SSH       string    `json:"ssh"`
	URL       *string   `json:"url"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// renderVM computes vmToResponse's derived fields (SSH invocation and
// optional URL) from config.
func renderVM(v *vmmodel.VM, cfg *config.Config) VMView {
	view := VMView{
		ID:        v.ID,
		Name:      v.Name,
		Template:  v.Template,
		IP:        v.IP,
		SSHPort:   v.Port,
		SSH:       vmmodel.SSHInvocation(v),
		Status:    vmmodel.StatusRunning,
		CreatedAt: v.CreatedAt,
	}
	if cfg.BaseDomain != "" {
		u := vmmodel.URL(v, cfg.BaseDomain)
		view.URL = &u
	}
	return view
}

// TemplateView is the view model rendered for one template.
type TemplateView struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotView mirrors POST /vms/:id/snapshot's success body.
type SnapshotView struct {
	Template   string    `json:"template"`
	SourceVM   string    `json:"source_vm"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}
