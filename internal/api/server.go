package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/scalebox/scalebox/internal/apierr"
	"github.com/scalebox/scalebox/internal/config"
	"github.com/scalebox/scalebox/internal/coordinator"
)

// Server is the HTTP surface over a coordinator.Service.
type Server struct {
	cfg     *config.Config
	coord   *coordinator.Service
	started time.Time
}

// NewServer builds a Server bound to cfg and coord.
func NewServer(cfg *config.Config, coord *coordinator.Service) *Server {
	return &Server{cfg: cfg, coord: coord, started: time.Now()}
}

// Router assembles the chi router: middleware stack, CORS, and the
// routes from spec §6/§4.10, mirroring the teacher's
// cmd/api-gateway/main.go chi.NewRouter() setup.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)
	r.Get("/info", s.info)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearerToken)

		r.Get("/templates", s.listTemplates)
		r.Delete("/templates/{name}", s.deleteTemplate)

		r.Get("/vms", s.listVMs)
		r.Get("/vms/{idOrName}", s.getVM)
		r.Post("/vms", s.createVM)
		r.Delete("/vms/{idOrName}", s.deleteVM)
		r.Post("/vms/{idOrName}/snapshot", s.snapshotVM)
		r.Get("/vms/{idOrName}/console", s.streamConsole)
	})

	return r
}

// requireBearerToken is the static bearer-token gate: every protected
// endpoint requires "Authorization: Bearer <API_TOKEN>", per spec §1's
// "auth middleware is an external collaborator, only its interface
// matters" — the daemon still enforces the gate at its own surface
// since no external proxy sits in front of it in this repository.
func (s *Server) requireBearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.cfg.APIToken {
			respondError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// infoResponse mirrors spec §6's "counts and host stats" for GET /info.
type infoResponse struct {
	VMCount        int    `json:"vm_count"`
	TemplateCount  int    `json:"template_count"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	GoVersion      string `json:"go_version"`
	NumCPU         int    `json:"num_cpu"`
	NumGoroutine   int    `json:"num_goroutine"`
	HostIP         string `json:"host_ip"`
	DataDirFreeGiB int64  `json:"data_dir_free_gib"`
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	templates, err := s.coord.ListTemplates()
	if err != nil {
		log.Printf("info: list templates: %v", err)
	}

	var freeGiB int64
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.cfg.DataDir, &st); err == nil {
		freeGiB = int64(st.Bavail*uint64(st.Bsize)) / (1 << 30)
	}

	respondJSON(w, http.StatusOK, infoResponse{
		VMCount:        len(s.coord.List()),
		TemplateCount:  len(templates),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		GoVersion:      runtime.Version(),
		NumCPU:         runtime.NumCPU(),
		NumGoroutine:   runtime.NumGoroutine(),
		HostIP:         s.cfg.HostIP,
		DataDirFreeGiB: freeGiB,
	})
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.coord.ListTemplates()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]TemplateView, 0, len(templates))
	for _, t := range templates {
		views = append(views, TemplateView{Name: t.Name, SizeBytes: t.SizeBytes, CreatedAt: t.CreatedAt})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"templates": views})
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.coord.DeleteTemplate(name); err != nil {
		respondAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listVMs(w http.ResponseWriter, r *http.Request) {
	vms := s.coord.List()
	views := make([]VMView, 0, len(vms))
	for _, v := range vms {
		views = append(views, renderVM(v, s.cfg))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) getVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.coord.Get(chi.URLParam(r, "idOrName"))
	if err != nil {
		respondAPIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, renderVM(vm, s.cfg))
}

// createVMRequest mirrors POST /vms's request body from spec §6.
type createVMRequest struct {
	Template     string `json:"template"`
	SSHPublicKey string `json:"ssh_public_key"`
	Name         string `json:"name,omitempty"`
	VCPUCount    int    `json:"vcpu_count,omitempty"`
	MemSizeMiB   int    `json:"mem_size_mib,omitempty"`
	DiskSizeGiB  int    `json:"disk_size_gib,omitempty"`
}

func (s *Server) createVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	vm, err := s.coord.Create(r.Context(), coordinator.CreateOptions{
		Template:     req.Template,
		Name:         req.Name,
		SSHPublicKey: req.SSHPublicKey,
		VCPUCount:    req.VCPUCount,
		MemSizeMiB:   req.MemSizeMiB,
		DiskSizeGiB:  req.DiskSizeGiB,
	})
	if err != nil {
		respondAPIError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, renderVM(vm, s.cfg))
}

func (s *Server) deleteVM(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "idOrName")
	if _, err := s.coord.Get(idOrName); err != nil {
		respondAPIError(w, err)
		return
	}
	if err := s.coord.Delete(r.Context(), idOrName); err != nil {
		respondAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type snapshotRequest struct {
	TemplateName string `json:"template_name"`
}

func (s *Server) snapshotVM(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := s.coord.Snapshot(r.Context(), chi.URLParam(r, "idOrName"), req.TemplateName)
	if err != nil {
		respondAPIError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, SnapshotView{
		Template:  result.Template,
		SourceVM:  result.SourceVMID,
		SizeBytes: result.SizeBytes,
		CreatedAt: result.CreatedAt,
	})
}

// respondJSON writes data as a JSON body with the given status code,
// matching the teacher's respondJSON helper.
func respondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// respondError writes spec §7's `{"error": message}` body.
func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// respondAPIError maps a domain *apierr.Error to its HTTP status per
// spec §7's kind->status table; any other error is treated as an
// unmapped internal failure.
func respondAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apierr.Is(err, apierr.InvalidArgument):
		status = http.StatusBadRequest
	case apierr.Is(err, apierr.NotFound):
		status = http.StatusNotFound
	case apierr.Is(err, apierr.Forbidden):
		status = http.StatusForbidden
	case apierr.Is(err, apierr.Conflict):
		status = http.StatusConflict
	case apierr.Is(err, apierr.ResourceExhausted):
		status = http.StatusInternalServerError
	case apierr.Is(err, apierr.ExhaustedStorage):
		status = http.StatusInsufficientStorage
	case apierr.Is(err, apierr.BackendError):
		status = http.StatusInternalServerError
	case apierr.Is(err, apierr.Unavailable):
		status = http.StatusInternalServerError
	}
	log.Printf("request failed: %v", err)
	respondError(w, status, err.Error())
}
