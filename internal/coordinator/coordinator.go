// Package coordinator orchestrates VM create/delete/snapshot as ordered
// side-effect pipelines with reverse-order compensating cleanup, all
// serialized under one process-wide creation mutex. Grounded on the
// teacher's FirecrackerOrchestrator.CreateVM/DeleteVM step ordering
// (pkg/vmm/firecracker/firecracker.go), replacing firecracker-go-sdk
// calls with the internal hypervisor client and generalizing from one
// shared rootfs template to named templates with resize/snapshot.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/scalebox/scalebox/internal/allocator"
	"github.com/scalebox/scalebox/internal/apierr"
	"github.com/scalebox/scalebox/internal/config"
	"github.com/scalebox/scalebox/internal/forwarder"
	"github.com/scalebox/scalebox/internal/hypervisor"
	"github.com/scalebox/scalebox/internal/state"
	"github.com/scalebox/scalebox/internal/storage"
	"github.com/scalebox/scalebox/internal/vmmodel"
)

const (
	bridgeName      = "br0"
	bridgeGatewayIP = "172.16.0.1"
	stopGrace       = 500 * time.Millisecond
)

// Service owns every piece of global mutable state named in spec §9:
// the repository, the allocators, the forwarder registry, and the
// creation mutex that serializes all of it.
type Service struct {
	cfg     *config.Config
	repo    *state.Repository
	storage storageBackend
	ips     *allocator.IPPool
	ports   *allocator.PortPool
	hv      hypervisorDriver
	net     netDevice
	udpFwd  udpForwarder
	newTCP  tcpForwarderFactory

	mu             sync.Mutex // the creation mutex (spec §5)
	tcpForwarders  map[string]tcpForwarder
	firecrackerBin string
}

// NewService wires a Service from its collaborators. firecrackerBin
// defaults to "firecracker" resolved via PATH when empty. The
// hypervisor, TAP, and UDP-NAT collaborators default to the real
// implementations; tests construct a Service directly with fakes
// substituted for those fields, the same pattern used for the
// injected repository and storage service.
func NewService(cfg *config.Config, repo *state.Repository, storageSvc *storage.Service, ips *allocator.IPPool, ports *allocator.PortPool, firecrackerBin string) *Service {
	if firecrackerBin == "" {
		firecrackerBin = "firecracker"
	}
	return &Service{
		cfg:            cfg,
		repo:           repo,
		storage:        storageSvc,
		ips:            ips,
		ports:          ports,
		hv:             realHypervisor{},
		net:            realNetDevice{},
		udpFwd:         forwarder.NewUDPForwarder(),
		newTCP:         realTCPForwarderFactory,
		tcpForwarders:  make(map[string]tcpForwarder),
		firecrackerBin: firecrackerBin,
	}
}

// CreateOptions mirrors the POST /vms request body.
type CreateOptions struct {
	Template     string
	Name         string
	SSHPublicKey string
	VCPUCount    int
	MemSizeMiB   int
	DiskSizeGiB  int
}

// cleanupFunc is one entry in the create pipeline's compensation stack.
type cleanupFunc func()

// Create runs the 13-step create pipeline from spec §4.8 under the
// creation mutex, compensating in reverse order on any failure.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*vmmodel.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: validate template name.
	if !vmmodel.TemplateNamePattern.MatchString(opts.Template) {
		return nil, apierr.New(apierr.InvalidArgument, fmt.Sprintf("invalid template name %q", opts.Template))
	}

	diskGiB := opts.DiskSizeGiB
	if diskGiB == 0 {
		diskGiB = s.cfg.DefaultDiskSizeGiB
	}
	if diskGiB < 1 || diskGiB > s.cfg.MaxDiskSizeGiB {
		return nil, apierr.New(apierr.InvalidArgument,
			fmt.Sprintf("disk_size_gib %d outside [1, %d]", diskGiB, s.cfg.MaxDiskSizeGiB))
	}
	vcpu := opts.VCPUCount
	if vcpu == 0 {
		vcpu = s.cfg.DefaultVCPUCount
	}
	mem := opts.MemSizeMiB
	if mem == 0 {
		mem = s.cfg.DefaultMemSizeMiB
	}

	// Step 2: choose name.
	name := opts.Name
	if name == "" || s.repo.NameTaken(name) {
		if opts.Name != "" && s.repo.NameTaken(name) {
			return nil, apierr.New(apierr.Conflict, fmt.Sprintf("name %q already in use", opts.Name))
		}
		name = chooseName(s.repo.TakenNames())
	}

	// Step 3: mint id, derive tapDevice/socketPath/MAC.
	id := vmmodel.NewID()
	tap := vmmodel.TAPName(id)
	socketPath := vmmodel.SocketPath(id)
	mac, err := vmmodel.MACAddress(id)
	if err != nil {
		return nil, fmt.Errorf("derive MAC for %s: %w", id, err)
	}

	var compensations []cleanupFunc
	runCompensation := func() {
		for i := len(compensations) - 1; i >= 0; i-- {
			compensations[i]()
		}
	}

	// Step 4: allocate IP and port.
	ip, err := s.ips.Allocate()
	if err != nil {
		return nil, apierr.Wrap(apierr.ResourceExhausted, "allocate IP", err)
	}
	compensations = append(compensations, func() { s.ips.Release(ip) })

	port, err := s.ports.Allocate()
	if err != nil {
		runCompensation()
		return nil, apierr.Wrap(apierr.ResourceExhausted, "allocate port", err)
	}
	compensations = append(compensations, func() { s.ports.Release(port) })

	// Step 5: space check.
	if err := s.storage.CheckAvailableSpace(diskGiB); err != nil {
		runCompensation()
		return nil, err
	}

	// Step 6: copy rootfs.
	rootfsPath, err := s.storage.CopyRootfs(ctx, opts.Template, id)
	if err != nil {
		runCompensation()
		return nil, err
	}
	compensations = append(compensations, func() { s.storage.DeleteRootfs(rootfsPath) })

	// Step 7: resize if requested disk exceeds the default.
	if diskGiB > s.cfg.DefaultDiskSizeGiB {
		if err := s.storage.ResizeRootfs(ctx, rootfsPath, diskGiB); err != nil {
			runCompensation()
			return nil, apierr.Wrap(apierr.BackendError, "resize rootfs", err)
		}
	}

	// Step 8: inject SSH key.
	if err := s.storage.InjectSSHKey(ctx, rootfsPath, opts.SSHPublicKey); err != nil {
		runCompensation()
		return nil, apierr.Wrap(apierr.BackendError, "inject ssh key", err)
	}

	// Step 9: create TAP device.
	if err := s.net.Create(tap, bridgeName); err != nil {
		runCompensation()
		return nil, apierr.Wrap(apierr.BackendError, "create tap device", err)
	}
	compensations = append(compensations, func() { s.net.Delete(tap) })

	// Step 10: spawn hypervisor.
	hvCfg := hypervisor.Config{
		ID:         id,
		SocketPath: socketPath,
		KernelPath: s.cfg.KernelPath,
		BootArgs:   hypervisor.KernelArgs(ip, bridgeGatewayIP),
		RootfsPath: rootfsPath,
		TAPDevice:  tap,
		MACAddress: mac,
		VCPUCount:  vcpu,
		MemSizeMiB: mem,
		ConsoleLog: vmmodel.ConsoleLogPath(id),
	}
	inst, err := s.hv.Spawn(ctx, s.firecrackerBin, hvCfg)
	if err != nil {
		runCompensation()
		return nil, err
	}
	pid := inst.PID
	compensations = append(compensations, func() { s.hv.Stop(pid, stopGrace) })

	// Step 11: TCP forwarder, host port -> guest port 22.
	tcpFwd, err := s.newTCP(port, ip, 22)
	if err != nil {
		runCompensation()
		return nil, apierr.Wrap(apierr.BackendError, "start tcp forwarder", err)
	}
	compensations = append(compensations, func() { tcpFwd.Close() })

	// Step 12: UDP forwarder, host port == guest port.
	if err := s.udpFwd.Start(ctx, id, port, ip); err != nil {
		runCompensation()
		return nil, err
	}
	compensations = append(compensations, func() { s.udpFwd.Stop(ctx, id) })

	// Step 13: insert into repository and persist.
	vm := &vmmodel.VM{
		ID:         id,
		Name:       name,
		Template:   opts.Template,
		IP:         ip,
		Port:       port,
		TAPDevice:  tap,
		MACAddress: mac,
		PID:        pid,
		SocketPath: socketPath,
		RootfsPath: rootfsPath,
		CreatedAt:  time.Now(),
	}
	s.repo.Put(vm)
	s.tcpForwarders[id] = tcpFwd
	if err := s.repo.Flush(); err != nil {
		// The VM is real and working; a persistence failure here is logged,
		// not compensated, matching spec §4.7's "flush is best-effort
		// relative to the pipeline's already-committed side effects".
		log.Printf("flush state after creating %s: %v", id, err)
	}

	return vm, nil
}

// Delete runs the delete pipeline: stop UDP, stop TCP, stop hypervisor,
// delete TAP, delete rootfs, release port, release IP, remove from
// repository, persist. Every step is idempotent; there is no
// compensation.
func (s *Service) Delete(ctx context.Context, idOrName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, err := s.repo.FindByIDOrName(idOrName)
	if err != nil {
		return err
	}

	s.udpFwd.Stop(ctx, vm.ID)

	if fwd, ok := s.tcpForwarders[vm.ID]; ok {
		if err := fwd.Close(); err != nil {
			log.Printf("delete %s: close tcp forwarder: %v", vm.ID, err)
		}
		delete(s.tcpForwarders, vm.ID)
	}

	if err := s.hv.Stop(vm.PID, stopGrace); err != nil {
		log.Printf("delete %s: stop hypervisor: %v", vm.ID, err)
	}

	if err := s.net.Delete(vm.TAPDevice); err != nil {
		log.Printf("delete %s: delete tap: %v", vm.ID, err)
	}

	if err := s.storage.DeleteRootfs(vm.RootfsPath); err != nil {
		log.Printf("delete %s: delete rootfs: %v", vm.ID, err)
	}

	s.ports.Release(vm.Port)
	s.ips.Release(vm.IP)

	s.repo.Delete(vm.ID)
	if err := s.repo.Flush(); err != nil {
		log.Printf("delete %s: flush state: %v", vm.ID, err)
	}

	os.Remove(vm.SocketPath)
	os.Remove(vmmodel.ConsoleLogPath(vm.ID))
	return nil
}

// SnapshotResult mirrors the POST /vms/:id/snapshot response.
type SnapshotResult struct {
	Template   string
	SourceVMID string
	SizeBytes  int64
	CreatedAt  time.Time
}

// Snapshot runs the snapshot pipeline: validate name, fail conflict if
// the template already exists, pause, clone, resume (always attempted),
// then clear the cloned image's authorized_keys.
func (s *Service) Snapshot(ctx context.Context, idOrName, templateName string) (*SnapshotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, err := s.repo.FindByIDOrName(idOrName)
	if err != nil {
		return nil, err
	}

	if !vmmodel.TemplateNamePattern.MatchString(templateName) {
		return nil, apierr.New(apierr.InvalidArgument, fmt.Sprintf("invalid template name %q", templateName))
	}
	templatePath := vmmodel.TemplatePath(s.cfg.DataDir, templateName)
	if _, err := os.Stat(templatePath); err == nil {
		return nil, apierr.New(apierr.Conflict, fmt.Sprintf("template %q already exists", templateName))
	}

	client := hypervisor.NewClient(vm.SocketPath)

	var outerErr error
	if err := client.Pause(ctx); err != nil {
		return nil, apierr.Wrap(apierr.BackendError, "pause vm for snapshot", err)
	}

	dst, cloneErr := s.storage.CopyRootfsToTemplate(ctx, vm.RootfsPath, templateName)
	if cloneErr != nil {
		outerErr = cloneErr
	}

	if resumeErr := client.Resume(ctx); resumeErr != nil {
		// The finally clause tolerates resume failure as non-fatal
		// relative to the outer error, per spec §4.8.
		log.Printf("snapshot %s: resume after pause failed: %v", vm.ID, resumeErr)
	}

	if outerErr != nil {
		return nil, outerErr
	}

	if err := s.storage.ClearAuthorizedKeys(ctx, dst); err != nil {
		log.Printf("snapshot %s: clear authorized_keys on %s: %v", vm.ID, dst, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot image %s: %w", dst, err)
	}

	return &SnapshotResult{
		Template:   templateName,
		SourceVMID: vm.ID,
		SizeBytes:  info.Size(),
		CreatedAt:  time.Now(),
	}, nil
}

// Get resolves a VM by id or name without taking the creation mutex,
// per spec §5's "reads do not hold the mutex".
func (s *Service) Get(idOrName string) (*vmmodel.VM, error) {
	return s.repo.FindByIDOrName(idOrName)
}

// List returns every live VM.
func (s *Service) List() []*vmmodel.VM {
	return s.repo.List()
}

// DeleteTemplate removes a template image and its version file, failing
// forbidden for protected names and not-found for a missing template.
func (s *Service) DeleteTemplate(name string) error {
	if !vmmodel.TemplateNamePattern.MatchString(name) {
		return apierr.New(apierr.InvalidArgument, fmt.Sprintf("invalid template name %q", name))
	}
	if s.cfg.ProtectedTemplates[name] {
		return apierr.New(apierr.Forbidden, fmt.Sprintf("template %q is protected", name))
	}
	path := vmmodel.TemplatePath(s.cfg.DataDir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return apierr.New(apierr.NotFound, fmt.Sprintf("template %q not found", name))
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete template %s: %w", name, err)
	}
	os.Remove(vmmodel.TemplateVersionPath(s.cfg.DataDir, name))
	return nil
}

// AdoptRecoveredVM installs a VM recovered at startup (spec §4.9 step 2)
// into the repository and the live TCP forwarder registry without
// running the create pipeline.
func (s *Service) AdoptRecoveredVM(vm *vmmodel.VM, fwd *forwarder.TCPForwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo.Put(vm)
	s.tcpForwarders[vm.ID] = fwd
}

// UDPForwarder exposes the UDP NAT collaborator for the reconciler's
// startup orphan scrub and per-VM rule reinstallation.
func (s *Service) UDPForwarder() udpForwarder { return s.udpFwd }

// Repository exposes the underlying repository for the reconciler,
// which needs access outside the coordinator's own pipelines.
func (s *Service) Repository() *state.Repository { return s.repo }

// IPs and Ports expose the allocators for the reconciler's recovery
// pass, which must Reserve values before any create pipeline runs.
func (s *Service) IPs() *allocator.IPPool     { return s.ips }
func (s *Service) Ports() *allocator.PortPool { return s.ports }

// FirecrackerBinary returns the configured Firecracker executable path.
func (s *Service) FirecrackerBinary() string { return s.firecrackerBin }

// ListTemplates returns every template under the data directory, for
// the GET /templates and GET /info endpoints.
func (s *Service) ListTemplates() ([]vmmodel.Template, error) {
	return s.storage.ListTemplates()
}
