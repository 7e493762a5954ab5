package coordinator

import (
	"context"
	"time"

	"github.com/scalebox/scalebox/internal/forwarder"
	"github.com/scalebox/scalebox/internal/hypervisor"
	"github.com/scalebox/scalebox/internal/vmmodel"
)

// storageBackend is the subset of *storage.Service the create, delete,
// and snapshot pipelines depend on.
type storageBackend interface {
	CheckAvailableSpace(needGiB int) error
	CopyRootfs(ctx context.Context, template, vmID string) (string, error)
	ResizeRootfs(ctx context.Context, rootfsPath string, sizeGiB int) error
	InjectSSHKey(ctx context.Context, rootfsPath, publicKey string) error
	DeleteRootfs(path string) error
	CopyRootfsToTemplate(ctx context.Context, rootfsPath, templateName string) (string, error)
	ClearAuthorizedKeys(ctx context.Context, path string) error
	ListTemplates() ([]vmmodel.Template, error)
}

// hypervisorDriver is the subset of the hypervisor package's Spawn/Stop
// free functions that the create and delete pipelines depend on,
// seamed out behind an interface the same way state.Repository is
// already injected as a collaborator rather than constructed inline.
// Tests substitute a fake that never shells out to a real firecracker
// binary; NewService wires realHypervisor by default.
type hypervisorDriver interface {
	Spawn(ctx context.Context, binaryPath string, cfg hypervisor.Config) (*hypervisor.Instance, error)
	Stop(pid int, grace time.Duration) error
}

type realHypervisor struct{}

func (realHypervisor) Spawn(ctx context.Context, binaryPath string, cfg hypervisor.Config) (*hypervisor.Instance, error) {
	return hypervisor.Spawn(ctx, binaryPath, cfg)
}

func (realHypervisor) Stop(pid int, grace time.Duration) error {
	return hypervisor.Stop(pid, grace)
}

// tcpForwarder is the subset of *forwarder.TCPForwarder the create and
// delete pipelines depend on.
type tcpForwarder interface {
	Close() error
}

// tcpForwarderFactory opens a tcpForwarder, seamed out so tests don't
// need a real TCP listener per VM.
type tcpForwarderFactory func(hostPort int, guestIP string, guestPort int) (tcpForwarder, error)

func realTCPForwarderFactory(hostPort int, guestIP string, guestPort int) (tcpForwarder, error) {
	return forwarder.NewTCPForwarder(hostPort, guestIP, guestPort)
}

// udpForwarder is the subset of *forwarder.UDPForwarder the create,
// delete, and recovery paths depend on.
type udpForwarder interface {
	Start(ctx context.Context, vmID string, hostPort int, guestIP string) error
	Stop(ctx context.Context, vmID string)
	CleanupOrphans(ctx context.Context) (int, error)
}

// netDevice creates and destroys TAP devices, seamed out so tests
// don't need CAP_NET_ADMIN to exercise the create/delete pipelines.
type netDevice interface {
	Create(name, bridge string) error
	Delete(name string) error
}

type realNetDevice struct{}

func (realNetDevice) Create(name, bridge string) error { return createTAP(name, bridge) }
func (realNetDevice) Delete(name string) error         { return deleteTAP(name) }
