package hypervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/scalebox/scalebox/internal/apierr"
)

const (
	socketPollInterval = 50 * time.Millisecond
	socketPollTimeout  = 5 * time.Second
	bootProbeInterval  = 100 * time.Millisecond
	bootProbeTimeout   = 10 * time.Second
)

// Config describes everything needed to boot one microVM.
type Config struct {
	ID         string
	SocketPath string
	KernelPath string
	BootArgs   string
	RootfsPath string
	TAPDevice  string
	MACAddress string
	VCPUCount  int
	MemSizeMiB int
	ConsoleLog string
}

// Instance is a running Firecracker subprocess plus the client bound to
// its control socket.
type Instance struct {
	Config
	PID    int
	Client *Client
	cmd    *exec.Cmd
}

// Spawn execs firecracker against a fresh socket, waits for the socket to
// appear, and drives the boot-source/drive/network/machine-config PUT
// sequence followed by InstanceStart. Grounded on the teacher's
// pkg/vmm/firecracker/firecracker.go CreateVM/StartVM sequencing, with
// the firecracker-go-sdk Machine calls replaced by direct client calls
// per DESIGN.md (dropped dep: firecracker-go-sdk).
func Spawn(ctx context.Context, binaryPath string, cfg Config) (*Instance, error) {
	os.Remove(cfg.SocketPath)

	consoleFile, err := os.Create(cfg.ConsoleLog)
	if err != nil {
		return nil, fmt.Errorf("create console log %s: %w", cfg.ConsoleLog, err)
	}
	defer consoleFile.Close()

	cmd := exec.Command(binaryPath, "--api-sock", cfg.SocketPath)
	cmd.Stdout = consoleFile
	cmd.Stderr = consoleFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, apierr.Wrap(apierr.BackendError, fmt.Sprintf("start firecracker for %s", cfg.ID), err)
	}

	if err := waitForSocket(cfg.SocketPath, socketPollTimeout); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, apierr.Wrap(apierr.Unavailable, fmt.Sprintf("firecracker socket for %s never appeared", cfg.ID), err)
	}

	client := NewClient(cfg.SocketPath)

	if err := client.PutBootSource(ctx, cfg.KernelPath, cfg.BootArgs); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, apierr.Wrap(apierr.BackendError, "configure boot source", err)
	}
	if err := client.PutRootDrive(ctx, cfg.RootfsPath); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, apierr.Wrap(apierr.BackendError, "configure root drive", err)
	}
	if err := client.PutNetworkInterface(ctx, cfg.MACAddress, cfg.TAPDevice); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, apierr.Wrap(apierr.BackendError, "configure network interface", err)
	}
	vcpu, mem := cfg.VCPUCount, cfg.MemSizeMiB
	if vcpu == 0 {
		vcpu = 1
	}
	if mem == 0 {
		mem = 128
	}
	if err := client.PutMachineConfig(ctx, vcpu, mem); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, apierr.Wrap(apierr.BackendError, "configure machine", err)
	}
	if err := client.StartInstance(ctx); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, apierr.Wrap(apierr.BackendError, "start instance", err)
	}

	time.Sleep(500 * time.Millisecond)
	if !Probe(cmd.Process.Pid) {
		cmd.Wait()
		return nil, apierr.New(apierr.BackendError, fmt.Sprintf("firecracker for %s died immediately after InstanceStart", cfg.ID))
	}

	inst := &Instance{
		Config: cfg,
		PID:    cmd.Process.Pid,
		Client: client,
		cmd:    cmd,
	}
	go inst.reap()
	return inst, nil
}

// reap releases the process table entry once the subprocess exits, so a
// later Probe on a dead PID doesn't race a zombie.
func (i *Instance) reap() {
	i.cmd.Wait()
}

// waitForSocket polls for the Unix socket file's existence.
func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(socketPollInterval)
	}
	return fmt.Errorf("timed out waiting for socket %s", path)
}

// Probe reports whether pid is alive via a signal-0 kill, the standard
// liveness-check idiom for an unrelated process.
func Probe(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// Stop sends SIGTERM and, if the process hasn't exited within grace,
// escalates to SIGKILL.
func Stop(pid int, grace time.Duration) error {
	if !Probe(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Probe(pid) {
			return nil
		}
		time.Sleep(bootProbeInterval)
	}

	if !Probe(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill pid %d: %w", pid, err)
	}
	return nil
}

// KernelArgs builds the guest kernel command line for a VM's static IP
// and default route, matching the host bridge addressing scheme.
func KernelArgs(ip, gateway string) string {
	return fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:255.255.0.0::eth0:off",
		ip, gateway,
	)
}

// TailConsole streams newly appended lines from a VM's captured console
// log to out until ctx is cancelled, used by the console WebSocket
// streamer added in SPEC_FULL.md §4.11.
func TailConsole(ctx context.Context, path string, out chan<- string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open console log %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			time.Sleep(200 * time.Millisecond)
		}
	}
}
