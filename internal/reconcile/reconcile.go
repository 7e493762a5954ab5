// Package reconcile implements the daemon's startup recovery and orphan
// reaping, run in a fixed order before the HTTP surface starts
// accepting requests: UDP rule scrub, VM recovery by PID liveness
// probe, then process/TAP/rootfs orphan reconciliation. Every action is
// logged with a "[reconcile]" tag, per spec §4.9. Grounded on the
// teacher's network.Manager bridge/TAP enumeration idiom
// (services/core/pkg/network/network.go) generalized from bridge setup
// to orphan discovery.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/scalebox/scalebox/internal/coordinator"
	"github.com/scalebox/scalebox/internal/forwarder"
	"github.com/scalebox/scalebox/internal/hypervisor"
	"github.com/scalebox/scalebox/internal/vmmodel"
)

var (
	rootfsNamePattern = regexp.MustCompile(`^(vm-[0-9a-f]{12})\.ext4$`)
	socketPathPattern = regexp.MustCompile(`/tmp/firecracker-(vm-[0-9a-f]{12})\.sock`)
)

// Tally counts what one reconciliation pass did, logged at the end.
type Tally struct {
	VMsRecovered    int
	VMsOrphaned     int
	ProcessesKilled int
	TAPsDeleted     int
	RootfsDeleted   int
}

func (t Tally) String() string {
	return fmt.Sprintf("recovered=%d orphaned=%d processesKilled=%d tapsDeleted=%d rootfsDeleted=%d",
		t.VMsRecovered, t.VMsOrphaned, t.ProcessesKilled, t.TAPsDeleted, t.RootfsDeleted)
}

// Run executes the full startup sequence: UDP rule scrub, VM recovery,
// then orphan reconciliation for processes, TAP devices, and rootfs
// files.
func Run(ctx context.Context, svc *coordinator.Service, dataDir string) (Tally, error) {
	var tally Tally

	if removed, err := svc.UDPForwarder().CleanupOrphans(ctx); err != nil {
		log.Printf("[reconcile] udp rule scrub: %v", err)
	} else {
		log.Printf("[reconcile] udp rule scrub removed %d rule(s)", removed)
	}

	persisted := svc.Repository().List()
	trackedPIDs := make(map[int]bool, len(persisted))
	trackedTAPs := make(map[string]bool, len(persisted))
	trackedIDs := make(map[string]bool, len(persisted))

	for _, vm := range persisted {
		trackedIDs[vm.ID] = true
	}

	for _, vm := range persisted {
		if hypervisor.Probe(vm.PID) {
			if err := recoverVM(ctx, svc, vm); err != nil {
				log.Printf("[reconcile] recover %s: %v", vm.ID, err)
				orphanVM(svc, vm, &tally)
				continue
			}
			tally.VMsRecovered++
			trackedPIDs[vm.PID] = true
			trackedTAPs[vm.TAPDevice] = true
			log.Printf("[reconcile] recovered %s (pid=%d ip=%s port=%d)", vm.ID, vm.PID, vm.IP, vm.Port)
		} else {
			orphanVM(svc, vm, &tally)
		}
	}

	reapOrphanProcesses(trackedPIDs, &tally)
	reapOrphanTAPs(trackedTAPs, &tally)
	reapOrphanRootfs(dataDir, trackedIDs, &tally)

	if tally.VMsRecovered == 0 && tally.VMsOrphaned == 0 &&
		tally.ProcessesKilled == 0 && tally.TAPsDeleted == 0 && tally.RootfsDeleted == 0 {
		log.Printf("[reconcile] startup scan complete, nothing to reconcile")
	} else {
		log.Printf("[reconcile] startup scan complete: %s", tally)
	}

	return tally, nil
}

// recoverVM reserves the VM's IP/port in the allocators, reopens its
// TCP forwarder and UDP NAT rule, and installs it into the repository.
func recoverVM(ctx context.Context, svc *coordinator.Service, vm *vmmodel.VM) error {
	if err := svc.IPs().Reserve(vm.IP); err != nil {
		return fmt.Errorf("reserve ip %s: %w", vm.IP, err)
	}
	if err := svc.Ports().Reserve(vm.Port); err != nil {
		return fmt.Errorf("reserve port %d: %w", vm.Port, err)
	}

	fwd, err := forwarder.NewTCPForwarder(vm.Port, vm.IP, 22)
	if err != nil {
		return fmt.Errorf("reopen tcp forwarder: %w", err)
	}

	if err := svc.UDPForwarder().Start(ctx, vm.ID, vm.Port, vm.IP); err != nil {
		fwd.Close()
		return fmt.Errorf("reinstall udp rule: %w", err)
	}

	svc.AdoptRecoveredVM(vm, fwd)
	return nil
}

// orphanVM removes a dead VM's record from the repository, releases its
// allocator reservations, and deletes its derived TAP and rootfs, since
// nothing tracks it anymore.
func orphanVM(svc *coordinator.Service, vm *vmmodel.VM, tally *Tally) {
	tally.VMsOrphaned++
	svc.Repository().Delete(vm.ID)
	svc.IPs().Release(vm.IP)
	svc.Ports().Release(vm.Port)

	if exec.Command("ip", "link", "delete", vm.TAPDevice).Run() == nil {
		log.Printf("[reconcile] deleted orphaned tap %s for dead vm %s", vm.TAPDevice, vm.ID)
	}
	if err := os.Remove(vm.RootfsPath); err == nil {
		log.Printf("[reconcile] deleted orphaned rootfs %s for dead vm %s", vm.RootfsPath, vm.ID)
	}
	log.Printf("[reconcile] vm %s (pid=%d) is dead, treating its resources as orphans", vm.ID, vm.PID)
}

// reapOrphanProcesses matches firecracker processes by their control
// socket path and kills any whose PID isn't in the tracked set.
func reapOrphanProcesses(trackedPIDs map[int]bool, tally *Tally) {
	out, err := exec.Command("ps", "-eo", "pid,args").CombinedOutput()
	if err != nil {
		log.Printf("[reconcile] list processes: %v", err)
		return
	}

	for _, line := range strings.Split(string(out), "\n") {
		m := socketPathPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || trackedPIDs[pid] {
			continue
		}
		syscall.Kill(pid, syscall.SIGTERM)
		syscall.Kill(pid, syscall.SIGKILL)
		tally.ProcessesKilled++
		log.Printf("[reconcile] killed orphaned firecracker process pid=%d (%s)", pid, m[1])
	}
}

// reapOrphanTAPs deletes any "tap-"-prefixed interface not owned by a
// tracked VM.
func reapOrphanTAPs(trackedTAPs map[string]bool, tally *Tally) {
	out, err := exec.Command("ip", "-o", "link", "show").CombinedOutput()
	if err != nil {
		log.Printf("[reconcile] list interfaces: %v", err)
		return
	}

	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if !strings.HasPrefix(name, "tap-") || trackedTAPs[name] {
			continue
		}
		if exec.Command("ip", "link", "delete", name).Run() == nil {
			tally.TAPsDeleted++
			log.Printf("[reconcile] deleted orphaned tap %s", name)
		}
	}
}

// reapOrphanRootfs unlinks any <dataDir>/vms/<id>.ext4 file whose id
// isn't tracked.
func reapOrphanRootfs(dataDir string, trackedIDs map[string]bool, tally *Tally) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "vms"))
	if err != nil {
		log.Printf("[reconcile] list rootfs files: %v", err)
		return
	}

	for _, e := range entries {
		m := rootfsNamePattern.FindStringSubmatch(e.Name())
		if m == nil || trackedIDs[m[1]] {
			continue
		}
		path := filepath.Join(dataDir, "vms", e.Name())
		if err := os.Remove(path); err == nil {
			tally.RootfsDeleted++
			log.Printf("[reconcile] deleted orphaned rootfs %s", path)
		}
	}
}
