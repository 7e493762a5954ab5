// Package forwarder exposes each VM's allocated host port, per spec
// §4.5: a plain TCP accept/dial relay to the guest's port 22, and
// iptables DNAT+MASQUERADE rules forwarding the same port number to the
// guest for UDP (Firecracker never sees a raw
// host socket for UDP, so the kernel must do the translation). The
// check-before-add idiom for iptables rules is grounded on the
// teacher's pkg/network/proxy.go setupTransparentProxy/
// removeTransparentProxyRules.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/scalebox/scalebox/internal/apierr"
)

// TCPForwarder relays one host TCP listener to one guest IP:port.
type TCPForwarder struct {
	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

// NewTCPForwarder opens a TCP listener on hostPort and relays each
// accepted connection to guestIP:guestPort, redialing per connection
// rather than keeping a pooled upstream, matching the one-shot-per-
// session nature of SSH.
func NewTCPForwarder(hostPort int, guestIP string, guestPort int) (*TCPForwarder, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", hostPort))
	if err != nil {
		return nil, fmt.Errorf("listen on host port %d: %w", hostPort, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &TCPForwarder{listener: lis, cancel: cancel}
	go f.acceptLoop(ctx, guestIP, guestPort)
	return f, nil
}

func (f *TCPForwarder) acceptLoop(ctx context.Context, guestIP string, guestPort int) {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		go relay(conn, guestIP, guestPort)
	}
}

// relay dials the guest and pipes bytes in both directions until either
// side closes, propagating the half-close so a one-sided FIN doesn't
// stall the other leg.
func relay(client net.Conn, guestIP string, guestPort int) {
	defer client.Close()

	upstream, err := net.Dial("tcp", fmt.Sprintf("%s:%d", guestIP, guestPort))
	if err != nil {
		return
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, client)
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	wg.Wait()
}

// Close stops accepting new connections; already-relayed connections
// drain on their own.
func (f *TCPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel()
	return f.listener.Close()
}

// udpRule is the recorded state for one VM's installed NAT pair: the
// tuple is captured before any iptables call so that Stop and
// CleanupOrphans always know which external interface was used, even
// if the host's default route later changes, per spec §4.5.
type udpRule struct {
	Port     int
	GuestIP  string
	ExtIface string
}

// UDPForwarder installs and removes the kernel-level NAT rules that
// forward a host UDP port to a guest, per spec §4.5's
// start(vmId, hostPort, guestIp, guestPort)/stop(vmId)/cleanupOrphans()
// contract. Grounded on the teacher's pkg/network/network.go setupNAT,
// whose getDefaultInterface() this adapts to discover the external
// interface per install, and whose check-then-add iptables idiom
// ensureRule/deleteRuleBestEffort below continue to use.
type UDPForwarder struct {
	mu    sync.Mutex
	rules map[string]udpRule
}

// NewUDPForwarder creates an empty UDPForwarder.
func NewUDPForwarder() *UDPForwarder {
	return &UDPForwarder{rules: make(map[string]udpRule)}
}

// Start installs a DNAT+MASQUERADE pair forwarding UDP traffic on
// hostPort to guestIP:hostPort (host port equals guest port for UDP,
// per spec §4.5's single-port invariant), scoped to the host's current
// default-route interface. After installing, it reads the rule set
// back to confirm both rules are actually present — the design's
// "installed ⇒ observable" invariant (spec §9) — and fails
// backend-error, rolling back anything it added, if the readback
// disagrees.
func (u *UDPForwarder) Start(ctx context.Context, vmID string, hostPort int, guestIP string) error {
	extIf, err := defaultInterface(ctx)
	if err != nil {
		return apierr.Wrap(apierr.BackendError, "discover external interface for udp nat", err)
	}

	// Record the tuple before the iptables calls so cleanup can always
	// target the right interface, even if a later step fails.
	u.mu.Lock()
	u.rules[vmID] = udpRule{Port: hostPort, GuestIP: guestIP, ExtIface: extIf}
	u.mu.Unlock()

	dnat := dnatRuleSpec(hostPort, guestIP, extIf)
	masq := masqRuleSpec(hostPort, guestIP, extIf)

	if err := ensureRule(ctx, dnat); err != nil {
		u.forget(vmID)
		return apierr.Wrap(apierr.BackendError, fmt.Sprintf("add DNAT rule for port %d", hostPort), err)
	}
	if err := ensureRule(ctx, masq); err != nil {
		deleteRuleBestEffort(ctx, dnat)
		u.forget(vmID)
		return apierr.Wrap(apierr.BackendError, fmt.Sprintf("add MASQUERADE rule for %s:%d", guestIP, hostPort), err)
	}

	if !UDPRuleExists(ctx, hostPort, guestIP, extIf) {
		deleteRuleBestEffort(ctx, dnat)
		deleteRuleBestEffort(ctx, masq)
		u.forget(vmID)
		return apierr.New(apierr.BackendError,
			fmt.Sprintf("udp nat rules for %s:%d not observable after install", guestIP, hostPort))
	}
	return nil
}

// Stop removes the DNAT+MASQUERADE pair installed for vmID, using the
// interface recorded at Start time. A vmID with no recorded rule is a
// no-op; each deletion is idempotent.
func (u *UDPForwarder) Stop(ctx context.Context, vmID string) {
	u.mu.Lock()
	rule, ok := u.rules[vmID]
	delete(u.rules, vmID)
	u.mu.Unlock()
	if !ok {
		return
	}
	deleteRuleBestEffort(ctx, dnatRuleSpec(rule.Port, rule.GuestIP, rule.ExtIface))
	deleteRuleBestEffort(ctx, masqRuleSpec(rule.Port, rule.GuestIP, rule.ExtIface))
}

func (u *UDPForwarder) forget(vmID string) {
	u.mu.Lock()
	delete(u.rules, vmID)
	u.mu.Unlock()
}

// CleanupOrphans parses the current nat table and removes any
// PREROUTING DNAT / POSTROUTING MASQUERADE rule whose destination lies
// in 172.16.0.0/16, regardless of which VM (if any) installed it. It
// is best-effort and runs once at daemon startup, before recovery
// reinstalls rules for surviving VMs, per spec §4.5. It returns the
// number of rules removed.
func (u *UDPForwarder) CleanupOrphans(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "iptables", "-t", "nat", "-S").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("list nat rules: %w", err)
	}

	removed := 0
	for _, line := range strings.Split(string(out), "\n") {
		isDNAT := strings.HasPrefix(line, "-A PREROUTING ") &&
			strings.Contains(line, "-j DNAT") && strings.Contains(line, "--to-destination 172.16.")
		isMasq := strings.HasPrefix(line, "-A POSTROUTING ") &&
			strings.Contains(line, "-j MASQUERADE") && strings.Contains(line, "-d 172.16.")
		if !isDNAT && !isMasq {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		chain, rest := fields[1], fields[2:]

		del := append([]string{"-t", "nat", "-D", chain}, rest...)
		if exec.CommandContext(ctx, "iptables", del...).Run() != nil {
			continue
		}
		removed++

		check := append([]string{"-t", "nat", "-C", chain}, rest...)
		if exec.CommandContext(ctx, "iptables", check...).Run() == nil {
			return removed, fmt.Errorf("rule in chain %s still observable after delete", chain)
		}
	}
	return removed, nil
}

// defaultInterface returns the interface name of the host's default
// route, adapted from the teacher's getDefaultInterface (same "ip
// route show default" source, parsed for the "dev <iface>" field
// instead of the teacher's manual character scan).
func defaultInterface(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ip", "route", "show", "default").Output()
	if err != nil {
		return "", fmt.Errorf("get default route: %w", err)
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("no default route found")
}

func dnatRuleSpec(hostPort int, guestIP, extIf string) []string {
	return []string{
		"-t", "nat", "PREROUTING",
		"-i", extIf,
		"-p", "udp", "--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", guestIP, hostPort),
	}
}

func masqRuleSpec(hostPort int, guestIP, extIf string) []string {
	return []string{
		"-t", "nat", "POSTROUTING",
		"-o", extIf,
		"-p", "udp", "-d", guestIP, "--dport", fmt.Sprintf("%d", hostPort),
		"-j", "MASQUERADE",
	}
}

// ensureRule adds spec (shaped "-t <table> <chain> <rule fields...>")
// only if iptables -C reports it isn't already installed.
func ensureRule(ctx context.Context, spec []string) error {
	table, chain, rest := spec[1], spec[2], spec[3:]

	check := append([]string{"-t", table, "-C", chain}, rest...)
	if err := exec.CommandContext(ctx, "iptables", check...).Run(); err == nil {
		return nil // already present
	}

	add := append([]string{"-t", table, "-A", chain}, rest...)
	out, err := exec.CommandContext(ctx, "iptables", add...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

func deleteRuleBestEffort(ctx context.Context, spec []string) {
	table, chain, rest := spec[1], spec[2], spec[3:]
	del := append([]string{"-t", table, "-D", chain}, rest...)
	exec.CommandContext(ctx, "iptables", del...).Run()
}

// UDPRuleExists reports whether both the DNAT and MASQUERADE rules for
// hostPort/guestIP/extIf are currently installed, used by Start's
// post-add readback verification.
func UDPRuleExists(ctx context.Context, hostPort int, guestIP, extIf string) bool {
	dnatCheck := append([]string{"-t", "nat", "-C"}, dnatRuleSpec(hostPort, guestIP, extIf)[2:]...)
	if exec.CommandContext(ctx, "iptables", dnatCheck...).Run() != nil {
		return false
	}
	masqCheck := append([]string{"-t", "nat", "-C"}, masqRuleSpec(hostPort, guestIP, extIf)[2:]...)
	return exec.CommandContext(ctx, "iptables", masqCheck...).Run() == nil
}
