package coordinator

import (
	"fmt"
	"os/exec"
)

// createTAP allocates a TAP device and attaches it to the host bridge,
// grounded on the teacher's network.Manager.CreateTAPDevice (ip tuntap
// add, ip link set master, ip link set up), generalized to an
// externally-supplied bridge name and to cleaning up on any failed step.
func createTAP(name, bridge string) error {
	if err := exec.Command("ip", "tuntap", "add", name, "mode", "tap").Run(); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	if err := exec.Command("ip", "link", "set", name, "master", bridge).Run(); err != nil {
		exec.Command("ip", "link", "delete", name).Run()
		return fmt.Errorf("attach tap %s to bridge %s: %w", name, bridge, err)
	}
	if err := exec.Command("ip", "link", "set", name, "up").Run(); err != nil {
		exec.Command("ip", "link", "delete", name).Run()
		return fmt.Errorf("bring up tap %s: %w", name, err)
	}
	return nil
}

// deleteTAP removes a TAP device. Absence is not an error.
func deleteTAP(name string) error {
	if err := exec.Command("ip", "link", "delete", name).Run(); err != nil {
		if tapExists(name) {
			return fmt.Errorf("delete tap %s: %w", name, err)
		}
	}
	return nil
}

// tapExists reports whether an interface by that name currently exists.
func tapExists(name string) bool {
	return exec.Command("ip", "link", "show", name).Run() == nil
}
