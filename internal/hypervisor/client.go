// Package hypervisor drives one Firecracker subprocess per VM over its
// Unix-socket REST API. The wire-protocol client is grounded on the
// teacher's services/core/pkg/vmm/firecracker/client.go (a custom
// http.Client dialing the Unix socket via DialContext, with a shared
// makeRequest helper) generalized with fault_message inspection and a
// PATCH /vm call for pause/resume, both required by spec §4.3 and absent
// from the teacher's client.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is an HTTP client for the Firecracker API over a Unix socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a Client bound to socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

type machineConfiguration struct {
	VcpuCount  int `json:"vcpu_count"`
	MemSizeMib int `json:"mem_size_mib"`
}

type instanceActionInfo struct {
	ActionType string `json:"action_type"`
}

type vmState struct {
	State string `json:"state"`
}

type faultMessage struct {
	FaultMessage string `json:"fault_message"`
}

// PutBootSource configures the kernel image and boot arguments.
func (c *Client) PutBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.do(ctx, "PUT", "/boot-source", bootSource{KernelImagePath: kernelPath, BootArgs: bootArgs})
}

// PutRootDrive configures the root block device.
func (c *Client) PutRootDrive(ctx context.Context, rootfsPath string) error {
	return c.do(ctx, "PUT", "/drives/rootfs", drive{
		DriveID:      "rootfs",
		PathOnHost:   rootfsPath,
		IsRootDevice: true,
		IsReadOnly:   false,
	})
}

// PutNetworkInterface configures eth0 with the guest MAC and host TAP.
func (c *Client) PutNetworkInterface(ctx context.Context, mac, tapName string) error {
	return c.do(ctx, "PUT", "/network-interfaces/eth0", networkInterface{
		IfaceID:     "eth0",
		GuestMAC:    mac,
		HostDevName: tapName,
	})
}

// PutMachineConfig configures vCPU count and memory size.
func (c *Client) PutMachineConfig(ctx context.Context, vcpuCount, memSizeMiB int) error {
	return c.do(ctx, "PUT", "/machine-config", machineConfiguration{VcpuCount: vcpuCount, MemSizeMib: memSizeMiB})
}

// StartInstance issues the InstanceStart action.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.do(ctx, "PUT", "/actions", instanceActionInfo{ActionType: "InstanceStart"})
}

// Pause PATCHes /vm to the Paused state.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, "PATCH", "/vm", vmState{State: "Paused"})
}

// Resume PATCHes /vm to the Resumed state.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, "PATCH", "/vm", vmState{State: "Resumed"})
}

// do issues a JSON request and treats any fault_message in the response
// body, or a non-2xx status, as a fatal error.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body for %s %s: %w", method, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body for %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var fault faultMessage
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &fault); err == nil && fault.FaultMessage != "" {
			return fmt.Errorf("%s %s: fault_message: %s", method, path, fault.FaultMessage)
		}
	}
	return nil
}
