// Package sysinfo describes the device the daemon runs on.
//
// The description is logged at startup and published to the fleet server
// so operators can tell which kernel and security mode a decision was made
// under. Fields that cannot be read are left empty.
package sysinfo

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// SELinux modes reported in Device.SELinux.
const (
	SELinuxDisabled   = "disabled"
	SELinuxPermissive = "permissive"
	SELinuxEnforcing  = "enforcing"
)

const selinuxfs = "/sys/fs/selinux"

// Device holds information that rarely changes between boots.
type Device struct {
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	KernelArch      string `json:"kernelArch"`
	Arch            string `json:"arch"`
	Hostname        string `json:"hostname"`
	HostID          string `json:"hostId,omitempty"`

	// VirtualizationSystem is set when running under an emulator or container.
	VirtualizationSystem string `json:"virtSystem,omitempty"`

	MemoryTotal uint64 `json:"memoryTotal"`
	BootTime    uint64 `json:"bootTime"`

	SELinux       string `json:"selinux"`
	DaemonVersion string `json:"daemonVersion,omitempty"`
}

// Collect gathers the device description.
func Collect(ctx context.Context, daemonVersion string) (*Device, error) {
	d := &Device{
		Arch:          runtime.GOARCH,
		SELinux:       selinuxMode(selinuxfs),
		DaemonVersion: daemonVersion,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		d.Platform = info.Platform
		d.PlatformVersion = info.PlatformVersion
		d.KernelVersion = info.KernelVersion
		d.KernelArch = info.KernelArch
		d.Hostname = info.Hostname
		d.HostID = info.HostID
		d.VirtualizationSystem = info.VirtualizationSystem
		d.BootTime = info.BootTime
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		d.MemoryTotal = vm.Total
	}
	return d, nil
}

// selinuxMode reads the enforcement state from an selinuxfs mount at root.
func selinuxMode(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "enforce"))
	if err != nil {
		return SELinuxDisabled
	}
	if strings.TrimSpace(string(data)) == "1" {
		return SELinuxEnforcing
	}
	return SELinuxPermissive
}
