// ABOUTME: Host facts gathered with gopsutil for enrollment, ping and inventory reports
// ABOUTME: Falls back to runtime values when the host cannot be inspected

package main

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

type hostFacts struct {
	hostID          string
	hostname        string
	os              string
	arch            string
	platform        string
	platformFamily  string
	platformVersion string
	kernelVersion   string
	bootTime        time.Time
}

func collectFacts(ctx context.Context) hostFacts {
	f := hostFacts{os: runtime.GOOS, arch: runtime.GOARCH}
	if name, err := os.Hostname(); err == nil {
		f.hostname = name
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return f
	}
	f.hostID = info.HostID
	if info.Hostname != "" {
		f.hostname = info.Hostname
	}
	if info.OS != "" {
		f.os = info.OS
	}
	if info.KernelArch != "" {
		f.arch = info.KernelArch
	}
	f.platform = info.Platform
	f.platformFamily = info.PlatformFamily
	f.platformVersion = info.PlatformVersion
	f.kernelVersion = info.KernelVersion
	if info.BootTime > 0 {
		f.bootTime = time.Unix(int64(info.BootTime), 0).UTC()
	}
	return f
}

// osLabel is the OS string sent to the gateway, e.g. "linux ubuntu 24.04".
func (f hostFacts) osLabel() string {
	label := f.os
	if f.platform != "" {
		label += " " + f.platform
	}
	if f.platformVersion != "" {
		label += " " + f.platformVersion
	}
	return label
}

// inventory reports what the agent can see without a package manager: the
// operating system, the kernel and the agent itself.
func inventory(f hostFacts) []store.SoftwareItem {
	items := []store.SoftwareItem{{Name: "fake-agent", Version: version, Publisher: "remoteiq"}}
	if f.platform != "" {
		item := store.SoftwareItem{Name: f.platform, Version: f.platformVersion, Publisher: f.platformFamily}
		if !f.bootTime.IsZero() {
			item.InstallDate = f.bootTime.Format("2006-01-02")
		}
		items = append(items, item)
	}
	if f.kernelVersion != "" {
		items = append(items, store.SoftwareItem{Name: f.os + " kernel", Version: f.kernelVersion})
	}
	return items
}
