package disk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	gopsdisk "github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/util"
)

const ByIDDir = "/dev/disk/by-id"

// Disk is a candidate installation target, identified by its stable path
type Disk struct {
	ID      string
	Device  string
	SizeMiB int64
}

var ErrNoSuitableDisks = errors.New("no suitable disks found")

const noDisksHint = `If running in a virtual machine, make sure disks expose a stable identifier:
- VirtualBox: attach the disks to a SATA or NVMe controller, so they report a serial
- VMware: add disk.EnableUUID = "TRUE" to the .vmx file`

var partSuffixExpr = regexp.MustCompile(`-part[0-9]+$`)

type Discoverer struct {
	Runner util.Runner
	Fs     afero.Fs
	Log    *logrus.Logger
	// Mounted returns the devices backing mounted filesystems
	Mounted func(ctx context.Context) ([]string, error)
}

func NewDiscoverer(r util.Runner, fs afero.Fs, log *logrus.Logger) *Discoverer {
	return &Discoverer{Runner: r, Fs: fs, Log: log, Mounted: MountedDevices}
}

// MountedDevices reads the live mount table
func MountedDevices(ctx context.Context) ([]string, error) {
	parts, err := gopsdisk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	devices := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p.Device, "/dev/") {
			devices = append(devices, p.Device)
		}
	}
	return devices, nil
}

// Discover lists the disks that are safe to install to: neither optical nor
// backing a mounted filesystem. by-id links may be stale after VM snapshot
// operations, so udev is asked to re-scan first.
func (d *Discoverer) Discover(ctx context.Context) ([]Disk, error) {
	if err := d.Runner.Run(ctx, "udevadm", "trigger"); err != nil {
		return nil, fmt.Errorf("failed to trigger udev: %w", err)
	}
	if err := d.Runner.Run(ctx, "udevadm", "settle"); err != nil {
		return nil, fmt.Errorf("failed to settle udev: %w", err)
	}

	mounted, err := d.Mounted(ctx)
	if err != nil {
		return nil, err
	}
	mountedDisks := map[string]struct{}{}
	for _, dev := range mounted {
		mountedDisks[dev] = struct{}{}
		if base, part := util.SeparateDiskPart(dev); part != "" {
			mountedDisks[base] = struct{}{}
		}
	}

	entries, err := afero.ReadDir(d.Fs, ByIDDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", ByIDDir, err)
	}

	var disks []Disk
	seen := map[string]struct{}{}
	for _, e := range entries {
		if partSuffixExpr.MatchString(e.Name()) {
			continue
		}
		id := filepath.Join(ByIDDir, e.Name())
		log := d.Log.WithField("disk", id)

		props, err := d.properties(ctx, id)
		if err != nil {
			log.Debugf("skipping: %s", err)
			continue
		}

		device := props["DEVNAME"]
		switch {
		case device == "":
			log.Debug("skipping: no device name")
			continue
		case props["ID_CDROM"] == "1" || props["ID_TYPE"] == "cd":
			log.Debug("skipping optical drive")
			continue
		}
		if _, ok := mountedDisks[device]; ok {
			log.Debug("skipping mounted device")
			continue
		}
		if _, ok := seen[device]; ok {
			continue
		}
		seen[device] = struct{}{}

		size, err := sizeMiB(ctx, d.Runner, device)
		if err != nil {
			log.Debugf("unknown size: %s", err)
		}
		disks = append(disks, Disk{ID: id, Device: device, SizeMiB: size})
	}

	if len(disks) == 0 {
		return nil, fmt.Errorf("%w\n%s", ErrNoSuitableDisks, noDisksHint)
	}
	return disks, nil
}

func (d *Discoverer) properties(ctx context.Context, id string) (map[string]string, error) {
	out, err := d.Runner.Output(ctx, "udevadm", "info", "--query=property", "--name="+id)
	if err != nil {
		return nil, err
	}

	props := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if k, v, ok := strings.Cut(scanner.Text(), "="); ok {
			props[k] = v
		}
	}
	return props, scanner.Err()
}

// Inventory renders the block devices and stable identifiers for the disks
// log
func (d *Discoverer) Inventory(ctx context.Context) (string, error) {
	var b strings.Builder

	lsblk, err := d.Runner.Output(ctx, "lsblk", "-o", "NAME,SIZE,TYPE,FSTYPE,MOUNTPOINT,MODEL")
	if err != nil {
		return "", fmt.Errorf("failed to list block devices: %w", err)
	}
	b.WriteString(lsblk)
	b.WriteString("\n\n")

	entries, err := afero.ReadDir(d.Fs, ByIDDir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", ByIDDir, err)
	}
	for _, e := range entries {
		fmt.Fprintln(&b, filepath.Join(ByIDDir, e.Name()))
	}

	return b.String(), nil
}
