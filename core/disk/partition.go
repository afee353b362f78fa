package disk

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/util"
)

const DefaultSettleTimeout = 10 * time.Second

type Partition struct {
	Disk       string
	Number     int
	Path       string
	Filesystem PartitionFs
}

func NewPartition(disk string, number int) Partition {
	p := Partition{Disk: disk, Number: number}
	p.FillPath(disk)
	return p
}

func (p *Partition) FillPath(basePath string) {
	p.Path = util.PartitionPath(basePath, p.Number)
}

// Manager performs the destructive disk operations
type Manager struct {
	Runner util.Runner
	Fs     afero.Fs
	Log    *logrus.Logger

	SettleTimeout time.Duration
	PollInterval  time.Duration
}

func NewManager(r util.Runner, fs afero.Fs, log *logrus.Logger) *Manager {
	return &Manager{
		Runner:        r,
		Fs:            fs,
		Log:           log,
		SettleTimeout: DefaultSettleTimeout,
		PollInterval:  250 * time.Millisecond,
	}
}

// ClearLabels removes ZFS labels from every existing partition of disk.
// wipefs does not know about them, and a stale label makes zpool create
// refuse the device or, worse, import ghosts of old pools.
func (m *Manager) ClearLabels(ctx context.Context, disk string) {
	parts, err := m.Partitions(disk)
	if err != nil {
		m.Log.Debugf("failed to list partitions of %s: %s", disk, err)
		return
	}

	for _, p := range parts {
		if err := m.Runner.Run(ctx, "zpool", "labelclear", "-f", p.Path); err != nil {
			m.Log.Debugf("no ZFS label on %s: %s", p.Path, err)
		}
	}
}

// Wipe removes every signature and the partition table of disk
func (m *Manager) Wipe(ctx context.Context, disk string) error {
	if err := m.Runner.Run(ctx, "wipefs", "--all", disk); err != nil {
		return fmt.Errorf("failed to wipe %s: %w", disk, err)
	}
	if err := m.Runner.Run(ctx, "sgdisk", "--zap-all", disk); err != nil {
		return fmt.Errorf("failed to clear partition table of %s: %w", disk, err)
	}
	return nil
}

// WipePartition removes the filesystem signatures of p, keeping the partition
func (m *Manager) WipePartition(ctx context.Context, p Partition) error {
	if err := m.Runner.Run(ctx, "wipefs", "--all", p.Path); err != nil {
		return fmt.Errorf("failed to wipe %s: %w", p.Path, err)
	}
	return nil
}

// CreatePartitions writes the four partitions of l and returns them once
// their device nodes settled, or once the settle timeout elapsed.
func (m *Manager) CreatePartitions(ctx context.Context, l layout.DiskLayout) ([]Partition, error) {
	parts := make([]Partition, 0, len(l.Partitions))
	for _, r := range l.Partitions {
		size := "0"
		if r.SizeMiB > 0 {
			size = fmt.Sprintf("+%dM", r.SizeMiB)
		}
		n := strconv.Itoa(r.Number)

		err := m.Runner.Run(ctx, "sgdisk",
			fmt.Sprintf("-n%s:%dM:%s", n, r.StartMiB, size),
			fmt.Sprintf("-t%s:%s", n, r.TypeCode),
			l.Disk)
		if err != nil {
			return nil, fmt.Errorf("failed to create partition %d on %s: %w", r.Number, l.Disk, err)
		}

		parts = append(parts, NewPartition(l.Disk, r.Number))
	}

	m.Settle(ctx)
	for _, p := range parts {
		m.WaitUntilAvailable(ctx, p.Path)
	}

	return parts, nil
}

// Settle waits for udev to process pending events
func (m *Manager) Settle(ctx context.Context) {
	timeout := fmt.Sprintf("--timeout=%d", int(m.SettleTimeout.Seconds()))
	if err := m.Runner.Run(ctx, "udevadm", "settle", timeout); err != nil {
		m.Log.Debugf("udevadm settle: %s", err)
	}
}

// WaitUntilAvailable polls for path to appear. Device node creation is racy
// on some virtualization platforms, so running out of time is only logged
// and the caller carries on.
func (m *Manager) WaitUntilAvailable(ctx context.Context, path string) bool {
	ok := util.WaitFor(ctx, m.SettleTimeout, m.PollInterval, func() bool {
		_, err := m.Fs.Stat(path)
		return err == nil
	})
	if !ok {
		m.Log.Warnf("%s did not show up within %s, continuing anyway", path, m.SettleTimeout)
	}
	return ok
}

func (m *Manager) RemovePartition(ctx context.Context, p Partition) error {
	err := m.Runner.Run(ctx, "parted", "-s", p.Disk, "rm", strconv.Itoa(p.Number))
	if err != nil {
		return fmt.Errorf("failed to remove partition: %w", err)
	}
	return nil
}

// ResizePartition moves the end of p to endMiB
func (m *Manager) ResizePartition(ctx context.Context, p Partition, endMiB int64) error {
	err := m.Runner.Run(ctx, "parted", "-s", p.Disk, "unit", "MiB", "resizepart", strconv.Itoa(p.Number), strconv.FormatInt(endMiB, 10))
	if err != nil {
		return fmt.Errorf("failed to resize partition: %w", err)
	}
	return nil
}

func (m *Manager) PartUUID(ctx context.Context, p Partition) (string, error) {
	out, err := m.Runner.Output(ctx, "lsblk", "-d", "-n", "-o", "PARTUUID", p.Path)
	if err != nil {
		return "", fmt.Errorf("failed to get partition UUID: %w", err)
	}
	if out == "" {
		return "", fmt.Errorf("%s has no partition UUID", p.Path)
	}
	return out, nil
}

// SizeMiB returns the size of a block device
func (m *Manager) SizeMiB(ctx context.Context, device string) (int64, error) {
	return sizeMiB(ctx, m.Runner, device)
}

func sizeMiB(ctx context.Context, r util.Runner, device string) (int64, error) {
	out, err := r.Output(ctx, "blockdev", "--getsize64", device)
	if err != nil {
		return 0, fmt.Errorf("failed to get size of %s: %w", device, err)
	}
	bytes, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected size %q for %s: %w", out, device, err)
	}
	return bytes / (1 << 20), nil
}

// Partitions lists the partitions of disk that currently exist
func (m *Manager) Partitions(disk string) ([]Partition, error) {
	matches, err := afero.Glob(m.Fs, filepath.Clean(disk)+"*")
	if err != nil {
		return nil, err
	}

	var parts []Partition
	for _, path := range matches {
		base, _ := util.SeparateDiskPart(path)
		if base != disk {
			continue
		}
		n, err := util.PartitionNumber(path)
		if err != nil {
			continue
		}
		parts = append(parts, Partition{Disk: disk, Number: n, Path: path})
	}
	return parts, nil
}
