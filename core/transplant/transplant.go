// Package transplant installs the operating system on a temporary volume
// inside the root pool, copies it into the pool and gives the space back.
package transplant

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/disk"
	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/util"
	"github.com/rootzfs/rootzfs/core/zfs"
)

const (
	DefaultTarget  = "/target"
	DefaultScratch = "/mnt"
	VolumeName     = "os-install-temp"

	// rsync exit code for "some files vanished before they could be
	// transferred"
	rsyncVanished = 24
)

// Progress is a bar driven by percent values
type Progress interface {
	Set(int) error
	Finish() error
}

// Volume is the temporary volume the installer writes to
type Volume struct {
	Dataset   string
	Device    string
	Partition string
	Formatted bool
}

type Transplant struct {
	Runner util.Runner
	Fs     afero.Fs
	Log    *logrus.Logger
	Disks  *disk.Manager
	Pools  *zfs.Builder

	RootPool string
	BootPool string
	// Target is where the temporary volume is mounted, Scratch the altroot
	// of the pools
	Target  string
	Scratch string

	// NewProgress returns the bar used while copying. May be nil.
	NewProgress func(description string) Progress
}

func New(r util.Runner, fs afero.Fs, log *logrus.Logger, m *disk.Manager, b *zfs.Builder) *Transplant {
	return &Transplant{
		Runner:   r,
		Fs:       fs,
		Log:      log,
		Disks:    m,
		Pools:    b,
		RootPool: zfs.DefaultRootPoolName,
		BootPool: zfs.DefaultBootPoolName,
		Target:   DefaultTarget,
		Scratch:  DefaultScratch,
	}
}

func (t *Transplant) target(v Volume) Target {
	return Target{Device: v.Device, Partition: v.Partition, Mountpoint: t.Target}
}

// CreateTempVolume creates the temporary zvol in the root pool and a single
// Linux partition on it. With format, the partition gets an ext4
// filesystem mounted at the target.
func (t *Transplant) CreateTempVolume(ctx context.Context, sizeMiB int64, format bool) (Volume, error) {
	v := Volume{Dataset: t.RootPool + "/" + VolumeName}
	sizeGiB := (sizeMiB + 1023) / 1024
	if sizeGiB <= 0 {
		sizeGiB = layout.TemporaryVolumeGiB
	}

	dev, err := t.Pools.CreateVolume(ctx, v.Dataset, sizeGiB)
	if err != nil {
		return v, err
	}
	v.Device = dev
	t.Disks.WaitUntilAvailable(ctx, dev)

	err = t.Runner.Run(ctx, "sgdisk", "-n1:0:0", "-t1:"+layout.TypeLinuxData, dev)
	if err != nil {
		return v, fmt.Errorf("failed to partition %s: %w", dev, err)
	}
	t.Disks.Settle(ctx)

	part := disk.NewPartition(dev, 1)
	v.Partition = part.Path
	t.Disks.WaitUntilAvailable(ctx, part.Path)

	if !format {
		return v, nil
	}

	part.Filesystem = disk.EXT4
	if err := t.Disks.MakeFs(ctx, part); err != nil {
		return v, err
	}
	if err := t.Disks.Mount(ctx, part.Path, t.Target); err != nil {
		return v, err
	}
	v.Formatted = true
	return v, nil
}

// Install runs inst against v and returns the directory holding the
// installed tree
func (t *Transplant) Install(ctx context.Context, inst Installer, v Volume) (string, error) {
	t.Log.Infof("Installing the system with %s", inst.Name())
	source, err := inst.Install(ctx, t.target(v))
	if err != nil {
		return "", err
	}
	t.Log.Debugf("installed tree is at %s", source)
	return source, nil
}

var progressExpr = regexp.MustCompile(`\s([0-9]{1,3})%\s`)

// ParseProgress extracts the overall percentage from an rsync
// --info=progress2 line
func ParseProgress(line string) (int, bool) {
	m := progressExpr.FindStringSubmatch(" " + line + " ")
	if m == nil {
		return 0, false
	}
	p, err := strconv.Atoi(m[1])
	if err != nil || p > 100 {
		return 0, false
	}
	return p, true
}

// Migrate copies the installed tree at source into the pools mounted at the
// scratch directory, then unmounts the target and drops the temporary
// volume. source is usually the target itself, a custom script may report
// another directory.
func (t *Transplant) Migrate(ctx context.Context, v Volume, source string, excludes []string) error {
	if err := t.Runner.Run(ctx, "swapoff", "-a"); err != nil {
		t.Log.Debugf("swapoff: %s", err)
	}

	// some installers unmount their target on exit
	if !t.Disks.IsMountpoint(ctx, t.Target) {
		t.Log.Debugf("%s is not mounted, mounting %s again", t.Target, v.Partition)
		if err := t.Disks.Mount(ctx, v.Partition, t.Target); err != nil {
			return err
		}
	}

	swapfile := filepath.Join(source, "swapfile")
	if err := t.Fs.Remove(swapfile); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		t.Log.Debugf("failed to remove %s: %s", swapfile, err)
	}

	if err := t.copy(ctx, source, excludes); err != nil {
		return err
	}

	resolve := filepath.Join(t.Scratch, "run/systemd/resolve")
	if err := t.Fs.MkdirAll(resolve, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", resolve, err)
	}

	if err := t.Disks.Unmount(ctx, t.Target); err != nil {
		return err
	}
	return t.Pools.Destroy(ctx, v.Dataset)
}

func (t *Transplant) copy(ctx context.Context, source string, excludes []string) error {
	args := []string{"-aHAX", "--exclude=/swapfile", "--exclude=/run/"}
	for _, e := range excludes {
		args = append(args, "--exclude="+e)
	}
	args = append(args, "--info=progress2", "--no-inc-recursive", "--human-readable",
		filepath.Clean(source)+"/", t.Scratch)

	var bar Progress
	if t.NewProgress != nil {
		bar = t.NewProgress("Copying the system into the pool")
	}

	t.Log.Infof("Copying %s into %s", source, t.Scratch)
	err := t.Runner.RunStreaming(ctx, func(line string) {
		if p, ok := ParseProgress(line); ok && bar != nil {
			_ = bar.Set(p)
		}
	}, "rsync", args...)
	if bar != nil {
		_ = bar.Finish()
	}

	if util.IsExitCode(err, rsyncVanished) {
		t.Log.Warnf("some files vanished while copying: %s", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to copy the installed system: %w", err)
	}
	return nil
}

// Reclaim hands partition 4 back to the root pool on every disk. When the
// tail reservation is kept the partition is only wiped. Otherwise the pools
// are exported, partition 4 removed, partition 3 grown up to the new end and
// the pools imported again before the root pool vdevs are expanded.
func (t *Transplant) Reclaim(ctx context.Context, plan layout.Plan, passphrase *secret.Secret) error {
	r := plan.Reclaim()

	if !r.Needed {
		for _, d := range plan.Disks {
			if err := t.Disks.WipePartition(ctx, disk.NewPartition(d.Disk, layout.TempPartition)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := t.Pools.ExportAll(ctx); err != nil {
		return err
	}

	for _, d := range plan.Disks {
		if err := t.Disks.RemovePartition(ctx, disk.NewPartition(d.Disk, layout.TempPartition)); err != nil {
			return err
		}
		if err := t.Disks.ResizePartition(ctx, disk.NewPartition(d.Disk, layout.RootPartition), r.RootEndMiB); err != nil {
			return err
		}
	}

	t.Disks.Settle(ctx)
	for _, d := range plan.Disks {
		t.Disks.WaitUntilAvailable(ctx, disk.NewPartition(d.Disk, layout.RootPartition).Path)
	}

	if err := t.Pools.Import(ctx, t.RootPool, t.Scratch, passphrase); err != nil {
		return err
	}
	if err := t.Pools.Import(ctx, t.BootPool, t.Scratch, nil); err != nil {
		return err
	}

	for _, d := range plan.Disks {
		vdev := disk.NewPartition(d.Disk, layout.RootPartition).Path
		if err := t.Pools.OnlineExpand(ctx, t.RootPool, vdev); err != nil {
			return err
		}
	}
	return nil
}
