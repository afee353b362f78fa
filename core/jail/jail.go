// Package jail configures the target system from a chroot rooted at the
// mounted pools, making it bootable on its own.
package jail

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/disk"
	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/system"
	"github.com/rootzfs/rootzfs/core/util"
	"github.com/rootzfs/rootzfs/core/zfs"
)

const (
	Nameserver       = "8.8.8.8"
	StubResolvConf   = "/run/systemd/resolve/stub-resolv.conf"
	DefaultRetryWait = 5 * time.Second
	// EFISyncDir is where secondary EFI partitions are mounted while cloned
	EFISyncDir = "/tmp/rootzfs-efi"
)

var virtualFilesystems = []string{"/proc", "/sys", "/dev"}

type Jail struct {
	Runner util.Runner
	Fs     afero.Fs
	Log    *logrus.Logger
	Disks  *disk.Manager
	Pools  *zfs.Builder
	Apt    *Apt

	Root      string
	RetryWait time.Duration

	// mounts made below Root, in mount order
	mounts []string
	// efi is the partition mounted by PrepareEFI
	efi disk.Partition
}

func New(r util.Runner, fs afero.Fs, log *logrus.Logger, m *disk.Manager, b *zfs.Builder, root string) *Jail {
	return &Jail{
		Runner:    r,
		Fs:        fs,
		Log:       log,
		Disks:     m,
		Pools:     b,
		Apt:       &Apt{Runner: r, Fs: fs, Root: root},
		Root:      root,
		RetryWait: DefaultRetryWait,
	}
}

func (j *Jail) path(p string) string {
	return filepath.Join(j.Root, p)
}

func (j *Jail) track(dir string) {
	j.mounts = append(j.mounts, dir)
}

func (j *Jail) untrack(dir string) {
	for i, m := range j.mounts {
		if m == dir {
			j.mounts = append(j.mounts[:i], j.mounts[i+1:]...)
			return
		}
	}
}

// Mounts returns the mounts currently held below the root
func (j *Jail) Mounts() []string {
	return append([]string(nil), j.mounts...)
}

// Prepare binds the virtual filesystems of the live system into the root
// and points the resolver stub to a public nameserver
func (j *Jail) Prepare(ctx context.Context) error {
	for _, vfs := range virtualFilesystems {
		dir := j.path(vfs)
		if err := j.Fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := j.Runner.Run(ctx, "mount", "--rbind", vfs, dir); err != nil {
			return fmt.Errorf("failed to bind %s: %w", vfs, err)
		}
		j.track(dir)
	}

	resolv := j.path(StubResolvConf)
	if err := j.Fs.MkdirAll(filepath.Dir(resolv), 0o755); err != nil {
		return fmt.Errorf("failed to create resolver directory: %w", err)
	}
	if err := afero.WriteFile(j.Fs, resolv, []byte("nameserver "+Nameserver+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write resolver configuration: %w", err)
	}
	return nil
}

// PrepareEFI replaces the fstab written by the installer with the EFI
// partition entry and mounts the partition
func (j *Jail) PrepareEFI(ctx context.Context, efi disk.Partition) error {
	partUUID, err := j.Disks.PartUUID(ctx, efi)
	if err != nil {
		return err
	}
	if err := system.GenFstab(j.Fs, j.Root, [][]string{system.EFIFstabEntry(partUUID)}); err != nil {
		return err
	}

	dir := j.path(system.EFIDirectory)
	if err := j.Disks.Mount(ctx, efi.Path, dir); err != nil {
		return err
	}
	j.track(dir)
	j.efi = efi
	return nil
}

// ConfigureGrub installs the bootloader and boots the kernel from rootPool
func (j *Jail) ConfigureGrub(ctx context.Context, rootPool, entryName string) error {
	if err := system.RunGrubInstall(ctx, j.Runner, j.Root, entryName); err != nil {
		return err
	}

	cfg, err := system.GetGrubConfig(j.Fs, j.Root)
	if err != nil {
		return err
	}
	cfg.PatchForZFS(rootPool)
	if err := system.WriteGrubConfig(j.Fs, j.Root, cfg); err != nil {
		return err
	}

	return system.RunGrubMkconfig(ctx, j.Runner, j.Root)
}

// SyncEFIPartitions clones the configured EFI partition to the partitions
// of the other disks and registers a boot entry for each of them
func (j *Jail) SyncEFIPartitions(ctx context.Context, secondary []disk.Partition, entryName string) error {
	source := j.path(system.EFIDirectory) + "/"

	for i, p := range secondary {
		dir := fmt.Sprintf("%s-%d", EFISyncDir, i+2)
		if err := j.Disks.Mount(ctx, p.Path, dir); err != nil {
			return err
		}
		copyErr := j.Runner.Run(ctx, "rsync", "-a", source, dir)
		if err := j.Disks.Unmount(ctx, dir); err != nil {
			j.Log.Warnf("failed to unmount %s: %s", dir, err)
		}
		if copyErr != nil {
			return fmt.Errorf("failed to copy EFI partition to %s: %w", p.Path, copyErr)
		}

		label := fmt.Sprintf("%s-%d", entryName, i+2)
		if err := system.AddBootEntry(ctx, j.Runner, j.Root, p.Path, label, entryName); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureBootPoolImport installs the unit importing bootPool at early
// boot and hands its mounting over to fstab. The EFI partition is mounted
// again on top of the new boot mount.
func (j *Jail) ConfigureBootPoolImport(ctx context.Context, bootPool string) error {
	name := system.BootPoolImportUnitName(bootPool)
	if err := system.WriteUnit(j.Fs, j.Root, name, system.BootPoolImportUnit(bootPool)); err != nil {
		return err
	}
	if err := system.EnableUnits(ctx, j.Runner, j.Root, name); err != nil {
		return err
	}

	// the EFI partition sits on top of the boot pool mount
	efi := j.path(system.EFIDirectory)
	if j.Disks.IsMountpoint(ctx, efi) {
		if err := j.Disks.Unmount(ctx, efi); err != nil {
			return err
		}
	}
	j.untrack(efi)

	if err := j.Pools.SetProperty(ctx, bootPool, "mountpoint", "legacy"); err != nil {
		return err
	}
	if err := system.AppendFstab(j.Fs, j.Root, system.BootPoolFstabEntry(bootPool)); err != nil {
		return err
	}

	boot := j.path("/boot")
	if err := j.Runner.Run(ctx, "mount", "-t", "zfs", bootPool, boot); err != nil {
		return fmt.Errorf("failed to mount %s at %s: %w", bootPool, boot, err)
	}
	j.track(boot)

	if j.efi.Path == "" {
		return nil
	}
	if err := j.Disks.Mount(ctx, j.efi.Path, efi); err != nil {
		return err
	}
	j.track(efi)
	return nil
}

func (j *Jail) UpdateInitramfs(ctx context.Context) error {
	return system.UpdateInitramfs(ctx, j.Runner, j.Root)
}

// UpdateZedCache fills the pool list cache of the event daemon. With
// linkCacher the cacher zedlet is enabled first.
func (j *Jail) UpdateZedCache(ctx context.Context, pools []string, linkCacher bool) error {
	cache := &system.ZedCache{
		Runner:   j.Runner,
		Fs:       j.Fs,
		Log:      j.Log,
		Root:     j.Root,
		Pools:    pools,
		Timeout:  system.DefaultZedCacheTimeout,
		Interval: 100 * time.Millisecond,
	}
	if linkCacher {
		if err := cache.EnableListCacher(ctx); err != nil {
			return err
		}
	}
	return cache.Populate(ctx)
}

// ConfigureTrim schedules a weekly trim of every pool
func (j *Jail) ConfigureTrim(ctx context.Context, pools []string) error {
	if err := system.WriteUnit(j.Fs, j.Root, system.TrimServiceName, system.TrimService()); err != nil {
		return err
	}
	if err := system.WriteUnit(j.Fs, j.Root, system.TrimTimerName, system.TrimTimer()); err != nil {
		return err
	}

	timers := make([]string, 0, len(pools))
	for _, p := range pools {
		timers = append(timers, system.TrimTimerInstance(p))
	}
	return system.EnableUnits(ctx, j.Runner, j.Root, timers...)
}

// ConfigureRemaining adds the swap entry, if any, and disables resume
func (j *Jail) ConfigureRemaining(swapDevice string) error {
	if swapDevice != "" {
		if err := system.AppendFstab(j.Fs, j.Root, system.SwapFstabEntry(swapDevice)); err != nil {
			return err
		}
	}
	return system.DisableResume(j.Fs, j.Root)
}

func (j *Jail) SetRootPassword(ctx context.Context, password *secret.Secret) error {
	return system.SetPassword(ctx, j.Runner, j.Root, "root", password)
}

// Teardown releases every mount held below the root, most recent first.
// A mount surviving a forced lazy unmount is retried once after RetryWait.
func (j *Jail) Teardown(ctx context.Context) error {
	var result error
	for i := len(j.mounts) - 1; i >= 0; i-- {
		dir := j.mounts[i]
		if !j.Disks.IsMountpoint(ctx, dir) {
			continue
		}
		if err := j.unmount(ctx, dir); err == nil && !j.Disks.IsMountpoint(ctx, dir) {
			continue
		}

		j.Log.Debugf("%s still mounted, retrying in %s", dir, j.RetryWait)
		util.Sleep(ctx, j.RetryWait)
		if err := j.unmount(ctx, dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	j.mounts = nil
	return result
}

func (j *Jail) unmount(ctx context.Context, dir string) error {
	if err := j.Runner.Run(ctx, "umount", "--recursive", "--force", "--lazy", dir); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", dir, err)
	}
	return nil
}
