package provision

import (
	"context"
	"fmt"

	"github.com/rootzfs/rootzfs/core/disk"
	"github.com/rootzfs/rootzfs/core/dispatch"
	"github.com/rootzfs/rootzfs/core/jail"
	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/logging"
	"github.com/rootzfs/rootzfs/core/transplant"
	"github.com/rootzfs/rootzfs/core/zfs"
)

func installHostPackages(ctx context.Context, in *Installation) error {
	if in.Config.SkipLiveZFSInstall {
		in.Log.Info("Skipping the ZFS installation in the live system")
		return in.storeZFSVersion(ctx)
	}

	if needsPPA(in.Profile) {
		if err := in.LiveApt.AddPPA(ctx, jail.ZFSPPA); err != nil {
			return err
		}
	} else if err := in.LiveApt.Update(ctx); err != nil {
		return err
	}
	if err := in.LiveApt.Install(ctx, jail.HostPackages...); err != nil {
		return err
	}
	return in.storeZFSVersion(ctx)
}

// installHostPackagesDebian builds the module with DKMS, Debian live images
// ship no ZFS
func installHostPackagesDebian(ctx context.Context, in *Installation) error {
	if in.Config.SkipLiveZFSInstall {
		in.Log.Info("Skipping the ZFS installation in the live system")
		return in.storeZFSVersion(ctx)
	}

	if err := in.LiveApt.EnableContrib(ctx); err != nil {
		return err
	}
	if err := in.LiveApt.Install(ctx, jail.DebianHostPackages...); err != nil {
		return err
	}
	if err := in.Runner.Run(ctx, "modprobe", "zfs"); err != nil {
		return fmt.Errorf("failed to load the ZFS module: %w", err)
	}
	return in.storeZFSVersion(ctx)
}

func (in *Installation) storeZFSVersion(ctx context.Context) error {
	version, err := in.Pools.Version(ctx)
	if err != nil {
		return err
	}
	return in.Logs.Store(logging.ZFSVersionFile, version)
}

func (in *Installation) diskSize(ctx context.Context, id string) (int64, error) {
	for _, d := range in.available {
		if d.ID == id && d.SizeMiB > 0 {
			return d.SizeMiB, nil
		}
	}
	return in.Disks.SizeMiB(ctx, id)
}

func setupPartitions(ctx context.Context, in *Installation) error {
	sizes := make([]layout.DiskSize, 0, len(in.Config.Disks))
	for _, id := range in.Config.Disks {
		size, err := in.diskSize(ctx, id)
		if err != nil {
			return err
		}
		sizes = append(sizes, layout.DiskSize{ID: id, SizeMiB: size})
	}

	plan, err := layout.Compute(layout.Request{
		Disks:   sizes,
		BootMiB: in.Config.BootPartitionMiB,
		TailMiB: in.Config.FreeTailGiB * 1024,
	})
	if err != nil {
		return err
	}
	in.plan = plan
	in.Log.Debugf("partition plan:\n%s", plan)

	for _, d := range plan.Disks {
		in.Log.Infof("Partitioning %s", d.Disk)
		in.Disks.ClearLabels(ctx, d.Disk)
		if err := in.Disks.Wipe(ctx, d.Disk); err != nil {
			return err
		}
		if _, err := in.Disks.CreatePartitions(ctx, d); err != nil {
			return err
		}
	}

	for _, efi := range in.partitions(layout.EFIPartition) {
		efi.Filesystem = disk.FAT32
		if err := in.Disks.MakeFs(ctx, efi); err != nil {
			return err
		}
	}
	return nil
}

func createPools(ctx context.Context, in *Installation) error {
	c := in.Config
	root := zfs.Pool{
		Name:       c.RootPool,
		Vdevs:      in.paths(layout.RootPartition),
		Raid:       c.Raid,
		Options:    c.RootPoolOptions,
		Mountpoint: "/",
		AltRoot:    transplant.DefaultScratch,
		Passphrase: c.Passphrase,
	}
	boot := zfs.Pool{
		Name:       c.BootPool,
		Vdevs:      in.paths(layout.BootPartition),
		Raid:       c.Raid,
		Options:    c.BootPoolOptions,
		Mountpoint: "/boot",
		AltRoot:    transplant.DefaultScratch,
	}

	// a root pool created before the boot pool failed must still be exported
	in.poolsCreated = true
	return in.Pools.CreatePools(ctx, root, boot)
}

func createSwapVolume(ctx context.Context, in *Installation) error {
	if in.Config.SwapGiB == 0 {
		in.Log.Debug("no swap requested")
		return nil
	}

	dev, err := in.Pools.CreateSwap(ctx, in.Config.RootPool, in.Config.SwapGiB)
	if err != nil {
		return err
	}
	in.Disks.WaitUntilAvailable(ctx, dev)
	if err := in.Pools.MakeSwap(ctx, dev); err != nil {
		return err
	}
	in.swapDevice = dev
	return nil
}

func (in *Installation) selectInstaller() (transplant.Installer, error) {
	if in.Config.InstallScript != "" {
		return &transplant.ScriptInstaller{
			Runner: in.Runner,
			Fs:     in.Fs,
			Path:   in.Config.InstallScript,
			Output: func(line string) { in.Log.Info(line) },
		}, nil
	}

	fn, _, err := in.Installers.Lookup(InstallOperatingSystem, in.Profile.ID, dispatch.Required)
	if err != nil {
		return nil, err
	}
	return fn(in), nil
}

func createTempVolume(ctx context.Context, in *Installation) error {
	inst, err := in.selectInstaller()
	if err != nil {
		return err
	}
	in.installer = inst

	v, err := in.Transplant.CreateTempVolume(ctx, in.plan.TempMiB, inst.PreFormat())
	if err != nil {
		return err
	}
	in.volume = v
	return nil
}

func installOperatingSystem(ctx context.Context, in *Installation) error {
	source, err := in.Transplant.Install(ctx, in.installer, in.volume)
	if err != nil {
		return err
	}
	in.source = source
	return nil
}

func syncOSTempInstallationDir(ctx context.Context, in *Installation) error {
	return in.Transplant.Migrate(ctx, in.volume, in.source, in.installer.CopyExcludes())
}

// removeTempPartitionAndGrow holds the last import of the root pool, the
// passphrase is wiped after it
func removeTempPartitionAndGrow(ctx context.Context, in *Installation) error {
	defer in.Config.Passphrase.Wipe()
	return in.Transplant.Reclaim(ctx, in.plan, in.Config.Passphrase)
}

func prepareJail(ctx context.Context, in *Installation) error {
	return in.Jail.Prepare(ctx)
}

func installJailZFSPackages(ctx context.Context, in *Installation) error {
	return in.installJailPackages(ctx, jail.JailPackages)
}

// installJailZFSPackagesServer also installs a kernel, which the unpacked
// server image lacks
func installJailZFSPackagesServer(ctx context.Context, in *Installation) error {
	return in.installJailPackages(ctx, jail.ServerJailPackages)
}

func (in *Installation) installJailPackages(ctx context.Context, packages []string) error {
	apt := in.Jail.Apt
	if needsPPA(in.Profile) {
		if err := apt.AddPPA(ctx, jail.ZFSPPA); err != nil {
			return err
		}
	} else if err := apt.Update(ctx); err != nil {
		return err
	}
	return apt.Install(ctx, packages...)
}

func installJailZFSPackagesDebian(ctx context.Context, in *Installation) error {
	if err := in.Jail.Apt.EnableContrib(ctx); err != nil {
		return err
	}
	return in.Jail.Apt.Install(ctx, jail.DebianJailPackages...)
}

func configureRootPassword(ctx context.Context, in *Installation) error {
	defer in.Config.RootPassword.Wipe()
	return in.Jail.SetRootPassword(ctx, in.Config.RootPassword)
}

func prepareEFIPartition(ctx context.Context, in *Installation) error {
	return in.Jail.PrepareEFI(ctx, in.partitions(layout.EFIPartition)[0])
}

func configureAndUpdateGrub(ctx context.Context, in *Installation) error {
	return in.Jail.ConfigureGrub(ctx, in.Config.RootPool, in.entryName())
}

func syncEFIPartitions(ctx context.Context, in *Installation) error {
	return in.Jail.SyncEFIPartitions(ctx, in.partitions(layout.EFIPartition)[1:], in.entryName())
}

func configureBootPoolImport(ctx context.Context, in *Installation) error {
	return in.Jail.ConfigureBootPoolImport(ctx, in.Config.BootPool)
}

func updateInitramfs(ctx context.Context, in *Installation) error {
	return in.Jail.UpdateInitramfs(ctx)
}

func updateZedCache(ctx context.Context, in *Installation) error {
	return in.Jail.UpdateZedCache(ctx, in.pools(), false)
}

// updateZedCacheDebian also enables the cacher zedlet, which Debian ships
// disabled
func updateZedCacheDebian(ctx context.Context, in *Installation) error {
	return in.Jail.UpdateZedCache(ctx, in.pools(), true)
}

func configurePoolsTrimming(ctx context.Context, in *Installation) error {
	if !in.Config.PoolsTrim {
		in.Log.Debug("pool trimming not requested")
		return nil
	}
	return in.Jail.ConfigureTrim(ctx, in.pools())
}

func configureRemainingSettings(_ context.Context, in *Installation) error {
	return in.Jail.ConfigureRemaining(in.swapDevice)
}
