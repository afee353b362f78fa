package provision

import (
	"github.com/rootzfs/rootzfs/core/dispatch"
	"github.com/rootzfs/rootzfs/core/distro"
	"github.com/rootzfs/rootzfs/core/transplant"
)

// Registry returns the implementations of every step
func Registry() *dispatch.Registry[StepFunc] {
	r := dispatch.NewRegistry[StepFunc]()

	r.Generic(StoreOSDistroInformation, storeOSDistroInformation)
	r.Generic(CheckSystemMemory, checkSystemMemory)
	r.Generic(SaveDisksLog, saveDisksLog)
	r.Generic(FindSuitableDisks, findSuitableDisks)
	r.Generic(SelectDisks, selectDisks)
	r.Generic(AskBootPartitionSize, askBootPartitionSize)
	r.Variant(AskRootPassword, distro.UbuntuServer, askRootPassword)
	r.Generic(AskEncryption, askEncryption)

	r.Generic(InstallHostPackages, installHostPackages)
	r.Variant(InstallHostPackages, distro.Debian, installHostPackagesDebian)
	r.Generic(SetupPartitions, setupPartitions)
	r.Generic(CreatePools, createPools)
	r.Generic(CreateSwapVolume, createSwapVolume)
	r.Generic(CreateTempVolume, createTempVolume)
	r.Generic(InstallOperatingSystem, installOperatingSystem)
	r.Generic(SyncOSTempInstallationDir, syncOSTempInstallationDir)
	r.Generic(RemoveTempPartitionAndGrow, removeTempPartitionAndGrow)
	r.Generic(PrepareJail, prepareJail)
	r.Generic(InstallJailZFSPackages, installJailZFSPackages)
	r.Variant(InstallJailZFSPackages, distro.Debian, installJailZFSPackagesDebian)
	r.Variant(InstallJailZFSPackages, distro.UbuntuServer, installJailZFSPackagesServer)
	r.Variant(ConfigureRootPassword, distro.UbuntuServer, configureRootPassword)
	r.Generic(PrepareEFIPartition, prepareEFIPartition)
	r.Generic(ConfigureAndUpdateGrub, configureAndUpdateGrub)
	r.Generic(SyncEFIPartitions, syncEFIPartitions)
	r.Generic(ConfigureBootPoolImport, configureBootPoolImport)
	r.Generic(UpdateInitramfs, updateInitramfs)
	r.Generic(UpdateZedCache, updateZedCache)
	r.Variant(UpdateZedCache, distro.Debian, updateZedCacheDebian)
	r.Generic(ConfigurePoolsTrimming, configurePoolsTrimming)
	r.Generic(ConfigureRemainingSettings, configureRemainingSettings)

	return r
}

// InstallerRegistry returns the installer of each distribution. A custom
// installation script takes precedence over all of them.
func InstallerRegistry() *dispatch.Registry[InstallerFunc] {
	r := dispatch.NewRegistry[InstallerFunc]()

	r.Generic(InstallOperatingSystem, func(in *Installation) transplant.Installer {
		return transplant.NewUbiquity(in.Runner, in.installerNotice)
	})
	r.Variant(InstallOperatingSystem, distro.Debian, func(in *Installation) transplant.Installer {
		return transplant.NewCalamares(in.Runner, in.installerNotice)
	})
	r.Variant(InstallOperatingSystem, distro.UbuntuServer, func(in *Installation) transplant.Installer {
		return transplant.NewSquashfsInstaller(in.Disks, in.Fs)
	})

	return r
}

// installerNotice shows the instructions for the GUI installer. They are
// needed to pick the right target, so they are shown even when
// informational messages are turned off.
func (in *Installation) installerNotice(msg string) error {
	return in.UI.Message("Operating system installation", msg)
}
