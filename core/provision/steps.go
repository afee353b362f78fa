package provision

import "github.com/rootzfs/rootzfs/core/dispatch"

const (
	StoreOSDistroInformation = "store_os_distro_information"
	CheckSystemMemory        = "check_system_memory"
	SaveDisksLog             = "save_disks_log"
	FindSuitableDisks        = "find_suitable_disks"
	SelectDisks              = "select_disks"
	AskBootPartitionSize     = "ask_boot_partition_size"
	AskRootPassword          = "ask_root_password"
	AskEncryption            = "ask_encryption"

	InstallHostPackages        = "install_host_packages"
	SetupPartitions            = "setup_partitions"
	CreatePools                = "create_pools"
	CreateSwapVolume           = "create_swap_volume"
	CreateTempVolume           = "create_temp_volume"
	InstallOperatingSystem     = "install_operating_system"
	SyncOSTempInstallationDir  = "sync_os_temp_installation_dir_to_rpool"
	RemoveTempPartitionAndGrow = "remove_temp_partition_and_expand_rpool"
	PrepareJail                = "prepare_jail"
	InstallJailZFSPackages     = "install_jail_zfs_packages"
	ConfigureRootPassword      = "configure_root_password"
	PrepareEFIPartition        = "prepare_efi_partition"
	ConfigureAndUpdateGrub     = "configure_and_update_grub"
	SyncEFIPartitions          = "sync_efi_partitions"
	ConfigureBootPoolImport    = "configure_boot_pool_import"
	UpdateInitramfs            = "update_initramfs"
	UpdateZedCache             = "update_zed_cache"
	ConfigurePoolsTrimming     = "configure_pools_trimming"
	ConfigureRemainingSettings = "configure_remaining_settings"
)

type step struct {
	name string
	mode dispatch.Mode
}

// gatherSteps collect information and answers. Nothing is written to the
// disks before all of them ran.
var gatherSteps = []step{
	{StoreOSDistroInformation, dispatch.Required},
	{CheckSystemMemory, dispatch.Required},
	{SaveDisksLog, dispatch.Required},
	{FindSuitableDisks, dispatch.Required},
	{SelectDisks, dispatch.Required},
	{AskBootPartitionSize, dispatch.Optional},
	{AskRootPassword, dispatch.Optional},
	{AskEncryption, dispatch.Required},
}

// executeSteps run against the frozen configuration, in dependency order
var executeSteps = []step{
	{InstallHostPackages, dispatch.Required},
	{SetupPartitions, dispatch.Required},
	{CreatePools, dispatch.Required},
	{CreateSwapVolume, dispatch.Required},
	{CreateTempVolume, dispatch.Required},
	{InstallOperatingSystem, dispatch.Required},
	{SyncOSTempInstallationDir, dispatch.Required},
	{RemoveTempPartitionAndGrow, dispatch.Required},
	{PrepareJail, dispatch.Required},
	{InstallJailZFSPackages, dispatch.Required},
	{ConfigureRootPassword, dispatch.Optional},
	{PrepareEFIPartition, dispatch.Required},
	{ConfigureAndUpdateGrub, dispatch.Required},
	{SyncEFIPartitions, dispatch.Required},
	{ConfigureBootPoolImport, dispatch.Required},
	{UpdateInitramfs, dispatch.Required},
	{UpdateZedCache, dispatch.Required},
	{ConfigurePoolsTrimming, dispatch.Optional},
	{ConfigureRemainingSettings, dispatch.Required},
}

// StepNames lists every step in execution order
func StepNames() []string {
	names := make([]string, 0, len(gatherSteps)+len(executeSteps))
	for _, s := range gatherSteps {
		names = append(names, s.name)
	}
	for _, s := range executeSteps {
		names = append(names, s.name)
	}
	return names
}
