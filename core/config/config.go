// Package config merges defaults, an optional configuration file, ZFS_*
// environment variables and command line flags into a RunConfig.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rootzfs/rootzfs/core/zfs"
)

const EnvPrefix = "ZFS"

// Keys, as used in configuration files. The environment variable of a key
// is its upper-case form prefixed with ZFS_.
const (
	KeySelectedDisks         = "selected_disks"
	KeyBootPartitionSize     = "boot_partition_size"
	KeyPassphrase            = "passphrase"
	KeyRootPassword          = "root_password"
	KeyBootPoolName          = "bpool_name"
	KeyRootPoolName          = "rpool_name"
	KeyBootPoolCreateOptions = "bpool_create_options"
	KeyRootPoolCreateOptions = "rpool_create_options"
	KeyRaidType              = "pools_raid_type"
	KeyNoInfoMessages        = "no_info_messages"
	KeySwapSize              = "swap_size"
	KeyFreeTailSpace         = "free_tail_space"
	KeyInstallScript         = "os_installation_script"
	KeySkipLiveZFSInstall    = "skip_live_zfs_module_install"
	KeyRaidZThresholds       = "raidz_thresholds"
	KeyPoolsTrim             = "pools_trim"
)

type option struct {
	key   string
	usage string
	def   any
	// secrets are never accepted on the command line, where any process
	// can read them
	secret bool
	// prompted options have no default: an unset value is asked for
	prompted bool
}

var options = []option{
	{key: KeySelectedDisks, usage: "comma separated disks to install on, as /dev/disk/by-id paths", def: "", prompted: true},
	{key: KeyBootPartitionSize, usage: "boot pool partition size, e.g. 2048M or 2G", def: "", prompted: true},
	{key: KeyPassphrase, secret: true, prompted: true},
	{key: KeyRootPassword, secret: true, prompted: true},
	{key: KeyBootPoolName, usage: "boot pool name", def: zfs.DefaultBootPoolName},
	{key: KeyRootPoolName, usage: "root pool name", def: zfs.DefaultRootPoolName},
	{key: KeyBootPoolCreateOptions, usage: "boot pool creation options", def: zfs.DefaultBootPoolOptions},
	{key: KeyRootPoolCreateOptions, usage: "root pool creation options", def: zfs.DefaultRootPoolOptions},
	{key: KeyRaidType, usage: "redundancy of both pools: mirror, raidz, raidz2 or raidz3; empty selects by disk count", def: ""},
	{key: KeyNoInfoMessages, usage: "do not show informational messages", def: false},
	{key: KeySwapSize, usage: "swap volume size in GiB, 0 for none", def: 2},
	{key: KeyFreeTailSpace, usage: "space in GiB left unpartitioned at the end of every disk", def: 0},
	{key: KeyInstallScript, usage: "script installing the operating system instead of the GUI installer", def: ""},
	{key: KeySkipLiveZFSInstall, usage: "do not install the ZFS packages in the live system", def: false},
	{key: KeyRaidZThresholds, usage: "disk counts selecting the RAIDZ level, e.g. 3:raidz,6:raidz2,11:raidz3", def: ""},
	{key: KeyPoolsTrim, usage: "schedule a weekly trim of both pools", def: true},
}

// FlagName returns the command line flag of key
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// EnvName returns the environment variable of key
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// RegisterFlags adds a flag for every non-secret option to flags
func RegisterFlags(flags *pflag.FlagSet) {
	for _, o := range options {
		if o.secret {
			continue
		}
		usage := fmt.Sprintf("%s (%s)", o.usage, EnvName(o.key))
		switch def := o.def.(type) {
		case bool:
			flags.Bool(FlagName(o.key), def, usage)
		case int:
			flags.Int(FlagName(o.key), def, usage)
		default:
			flags.String(FlagName(o.key), fmt.Sprint(def), usage)
		}
	}
}

// NewViper builds the configuration source. envFile, usually a replay file
// printed by a failed run, is loaded into the environment without
// overriding variables already set. configFile is read if not empty.
func NewViper(flags *pflag.FlagSet, configFile, envFile string) (*viper.Viper, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	for _, o := range options {
		if !o.prompted {
			v.SetDefault(o.key, o.def)
		}
		if flags == nil || o.secret {
			continue
		}
		if f := flags.Lookup(FlagName(o.key)); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, err
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration %s: %w", configFile, err)
		}
	}

	return v, nil
}

// ClearSecretEnv removes the secret variables from the environment once
// they are loaded, so no command started afterwards inherits them
func ClearSecretEnv() error {
	for _, o := range options {
		if !o.secret {
			continue
		}
		if err := os.Unsetenv(EnvName(o.key)); err != nil {
			return fmt.Errorf("failed to unset %s: %w", EnvName(o.key), err)
		}
	}
	return nil
}
