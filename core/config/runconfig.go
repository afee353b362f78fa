package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/secret"
)

const (
	MinPassphraseLength      = 8
	DefaultBootPartitionSize = "2048M"
)

var ErrPassphraseTooShort = fmt.Errorf("the passphrase must be at least %d characters long", MinPassphraseLength)

// RunConfig holds every choice made for a run. It is built once, by
// Draft.Freeze, and only read afterwards.
type RunConfig struct {
	Disks            []string
	BootPartitionMiB int64
	// Passphrase is unset for an unencrypted root pool. PassphraseSet is
	// false until the choice was made.
	Passphrase    *secret.Secret
	PassphraseSet bool
	RootPassword  *secret.Secret

	BootPool        string
	RootPool        string
	BootPoolOptions string
	RootPoolOptions string

	// RaidOverride is the requested topology, Raid the one applied to both
	// pools
	RaidOverride    layout.RaidType
	Raid            layout.RaidType
	RaidZThresholds []layout.Threshold

	NoInfoMessages     bool
	SwapGiB            int64
	FreeTailGiB        int64
	InstallScript      string
	SkipLiveZFSInstall bool
	PoolsTrim          bool
}

// Encrypted stays true once the passphrase is wiped after its last use
func (c RunConfig) Encrypted() bool {
	return c.Passphrase.IsSet() || c.Passphrase.Wiped()
}

// Draft is a RunConfig being completed. The gathering steps fill in what
// the configuration sources left unset.
type Draft struct {
	Disks             []string
	BootPartitionSize string
	Passphrase        *secret.Secret
	// PassphraseSet tells an explicitly empty passphrase, meaning no
	// encryption, from one that must be asked for
	PassphraseSet bool
	RootPassword  *secret.Secret

	BootPool        string
	RootPool        string
	BootPoolOptions string
	RootPoolOptions string

	RaidOverride    layout.RaidType
	RaidZThresholds []layout.Threshold

	NoInfoMessages     bool
	SwapGiB            int64
	FreeTailGiB        int64
	InstallScript      string
	SkipLiveZFSInstall bool
	PoolsTrim          bool
}

var poolNameExpr = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.:-]*$`)

// Load reads a Draft from v
func Load(v *viper.Viper) (*Draft, error) {
	d := &Draft{
		BootPartitionSize:  strings.TrimSpace(v.GetString(KeyBootPartitionSize)),
		PassphraseSet:      v.IsSet(KeyPassphrase),
		BootPool:           strings.TrimSpace(v.GetString(KeyBootPoolName)),
		RootPool:           strings.TrimSpace(v.GetString(KeyRootPoolName)),
		BootPoolOptions:    v.GetString(KeyBootPoolCreateOptions),
		RootPoolOptions:    v.GetString(KeyRootPoolCreateOptions),
		NoInfoMessages:     v.GetBool(KeyNoInfoMessages),
		SwapGiB:            v.GetInt64(KeySwapSize),
		FreeTailGiB:        v.GetInt64(KeyFreeTailSpace),
		InstallScript:      strings.TrimSpace(v.GetString(KeyInstallScript)),
		SkipLiveZFSInstall: v.GetBool(KeySkipLiveZFSInstall),
		PoolsTrim:          v.GetBool(KeyPoolsTrim),
	}

	for _, disk := range strings.Split(v.GetString(KeySelectedDisks), ",") {
		if disk = strings.TrimSpace(disk); disk != "" {
			d.Disks = append(d.Disks, disk)
		}
	}

	if d.PassphraseSet {
		d.Passphrase = secret.New(v.GetString(KeyPassphrase))
	}
	if v.IsSet(KeyRootPassword) && v.GetString(KeyRootPassword) != "" {
		d.RootPassword = secret.New(v.GetString(KeyRootPassword))
	}

	var err error
	if d.RaidOverride, err = layout.ParseRaidType(v.GetString(KeyRaidType)); err != nil {
		return nil, err
	}
	if d.RaidZThresholds, err = layout.ParseThresholds(v.GetString(KeyRaidZThresholds)); err != nil {
		return nil, err
	}

	for name, pool := range map[string]string{"boot": d.BootPool, "root": d.RootPool} {
		if !poolNameExpr.MatchString(pool) {
			return nil, fmt.Errorf("invalid %s pool name %q", name, pool)
		}
	}
	if d.BootPool == d.RootPool {
		return nil, fmt.Errorf("boot and root pool must have different names, both are %q", d.BootPool)
	}
	if d.SwapGiB < 0 || d.FreeTailGiB < 0 {
		return nil, errors.New("swap and tail space sizes cannot be negative")
	}

	return d, nil
}

// ValidatePassphrase accepts an unset or empty passphrase, meaning no
// encryption, or one of at least MinPassphraseLength characters
func ValidatePassphrase(s *secret.Secret) error {
	if !s.IsSet() {
		return nil
	}
	if s.Len() < MinPassphraseLength {
		return ErrPassphraseTooShort
	}
	return nil
}

// ParseSize reads a size like 2048M or 2G, in binary units, returning MiB.
// A bare number is in MiB.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		return n, nil
	}

	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if bytes < units.MiB {
		return 0, fmt.Errorf("size %q is smaller than 1 MiB", s)
	}
	return bytes / units.MiB, nil
}

// Snapshot returns the draft as a RunConfig without validating it
func (d *Draft) Snapshot() RunConfig {
	boot, _ := ParseSize(d.BootPartitionSize)
	return RunConfig{
		Disks:              append([]string(nil), d.Disks...),
		BootPartitionMiB:   boot,
		Passphrase:         d.Passphrase,
		PassphraseSet:      d.PassphraseSet,
		RootPassword:       d.RootPassword,
		BootPool:           d.BootPool,
		RootPool:           d.RootPool,
		BootPoolOptions:    d.BootPoolOptions,
		RootPoolOptions:    d.RootPoolOptions,
		RaidOverride:       d.RaidOverride,
		RaidZThresholds:    d.RaidZThresholds,
		NoInfoMessages:     d.NoInfoMessages,
		SwapGiB:            d.SwapGiB,
		FreeTailGiB:        d.FreeTailGiB,
		InstallScript:      d.InstallScript,
		SkipLiveZFSInstall: d.SkipLiveZFSInstall,
		PoolsTrim:          d.PoolsTrim,
	}
}

// Freeze validates the draft and returns the final RunConfig
func (d *Draft) Freeze() (RunConfig, error) {
	c := d.Snapshot()

	if len(c.Disks) == 0 {
		return c, errors.New("no disks selected")
	}
	size := d.BootPartitionSize
	if size == "" {
		size = DefaultBootPartitionSize
	}
	boot, err := ParseSize(size)
	if err != nil {
		return c, fmt.Errorf("invalid boot partition size: %w", err)
	}
	c.BootPartitionMiB = boot

	if err := ValidatePassphrase(c.Passphrase); err != nil {
		return c, err
	}

	if c.Raid, err = layout.SelectRaidType(len(c.Disks), c.RaidOverride, c.RaidZThresholds); err != nil {
		return c, err
	}
	return c, nil
}

// ReplayEnv returns the choices of the run as environment variables.
// Secrets are left out; an empty ZFS_PASSPHRASE is kept since it encodes
// the choice of no encryption.
func (c RunConfig) ReplayEnv() map[string]string {
	env := map[string]string{}
	set := func(key, value string) {
		if value != "" {
			env[EnvName(key)] = value
		}
	}
	flag := func(key string, v bool) {
		if v {
			env[EnvName(key)] = "1"
		}
	}

	set(KeySelectedDisks, strings.Join(c.Disks, ","))
	if c.BootPartitionMiB > 0 {
		set(KeyBootPartitionSize, fmt.Sprintf("%dM", c.BootPartitionMiB))
	}
	set(KeyBootPoolName, c.BootPool)
	set(KeyRootPoolName, c.RootPool)
	set(KeyBootPoolCreateOptions, c.BootPoolOptions)
	set(KeyRootPoolCreateOptions, c.RootPoolOptions)
	set(KeyRaidType, string(c.RaidOverride))
	if len(c.RaidZThresholds) > 0 {
		set(KeyRaidZThresholds, layout.FormatThresholds(c.RaidZThresholds))
	}
	flag(KeyNoInfoMessages, c.NoInfoMessages)
	env[EnvName(KeySwapSize)] = strconv.FormatInt(c.SwapGiB, 10)
	env[EnvName(KeyFreeTailSpace)] = strconv.FormatInt(c.FreeTailGiB, 10)
	set(KeyInstallScript, c.InstallScript)
	flag(KeySkipLiveZFSInstall, c.SkipLiveZFSInstall)
	if !c.PoolsTrim {
		env[EnvName(KeyPoolsTrim)] = "0"
	}

	if c.PassphraseSet && !c.Encrypted() {
		env[EnvName(KeyPassphrase)] = ""
	}
	return env
}

// Replay renders ReplayEnv as shell export lines
func (c RunConfig) Replay() (string, error) {
	content, err := godotenv.Marshal(c.ReplayEnv())
	if err != nil {
		return "", err
	}

	lines := strings.Split(content, "\n")
	sort.Strings(lines)
	var b strings.Builder
	for _, l := range lines {
		if l != "" {
			b.WriteString("export " + l + "\n")
		}
	}
	return b.String(), nil
}
