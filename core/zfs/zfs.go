// Package zfs wraps the zpool and zfs tools for the boot and root pools.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/util"
)

const (
	DefaultBootPoolName = "bpool"
	DefaultRootPoolName = "rpool"
)

// Default creation options. Boot pool features are limited to what GRUB can
// read.
var (
	DefaultBootPoolOptions = strings.Join([]string{
		"-o ashift=12 -o autotrim=on -d",
		"-o feature@async_destroy=enabled",
		"-o feature@bookmarks=enabled",
		"-o feature@embedded_data=enabled",
		"-o feature@empty_bpobj=enabled",
		"-o feature@enabled_txg=enabled",
		"-o feature@extensible_dataset=enabled",
		"-o feature@filesystem_limits=enabled",
		"-o feature@hole_birth=enabled",
		"-o feature@large_blocks=enabled",
		"-o feature@lz4_compress=enabled",
		"-o feature@spacemap_histogram=enabled",
		"-O acltype=posixacl -O compression=lz4 -O devices=off -O normalization=formD -O relatime=on -O xattr=sa",
	}, " ")

	DefaultRootPoolOptions = "-o ashift=12 -o autotrim=on -O acltype=posixacl -O compression=lz4 -O dnodesize=auto -O normalization=formD -O relatime=on -O xattr=sa -O devices=off"
)

var encryptionOptions = []string{
	"-O", "encryption=aes-256-gcm",
	"-O", "keylocation=prompt",
	"-O", "keyformat=passphrase",
}

// Pool describes a pool to create
type Pool struct {
	Name  string
	Vdevs []string
	Raid  layout.RaidType
	// Options are the user-tunable creation options, as a zpool argument string
	Options    string
	Mountpoint string
	AltRoot    string
	Passphrase *secret.Secret
}

func (p Pool) Encrypted() bool {
	return p.Passphrase.IsSet()
}

// SanitizeOptions splits a creation option string and drops the mount
// related options, which are always set by the installer
func SanitizeOptions(options string) []string {
	fields := strings.Fields(options)
	out := make([]string, 0, len(fields))

	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-f":
			continue
		case f == "-R" || f == "-m":
			i++
			continue
		case (f == "-O" || f == "-o") && i+1 < len(fields) && forcedProperty(fields[i+1]):
			i++
			continue
		case (strings.HasPrefix(f, "-O") || strings.HasPrefix(f, "-o")) && len(f) > 2 && forcedProperty(f[2:]):
			continue
		}
		out = append(out, f)
	}
	return out
}

func forcedProperty(kv string) bool {
	return strings.HasPrefix(kv, "mountpoint=") || strings.HasPrefix(kv, "altroot=")
}

// CreateArgs renders the zpool create arguments. No secret ever appears in
// them: the passphrase is read from stdin.
func (p Pool) CreateArgs() []string {
	args := []string{"create"}
	args = append(args, SanitizeOptions(p.Options)...)
	if p.Encrypted() {
		args = append(args, encryptionOptions...)
	}
	args = append(args, "-O", "mountpoint="+p.Mountpoint, "-R", p.AltRoot, "-f", p.Name)
	if p.Raid != layout.RaidNone {
		args = append(args, string(p.Raid))
	}
	return append(args, p.Vdevs...)
}

type Builder struct {
	Runner   util.Runner
	Log      *logrus.Logger
	PageSize func() int
	Sync     func()
}

func NewBuilder(r util.Runner, log *logrus.Logger) *Builder {
	return &Builder{Runner: r, Log: log, PageSize: unix.Getpagesize, Sync: unix.Sync}
}

func (b *Builder) Create(ctx context.Context, p Pool) error {
	if len(p.Vdevs) == 0 {
		return fmt.Errorf("pool %s has no devices", p.Name)
	}
	if len(p.Vdevs) < p.Raid.MinDisks() {
		return fmt.Errorf("pool %s: %s needs at least %d devices", p.Name, p.Raid, p.Raid.MinDisks())
	}

	b.Log.WithFields(logrus.Fields{"pool": p.Name, "raid": p.Raid.String(), "encrypted": p.Encrypted()}).Info("Creating pool")

	var err error
	if p.Encrypted() {
		err = b.Runner.RunWithInput(ctx, p.Passphrase.Reader(), "zpool", p.CreateArgs()...)
	} else {
		err = b.Runner.Run(ctx, "zpool", p.CreateArgs()...)
	}
	if err != nil {
		return fmt.Errorf("failed to create pool %s: %w", p.Name, err)
	}
	return nil
}

var ErrEncryptedBootPool = errors.New("the boot pool cannot be encrypted")

// CreatePools creates the root pool, which owns "/", then the boot pool
// nested below it. Both must share the same topology.
func (b *Builder) CreatePools(ctx context.Context, root, boot Pool) error {
	if root.Raid != boot.Raid {
		return fmt.Errorf("pools must share the same topology, got %s and %s", root.Raid, boot.Raid)
	}
	if boot.Encrypted() {
		return ErrEncryptedBootPool
	}

	if err := b.Create(ctx, root); err != nil {
		return err
	}
	return b.Create(ctx, boot)
}

// CreateVolume creates a zvol of sizeGiB, returning its device path
func (b *Builder) CreateVolume(ctx context.Context, name string, sizeGiB int64, options ...string) (string, error) {
	args := []string{"create", "-V", fmt.Sprintf("%dG", sizeGiB)}
	args = append(args, options...)
	args = append(args, name)
	if err := b.Runner.Run(ctx, "zfs", args...); err != nil {
		return "", fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return VolumeDevice(name), nil
}

func VolumeDevice(name string) string {
	return "/dev/zvol/" + name
}

// CreateSwap creates the swap zvol. It returns the device path; the swap
// signature is written with MakeSwap once the device node shows up.
func (b *Builder) CreateSwap(ctx context.Context, pool string, sizeGiB int64) (string, error) {
	return b.CreateVolume(ctx, pool+"/swap", sizeGiB,
		"-b", fmt.Sprint(b.PageSize()),
		"-o", "compression=zle",
		"-o", "logbias=throughput",
		"-o", "sync=always",
		"-o", "primarycache=metadata",
		"-o", "secondarycache=none",
		"-o", "com.sun:auto-snapshot=false",
	)
}

func (b *Builder) MakeSwap(ctx context.Context, device string) error {
	if err := b.Runner.Run(ctx, "mkswap", "-f", device); err != nil {
		return fmt.Errorf("failed to initialize swap on %s: %w", device, err)
	}
	return nil
}

func (b *Builder) Destroy(ctx context.Context, dataset string) error {
	if err := b.Runner.Run(ctx, "zfs", "destroy", dataset); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", dataset, err)
	}
	return nil
}

func (b *Builder) SetProperty(ctx context.Context, dataset, property, value string) error {
	if err := b.Runner.Run(ctx, "zfs", "set", property+"="+value, dataset); err != nil {
		return fmt.Errorf("failed to set %s on %s: %w", property, dataset, err)
	}
	return nil
}

// ExportAll flushes pending writes and exports every imported pool
func (b *Builder) ExportAll(ctx context.Context) error {
	b.Sync()
	if err := b.Runner.Run(ctx, "zpool", "export", "-a"); err != nil {
		return fmt.Errorf("failed to export pools: %w", err)
	}
	return nil
}

// Import imports name below altRoot, loading its key from passphrase when
// the pool is encrypted
func (b *Builder) Import(ctx context.Context, name, altRoot string, passphrase *secret.Secret) error {
	var err error
	if passphrase.IsSet() {
		err = b.Runner.RunWithInput(ctx, passphrase.Reader(), "zpool", "import", "-l", "-R", altRoot, name)
	} else {
		err = b.Runner.Run(ctx, "zpool", "import", "-R", altRoot, name)
	}
	if err != nil {
		return fmt.Errorf("failed to import pool %s: %w", name, err)
	}
	return nil
}

// OnlineExpand grows vdev to the size of its partition
func (b *Builder) OnlineExpand(ctx context.Context, pool, vdev string) error {
	if err := b.Runner.Run(ctx, "zpool", "online", "-e", pool, vdev); err != nil {
		return fmt.Errorf("failed to expand %s in %s: %w", vdev, pool, err)
	}
	return nil
}

// Version returns the version of the ZFS userspace and kernel module
func (b *Builder) Version(ctx context.Context) (string, error) {
	out, err := b.Runner.Output(ctx, "zfs", "version")
	if err == nil {
		return out, nil
	}

	// 0.7 has no version subcommand
	out, modErr := b.Runner.Output(ctx, "modinfo", "-F", "version", "zfs")
	if modErr != nil {
		return "", fmt.Errorf("failed to get ZFS version: %w", errors.Join(err, modErr))
	}
	return out, nil
}
