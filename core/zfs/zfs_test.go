package zfs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/util/utiltest"
)

func builder() (*Builder, *utiltest.FakeRunner, *int) {
	r := utiltest.NewFakeRunner()
	log := logrus.New()
	log.SetOutput(io.Discard)
	synced := new(int)
	return &Builder{
		Runner:   r,
		Log:      log,
		PageSize: func() int { return 4096 },
		Sync:     func() { *synced++ },
	}, r, synced
}

func TestSanitizeOptions(t *testing.T) {
	got := SanitizeOptions("-o ashift=12 -O mountpoint=/srv -R /tmp -f -m none -O compression=zstd -Omountpoint=/x -o altroot=/y")
	assert.Equal(t, []string{"-o", "ashift=12", "-O", "compression=zstd"}, got)
	assert.Empty(t, SanitizeOptions(""))
}

func pools(disks []string, raid layout.RaidType, pass *secret.Secret) (Pool, Pool) {
	root := Pool{Name: "rpool", Raid: raid, Options: DefaultRootPoolOptions, Mountpoint: "/", AltRoot: "/mnt", Passphrase: pass}
	boot := Pool{Name: "bpool", Raid: raid, Options: DefaultBootPoolOptions, Mountpoint: "/boot", AltRoot: "/mnt"}
	for _, d := range disks {
		root.Vdevs = append(root.Vdevs, d+"-part3")
		boot.Vdevs = append(boot.Vdevs, d+"-part2")
	}
	return root, boot
}

func TestCreatePoolsOrderAndTopology(t *testing.T) {
	b, r, _ := builder()
	disks := []string{"/dev/disk/by-id/a", "/dev/disk/by-id/b", "/dev/disk/by-id/c"}
	root, boot := pools(disks, layout.RaidZ, nil)

	require.NoError(t, b.CreatePools(context.Background(), root, boot))

	calls := r.Matching("zpool create")
	require.Len(t, calls, 2)
	assert.True(t, strings.HasSuffix(calls[0].String(), "-O mountpoint=/ -R /mnt -f rpool raidz /dev/disk/by-id/a-part3 /dev/disk/by-id/b-part3 /dev/disk/by-id/c-part3"))
	assert.True(t, strings.HasSuffix(calls[1].String(), "-O mountpoint=/boot -R /mnt -f bpool raidz /dev/disk/by-id/a-part2 /dev/disk/by-id/b-part2 /dev/disk/by-id/c-part2"))
	assert.NotContains(t, calls[0].String(), "encryption")
	assert.NotContains(t, calls[1].String(), "encryption")
}

func TestCreatePoolsSingleDisk(t *testing.T) {
	b, r, _ := builder()
	root, boot := pools([]string{"/dev/sda"}, layout.RaidNone, nil)
	root.Vdevs, boot.Vdevs = []string{"/dev/sda3"}, []string{"/dev/sda2"}

	require.NoError(t, b.CreatePools(context.Background(), root, boot))
	calls := r.Matching("zpool create")
	require.Len(t, calls, 2)
	assert.True(t, strings.HasSuffix(calls[0].String(), "-f rpool /dev/sda3"))
}

func TestCreatePoolsEncryptedRootOnly(t *testing.T) {
	b, r, _ := builder()
	pass := secret.New("12345678")
	root, boot := pools([]string{"/dev/disk/by-id/a"}, layout.RaidNone, pass)

	require.NoError(t, b.CreatePools(context.Background(), root, boot))

	calls := r.Matching("zpool create")
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].String(), "-O encryption=aes-256-gcm -O keylocation=prompt -O keyformat=passphrase")
	assert.Equal(t, "12345678\n", calls[0].Input)
	assert.NotContains(t, calls[1].String(), "encryption")
	assert.Empty(t, calls[1].Input)

	for _, c := range r.Calls {
		for _, a := range c.Args {
			assert.NotContains(t, a, "12345678")
		}
	}
}

func TestCreatePoolsRejectsMismatch(t *testing.T) {
	b, r, _ := builder()
	root, boot := pools([]string{"/dev/a", "/dev/b"}, layout.RaidMirror, nil)
	boot.Raid = layout.RaidNone
	assert.Error(t, b.CreatePools(context.Background(), root, boot))

	root, boot = pools([]string{"/dev/a"}, layout.RaidNone, nil)
	boot.Passphrase = secret.New("12345678")
	assert.True(t, errors.Is(b.CreatePools(context.Background(), root, boot), ErrEncryptedBootPool))

	root, boot = pools([]string{"/dev/a"}, layout.RaidZ, nil)
	assert.Error(t, b.CreatePools(context.Background(), root, boot))

	assert.Empty(t, r.Calls)
}

func TestCreatePoolFailureStops(t *testing.T) {
	b, r, _ := builder()
	r.Fail("zpool create", "cannot create 'rpool': one or more devices is currently unavailable")
	root, boot := pools([]string{"/dev/a"}, layout.RaidNone, nil)

	err := b.CreatePools(context.Background(), root, boot)
	assert.ErrorContains(t, err, "rpool")
	assert.Len(t, r.Matching("zpool create"), 1)
}

func TestSwapAndVolumes(t *testing.T) {
	b, r, _ := builder()
	ctx := context.Background()

	dev, err := b.CreateSwap(ctx, "rpool", 2)
	require.NoError(t, err)
	assert.Equal(t, "/dev/zvol/rpool/swap", dev)
	require.NoError(t, b.MakeSwap(ctx, dev))

	tmp, err := b.CreateVolume(ctx, "rpool/os-install-temp", 12)
	require.NoError(t, err)
	require.NoError(t, b.Destroy(ctx, "rpool/os-install-temp"))

	assert.Equal(t, "/dev/zvol/rpool/os-install-temp", tmp)
	assert.Equal(t, []string{
		"zfs create -V 2G -b 4096 -o compression=zle -o logbias=throughput -o sync=always -o primarycache=metadata -o secondarycache=none -o com.sun:auto-snapshot=false rpool/swap",
		"mkswap -f /dev/zvol/rpool/swap",
		"zfs create -V 12G rpool/os-install-temp",
		"zfs destroy rpool/os-install-temp",
	}, r.Commands())
}

func TestExportImportExpand(t *testing.T) {
	b, r, synced := builder()
	ctx := context.Background()
	pass := secret.New("correct horse")

	require.NoError(t, b.ExportAll(ctx))
	require.NoError(t, b.Import(ctx, "rpool", "/mnt", pass))
	require.NoError(t, b.Import(ctx, "bpool", "/mnt", nil))
	require.NoError(t, b.OnlineExpand(ctx, "rpool", "/dev/disk/by-id/a-part3"))

	assert.Equal(t, 1, *synced)
	assert.Equal(t, []string{
		"zpool export -a",
		"zpool import -l -R /mnt rpool",
		"zpool import -R /mnt bpool",
		"zpool online -e rpool /dev/disk/by-id/a-part3",
	}, r.Commands())
	assert.Equal(t, "correct horse\n", r.Calls[1].Input)
}

func TestVersion(t *testing.T) {
	b, r, _ := builder()
	r.Outputs["zfs version"] = "zfs-2.1.5-1ubuntu6~22.04.1\nzfs-kmod-2.1.5-1ubuntu6~22.04.1"
	v, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Contains(t, v, "zfs-kmod-2.1.5")

	b, r, _ = builder()
	r.Fail("zfs version", "unrecognized command 'version'")
	r.Outputs["modinfo"] = "0.7.5-1ubuntu16"
	v, err = b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.7.5-1ubuntu16", v)
}
