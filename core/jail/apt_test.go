package jail

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rootzfs/rootzfs/core/util/utiltest"
)

func TestAptLiveAndChroot(t *testing.T) {
	r := utiltest.NewFakeRunner()
	ctx := context.Background()

	live := &Apt{Runner: r, Fs: afero.NewMemMapFs()}
	require.NoError(t, live.AddPPA(ctx, ZFSPPA))
	require.NoError(t, live.Install(ctx, HostPackages...))

	jailed := &Apt{Runner: r, Fs: afero.NewMemMapFs(), Root: "/mnt"}
	require.NoError(t, jailed.Install(ctx, JailPackages...))
	require.NoError(t, jailed.Install(ctx))

	assert.Equal(t, []string{
		"sh -c add-apt-repository --yes ppa:jonathonf/zfs",
		"sh -c apt update",
		"sh -c DEBIAN_FRONTEND=noninteractive apt install --yes zfsutils-linux",
		"chroot /mnt sh -c DEBIAN_FRONTEND=noninteractive apt install --yes zfs-initramfs zfs-zed grub-efi-amd64-signed shim-signed efibootmgr",
	}, r.Commands())
}

func TestAptInstallFailure(t *testing.T) {
	r := utiltest.NewFakeRunner()
	r.Fail("chroot", "E: Unable to locate package zfs-zed")
	a := &Apt{Runner: r, Fs: afero.NewMemMapFs(), Root: "/mnt"}

	assert.ErrorContains(t, a.Install(context.Background(), "zfs-zed"), "failed to install zfs-zed")
}

func TestAddComponent(t *testing.T) {
	sources := `# deb cdrom:[Debian GNU/Linux 12.1.0 _Bookworm_]/ bookworm main
deb http://deb.debian.org/debian/ bookworm main non-free-firmware
deb-src http://deb.debian.org/debian/ bookworm main contrib
deb [arch=amd64] http://security.debian.org/debian-security bookworm-security main
`
	got := AddComponent(sources, "contrib")

	assert.Equal(t, `# deb cdrom:[Debian GNU/Linux 12.1.0 _Bookworm_]/ bookworm main
deb http://deb.debian.org/debian/ bookworm main non-free-firmware contrib
deb-src http://deb.debian.org/debian/ bookworm main contrib
deb [arch=amd64] http://security.debian.org/debian-security bookworm-security main contrib
`, got)
	assert.Equal(t, got, AddComponent(got, "contrib"))
}

func TestEnableContrib(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := utiltest.NewFakeRunner()
	require.NoError(t, afero.WriteFile(fs, "/mnt/etc/apt/sources.list", []byte("deb http://deb.debian.org/debian/ bookworm main\n"), 0o644))

	a := &Apt{Runner: r, Fs: fs, Root: "/mnt"}
	require.NoError(t, a.EnableContrib(context.Background()))

	content, err := afero.ReadFile(fs, "/mnt/etc/apt/sources.list")
	require.NoError(t, err)
	assert.Equal(t, "deb http://deb.debian.org/debian/ bookworm main contrib\n", string(content))
	assert.Equal(t, []string{"chroot /mnt sh -c apt update"}, r.Commands())

	assert.Error(t, (&Apt{Runner: r, Fs: fs, Root: "/nowhere"}).EnableContrib(context.Background()))
}
