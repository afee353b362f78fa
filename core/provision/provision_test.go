package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rootzfs/rootzfs/core/config"
	"github.com/rootzfs/rootzfs/core/dispatch"
	"github.com/rootzfs/rootzfs/core/distro"
	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/logging"
	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/ui"
	"github.com/rootzfs/rootzfs/core/ui/uitest"
	"github.com/rootzfs/rootzfs/core/util/utiltest"
	"github.com/rootzfs/rootzfs/core/zfs"
)

const logDir = "/var/log/rootzfs"

// tracingRunner logs every command the way the exec runner does, so the
// trace log of a test run holds the same arguments a real one would
type tracingRunner struct {
	*utiltest.FakeRunner
	log *logrus.Logger
}

func (t tracingRunner) trace(name string, args []string) {
	t.log.WithFields(logrus.Fields{"cmd": name, "args": args}).Debug("exec")
}

func (t tracingRunner) Run(ctx context.Context, name string, args ...string) error {
	t.trace(name, args)
	return t.FakeRunner.Run(ctx, name, args...)
}

func (t tracingRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	t.trace(name, args)
	return t.FakeRunner.Output(ctx, name, args...)
}

func (t tracingRunner) RunWithInput(ctx context.Context, input io.Reader, name string, args ...string) error {
	t.trace(name, args)
	return t.FakeRunner.RunWithInput(ctx, input, name, args...)
}

func (t tracingRunner) RunStreaming(ctx context.Context, onLine func(string), name string, args ...string) error {
	t.trace(name, args)
	return t.FakeRunner.RunStreaming(ctx, onLine, name, args...)
}

type harness struct {
	in      *Installation
	r       *utiltest.FakeRunner
	fs      afero.Fs
	ui      *uitest.Scripted
	out     *bytes.Buffer
	console *bytes.Buffer
	disks   []string
}

func diskID(i int) string {
	return fmt.Sprintf("/dev/disk/by-id/ata-DISK%c", 'A'+i)
}

func newHarness(t *testing.T, profile distro.Profile, disks int) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	r := utiltest.NewFakeRunner()
	h := &harness{r: r, fs: fs, ui: &uitest.Scripted{}, out: &bytes.Buffer{}, console: &bytes.Buffer{}}

	require.NoError(t, afero.WriteFile(fs, "/etc/os-release", []byte(fmt.Sprintf("ID=%s\nVERSION_ID=%q\n", strings.ToLower(string(profile.ID)), profile.Version)), 0o644))
	for i := 0; i < disks; i++ {
		id := diskID(i)
		require.NoError(t, afero.WriteFile(fs, id, nil, 0o644))
		r.Outputs["udevadm info --query=property --name="+id] = fmt.Sprintf("DEVNAME=/dev/sd%c\nID_TYPE=disk\n", 'a'+i)
		h.disks = append(h.disks, id)
	}
	h.ui.Disks = h.disks

	r.Outputs["blockdev --getsize64"] = "107374182400"
	r.Outputs["uname -a"] = "Linux ubuntu 5.15.0-25-generic #25-Ubuntu SMP x86_64 GNU/Linux"
	r.Outputs["ps ax --forest"] = "PID TTY STAT TIME COMMAND\n1 ? Ss 0:01 /sbin/init"
	r.Outputs["lsblk -o"] = "NAME SIZE TYPE FSTYPE MOUNTPOINT MODEL"
	r.Outputs["lsblk -d -n -o PARTUUID"] = "0b5c5a6e-01"
	r.Outputs["zfs version"] = "zfs-2.1.5-1ubuntu6\nzfs-kmod-2.1.5-1ubuntu6"
	// nothing is ever mounted on the fake system
	r.Fail("mountpoint -q", "exit status 1")
	r.Hooks["chroot /mnt sh -c zfs set canmount=on"] = func(c utiltest.Call) {
		pool := c.Args[len(c.Args)-1]
		pool = pool[strings.LastIndex(pool, " ")+1:]
		_ = afero.WriteFile(fs, "/mnt/etc/zfs/zfs-list.cache/"+pool, []byte(pool+"\t/mnt/"+pool+"\n"), 0o644)
	}

	redact := secret.NewRedactHook()
	logs, err := logging.Setup(fs, logDir, h.console, redact)
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	draft := &config.Draft{
		PassphraseSet:   true,
		BootPool:        zfs.DefaultBootPoolName,
		RootPool:        zfs.DefaultRootPoolName,
		BootPoolOptions: zfs.DefaultBootPoolOptions,
		RootPoolOptions: zfs.DefaultRootPoolOptions,
		RaidZThresholds: layout.DefaultRaidZThresholds,
		NoInfoMessages:  true,
		PoolsTrim:       true,
	}

	h.in = New(Options{
		Runner:  tracingRunner{FakeRunner: r, log: logs.Logger},
		Fs:      fs,
		Logs:    logs,
		UI:      h.ui,
		Out:     h.out,
		Redact:  redact,
		Profile: profile,
		Draft:   draft,
	})
	h.in.Memory = func(context.Context) (uint64, error) { return 8 << 30, nil }
	h.in.Discoverer.Mounted = func(context.Context) ([]string, error) { return []string{"/dev/sr0"}, nil }
	h.in.Disks.SettleTimeout = time.Millisecond
	h.in.Disks.PollInterval = time.Millisecond
	h.in.Pools.PageSize = func() int { return 4096 }
	h.in.Pools.Sync = func() {}
	return h
}

func (h *harness) read(t *testing.T, path string) string {
	t.Helper()
	b, err := afero.ReadFile(h.fs, path)
	require.NoError(t, err)
	return string(b)
}

func ubuntu() distro.Profile {
	return distro.Profile{ID: distro.Ubuntu, Version: "22.04"}
}

func zpoolCreate(t *testing.T, r *utiltest.FakeRunner, pool string) utiltest.Call {
	t.Helper()
	for _, c := range r.Matching("zpool create") {
		for i, a := range c.Args {
			if a == "-f" && i+1 < len(c.Args) && c.Args[i+1] == pool {
				return c
			}
		}
	}
	t.Fatalf("pool %s was not created", pool)
	return utiltest.Call{}
}

func without(names []string, skip ...string) []string {
	var out []string
	for _, n := range names {
		keep := true
		for _, s := range skip {
			keep = keep && n != s
		}
		if keep {
			out = append(out, n)
		}
	}
	return out
}

func TestSingleDiskUnencrypted(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	disk := h.disks[0]

	require.NoError(t, h.in.Run(context.Background()))

	assert.Equal(t, without(StepNames(), AskRootPassword, ConfigureRootPassword), h.in.Executed())
	assert.Equal(t, layout.RaidNone, h.in.Config.Raid)

	root := zpoolCreate(t, h.r, "rpool")
	assert.Equal(t, []string{"-f", "rpool", disk + "-part3"}, root.Args[len(root.Args)-3:])
	assert.NotContains(t, root.Args, "encryption=aes-256-gcm")
	boot := zpoolCreate(t, h.r, "bpool")
	assert.Equal(t, disk+"-part2", boot.Args[len(boot.Args)-1])

	// partition 4 is gone and partition 3 grown over it
	assert.Len(t, h.r.Matching("sgdisk -n4:"), 1)
	assert.Len(t, h.r.Matching("parted -s "+disk+" rm 4"), 1)
	assert.Len(t, h.r.Matching("parted -s "+disk+" unit MiB resizepart 3"), 1)
	assert.Len(t, h.r.Matching("zpool online -e rpool "+disk+"-part3"), 1)

	assert.Empty(t, h.r.Matching("mkswap"))
	assert.Len(t, h.r.Matching("ubiquity --no-bootloader"), 1)
	assert.Contains(t, h.ui.Messages, "Operating system installation")
	assert.Empty(t, h.r.Matching("chroot /mnt sh -c efibootmgr"))

	fstab := h.read(t, "/mnt/etc/fstab")
	assert.Contains(t, fstab, "PARTUUID=0b5c5a6e-01 /boot/efi vfat")
	assert.Contains(t, fstab, "bpool")
	assert.Contains(t, h.read(t, "/mnt/etc/default/grub"), "root=ZFS=rpool")
	assert.Contains(t, h.read(t, filepath.Join(logDir, logging.ZFSVersionFile)), "zfs-2.1.5")
	assert.Contains(t, h.read(t, filepath.Join(logDir, logging.OSInformationFile)), "Ubuntu 22.04")

	commands := h.r.Commands()
	assert.Equal(t, "zpool export -a", commands[len(commands)-1])
	assert.Contains(t, h.out.String(), "Installation completed")
	assert.Contains(t, h.out.String(), filepath.Join(logDir, logging.DisksFile))
}

func TestThreeDisksWithSwap(t *testing.T) {
	h := newHarness(t, ubuntu(), 3)
	h.in.Draft.SwapGiB = 2

	require.NoError(t, h.in.Run(context.Background()))
	assert.Equal(t, layout.RaidZ, h.in.Config.Raid)

	for _, pool := range []string{"rpool", "bpool"} {
		c := zpoolCreate(t, h.r, pool)
		assert.Equal(t, "raidz", c.Args[len(c.Args)-4], pool)
	}

	assert.Len(t, h.r.Matching("zfs create -V 2G -b 4096"), 1)
	assert.Len(t, h.r.Matching("mkswap -f /dev/zvol/rpool/swap"), 1)
	assert.Contains(t, h.read(t, "/mnt/etc/fstab"), "/dev/zvol/rpool/swap")

	assert.Len(t, h.r.Matching("mkfs.fat -I -F 32"), 3)
	for i, d := range h.disks[1:] {
		dir := fmt.Sprintf("/tmp/rootzfs-efi-%d", i+2)
		assert.Len(t, h.r.Matching("mount "+d+"-part1 "+dir), 1)
		assert.Len(t, h.r.Matching("rsync -a /mnt/boot/efi/ "+dir), 1)
	}
	assert.Len(t, h.r.Matching("chroot /mnt sh -c efibootmgr --create"), 2)
	assert.Less(t, h.r.Index("chroot /mnt sh -c grub-install"), h.r.Index("rsync -a /mnt/boot/efi/"))
}

func TestEncryptedRootPool(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Draft.PassphraseSet = false
	h.ui.Passwords = []string{"short", "correct horse", "correct hors", "12345678", "12345678"}

	require.NoError(t, h.in.Run(context.Background()))
	assert.True(t, h.in.Config.Encrypted())
	assert.Len(t, h.ui.Warnings, 2)

	root := zpoolCreate(t, h.r, "rpool")
	assert.Contains(t, root.Args, "encryption=aes-256-gcm")
	assert.Contains(t, root.Args, "keyformat=passphrase")
	assert.Equal(t, "12345678\n", root.Input)

	boot := zpoolCreate(t, h.r, "bpool")
	assert.NotContains(t, boot.Args, "encryption=aes-256-gcm")
	assert.Empty(t, boot.Input)

	imports := h.r.Matching("zpool import -l -R /mnt rpool")
	require.Len(t, imports, 1)
	assert.Equal(t, "12345678\n", imports[0].Input)

	for _, c := range h.r.Calls {
		assert.NotContains(t, c.String(), "12345678")
	}
	assert.NotContains(t, h.read(t, filepath.Join(logDir, logging.TraceFile)), "12345678")
	assert.NotContains(t, h.console.String(), "12345678")
	assert.NotContains(t, h.out.String(), "12345678")
	assert.False(t, h.in.Config.Passphrase.IsSet())
}

func TestPassphraseWipedAfterLastImport(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Draft.Passphrase = secret.New("12345678")
	var setDuringJail bool
	h.r.Hooks["mount --rbind"] = func(utiltest.Call) {
		setDuringJail = setDuringJail || h.in.Config.Passphrase.IsSet()
	}
	h.r.Fail("chroot /mnt sh -c grub-install", "grub-install: error: cannot find EFI directory")

	err := h.in.Run(context.Background())
	assert.ErrorContains(t, err, "failed to execute step configure_and_update_grub")
	assert.Len(t, h.r.Matching("zpool import -l"), 1)
	assert.False(t, setDuringJail)

	// the failed run was encrypted, the replay must not turn that off
	assert.True(t, h.in.Config.Encrypted())
	assert.Contains(t, h.out.String(), "export ZFS_SELECTED_DISKS")
	assert.NotContains(t, h.out.String(), "ZFS_PASSPHRASE")
}

func TestCustomScript(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Draft.InstallScript = "/root/install.sh"
	require.NoError(t, h.fs.MkdirAll("/target/rootfs", 0o755))
	h.r.Lines["env ZFS_INSTALL_DEVICE="] = []string{"debootstrap done", "/target/rootfs"}

	require.NoError(t, h.in.Run(context.Background()))

	assert.Empty(t, h.r.Matching("ubiquity"))
	assert.Empty(t, h.r.Matching("calamares"))
	assert.NotContains(t, h.ui.Messages, "Operating system installation")

	script := h.r.Index("env ZFS_INSTALL_DEVICE=/dev/zvol/rpool/os-install-temp-part1 ZFS_INSTALL_TARGET=/target /root/install.sh")
	require.NotEqual(t, -1, script)
	assert.Greater(t, script, h.r.Index("zpool create"))
	assert.Greater(t, script, h.r.Index("mkfs.ext4 -F /dev/zvol/rpool/os-install-temp-part1"))
	assert.Less(t, script, h.r.Index("mount --rbind"))
	assert.Len(t, h.r.Matching("rsync -aHAX --exclude=/swapfile --exclude=/run/ --info=progress2 --no-inc-recursive --human-readable /target/rootfs/ /mnt"), 1)
}

func TestDebianVariants(t *testing.T) {
	h := newHarness(t, distro.Profile{ID: distro.Debian, Version: "12"}, 1)
	sources := []byte("deb http://deb.debian.org/debian bookworm main\n")
	require.NoError(t, afero.WriteFile(h.fs, "/etc/apt/sources.list", sources, 0o644))
	require.NoError(t, afero.WriteFile(h.fs, "/mnt/etc/apt/sources.list", sources, 0o644))

	require.NoError(t, h.in.Run(context.Background()))

	assert.Contains(t, h.read(t, "/etc/apt/sources.list"), "main contrib")
	assert.Contains(t, h.read(t, "/mnt/etc/apt/sources.list"), "main contrib")
	assert.Len(t, h.r.Matching("modprobe zfs"), 1)
	assert.Less(t, h.r.Index("modprobe zfs"), h.r.Index("wipefs"))

	assert.Len(t, h.r.Matching("calamares"), 1)
	assert.Len(t, h.r.Matching("mkfs.ext4 -F /dev/zvol/rpool/os-install-temp-part1"), 1)
	assert.Len(t, h.r.Matching("rsync -aHAX --exclude=/swapfile --exclude=/run/ --exclude=/tmp/*"), 1)
	assert.Len(t, h.r.Matching("chroot /mnt sh -c grub-install --target=x86_64-efi --efi-directory=/boot/efi --bootloader-id=debian"), 1)
	assert.Len(t, h.r.Matching("chroot /mnt sh -c ln -sf"), 1)
	assert.Len(t, h.r.Matching("chroot /mnt sh -c DEBIAN_FRONTEND=noninteractive apt install --yes linux-headers-amd64"), 1)
}

func TestUbuntuServerVariants(t *testing.T) {
	h := newHarness(t, distro.Profile{ID: distro.UbuntuServer, Version: "22.04"}, 1)
	require.NoError(t, afero.WriteFile(h.fs, "/cdrom/casper/filesystem.squashfs", nil, 0o644))
	h.ui.Passwords = []string{"hunter22", "hunter22"}

	require.NoError(t, h.in.Run(context.Background()))

	assert.Equal(t, StepNames(), h.in.Executed())
	assert.Empty(t, h.r.Matching("ubiquity"))
	assert.Len(t, h.r.Matching("unsquashfs -f -d /target /cdrom/casper/filesystem.squashfs"), 1)
	assert.Equal(t, "ubuntu-server\n", h.read(t, "/target/etc/hostname"))

	kernel := h.r.Index("chroot /mnt sh -c DEBIAN_FRONTEND=noninteractive apt install --yes linux-image-generic zfs-initramfs")
	require.NotEqual(t, -1, kernel)
	assert.Less(t, kernel, h.r.Index("chroot /mnt sh -c update-initramfs"))
	assert.Less(t, kernel, h.r.Index("chroot /mnt sh -c grub-install"))

	passwd := h.r.Matching("chroot /mnt chpasswd")
	require.Len(t, passwd, 1)
	assert.Equal(t, "root:hunter22\n", passwd[0].Input)
	assert.NotContains(t, h.read(t, filepath.Join(logDir, logging.TraceFile)), "hunter22")
	assert.False(t, h.in.Config.RootPassword.IsSet())
}

func TestPoolsTrimDisabled(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Draft.PoolsTrim = false

	require.NoError(t, h.in.Run(context.Background()))
	assert.Empty(t, h.r.Matching("chroot /mnt sh -c systemctl enable zpool-trim@"))
	exists, _ := afero.Exists(h.fs, "/mnt/etc/systemd/system/zpool-trim@.timer")
	assert.False(t, exists)
}

func TestUnattendedRequiresSelectedDisks(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.UI = &ui.Unattended{Out: h.out}

	err := h.in.Run(context.Background())
	assert.True(t, errors.Is(err, ui.ErrNotInteractive))
	assert.Empty(t, h.r.Matching("wipefs"))
	assert.Empty(t, h.r.Matching("sgdisk"))
}

func TestPPAOnOldReleases(t *testing.T) {
	h := newHarness(t, distro.Profile{ID: distro.LinuxMint, Version: "19.3"}, 1)
	require.NoError(t, h.in.Run(context.Background()))

	assert.Len(t, h.r.Matching("sh -c add-apt-repository --yes ppa:jonathonf/zfs"), 1)
	assert.Len(t, h.r.Matching("chroot /mnt sh -c add-apt-repository --yes ppa:jonathonf/zfs"), 1)
}

func TestNeedsPPA(t *testing.T) {
	for _, tt := range []struct {
		profile distro.Profile
		want    bool
	}{
		{distro.Profile{ID: distro.Ubuntu, Version: "18.04"}, true},
		{distro.Profile{ID: distro.UbuntuServer, Version: "18.04"}, true},
		{distro.Profile{ID: distro.Ubuntu, Version: "20.04"}, false},
		{distro.Profile{ID: distro.LinuxMint, Version: "19.1"}, true},
		{distro.Profile{ID: distro.LinuxMint, Version: "20"}, false},
		{distro.Profile{ID: distro.Elementary, Version: "5.1"}, true},
		{distro.Profile{ID: distro.Debian, Version: "11"}, false},
	} {
		assert.Equal(t, tt.want, needsPPA(tt.profile), tt.profile.String())
	}
}

func TestSkipLiveInstall(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Draft.SkipLiveZFSInstall = true

	require.NoError(t, h.in.Run(context.Background()))
	assert.Empty(t, h.r.Matching("sh -c apt update"))
	assert.Len(t, h.r.Matching("zfs version"), 1)
}

func TestStepFailureCleansUp(t *testing.T) {
	h := newHarness(t, ubuntu(), 2)
	h.r.Fail("zpool create", "cannot create 'bpool': no such pool or dataset")

	err := h.in.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to execute step create_pools")

	commands := h.r.Commands()
	assert.Equal(t, "zpool export -a", commands[len(commands)-1])
	assert.Equal(t, -1, h.r.Index("mount --rbind"))
	assert.NotContains(t, h.in.Executed(), CreatePools)

	out := h.out.String()
	assert.Contains(t, out, "Installation failed")
	assert.Contains(t, out, fmt.Sprintf(`export ZFS_SELECTED_DISKS="%s,%s"`, h.disks[0], h.disks[1]))
	assert.Contains(t, out, `export ZFS_PASSPHRASE=""`)
	assert.NotContains(t, out, "Installation completed")
}

func TestGatherFailureTouchesNothing(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Draft.PassphraseSet = false

	err := h.in.Run(context.Background())
	assert.True(t, errors.Is(err, uitest.ErrNoAnswer))
	assert.Empty(t, h.r.Matching("wipefs"))
	assert.Empty(t, h.r.Matching("zpool"))
	assert.Contains(t, h.out.String(), "export ZFS_SELECTED_DISKS")
	assert.NotContains(t, h.out.String(), "ZFS_PASSPHRASE")
}

func TestSelectedDiskMustBeAvailable(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Draft.Disks = []string{"/dev/disk/by-id/usb-STICK"}

	assert.ErrorContains(t, h.in.Run(context.Background()), "/dev/disk/by-id/usb-STICK is not available")
	assert.Empty(t, h.r.Matching("wipefs"))
}

func TestInfoMessages(t *testing.T) {
	h := newHarness(t, ubuntu(), 2)
	h.in.Draft.NoInfoMessages = false
	h.in.Draft.BootPartitionSize = "1G"

	require.NoError(t, h.in.Run(context.Background()))
	assert.Contains(t, h.ui.Messages, "Disks")
	assert.Equal(t, int64(1024), h.in.Config.BootPartitionMiB)
	assert.Equal(t, layout.RaidMirror, h.in.Config.Raid)
}

func TestAskBootPartitionSize(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.ui.Inputs = []string{"lots", "4G"}

	require.NoError(t, h.in.Run(context.Background()))
	assert.Equal(t, int64(4096), h.in.Config.BootPartitionMiB)
	assert.Len(t, h.ui.Warnings, 1)
}

func TestLowMemoryWarning(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Memory = func(context.Context) (uint64, error) { return 2 << 30, nil }

	require.NoError(t, h.in.Run(context.Background()))
	require.Len(t, h.ui.Warnings, 1)
	assert.Contains(t, h.ui.Warnings[0], "2GiB")
}

func TestInterruptedBeforeStart(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.in.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, h.r.Calls)
}

func TestMissingRequiredStep(t *testing.T) {
	h := newHarness(t, ubuntu(), 1)
	h.in.Steps = dispatch.NewRegistry[StepFunc]()

	err := h.in.Run(context.Background())
	assert.True(t, errors.Is(err, dispatch.ErrMissingStep))
	assert.ErrorContains(t, err, StoreOSDistroInformation)
}

func TestRegistryCoversEveryStep(t *testing.T) {
	r := Registry()
	for _, id := range []distro.ID{distro.Ubuntu, distro.UbuntuServer, distro.LinuxMint, distro.Elementary, distro.Debian} {
		for _, s := range append(append([]step(nil), gatherSteps...), executeSteps...) {
			_, res := r.Resolve(s.name, id, s.mode)
			assert.NotEqual(t, dispatch.Missing, res, "%s on %s", s.name, id)
		}
	}

	_, res := r.Resolve(ConfigureRootPassword, distro.Ubuntu, dispatch.Optional)
	assert.Equal(t, dispatch.Noop, res)
	_, res = r.Resolve(UpdateZedCache, distro.Debian, dispatch.Required)
	assert.Equal(t, dispatch.Variant, res)
}
