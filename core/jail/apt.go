package jail

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/util"
)

const (
	ZFSPPA      = "ppa:jonathonf/zfs"
	SourcesList = "/etc/apt/sources.list"
)

var (
	HostPackages       = []string{"zfsutils-linux"}
	DebianHostPackages = []string{"dpkg-dev", "linux-headers-$(uname -r)", "zfs-dkms", "zfsutils-linux"}

	JailPackages       = []string{"zfs-initramfs", "zfs-zed", "grub-efi-amd64-signed", "shim-signed", "efibootmgr"}
	DebianJailPackages = []string{"linux-headers-amd64", "zfs-dkms", "zfs-initramfs", "zfs-zed", "grub-efi-amd64", "shim-signed", "efibootmgr"}
	// the server squashfs carries no kernel in /boot
	ServerJailPackages = append([]string{"linux-image-generic"}, JailPackages...)
)

// Apt drives the package manager of a root filesystem. An empty Root is
// the live system itself.
type Apt struct {
	Runner util.Runner
	Fs     afero.Fs
	Root   string
}

func (a *Apt) live() bool {
	return a.Root == "" || a.Root == "/"
}

func (a *Apt) sh(ctx context.Context, command string) error {
	if a.live() {
		return a.Runner.Run(ctx, "sh", "-c", command)
	}
	return util.RunInChroot(ctx, a.Runner, a.Root, command)
}

func (a *Apt) Update(ctx context.Context) error {
	if err := a.sh(ctx, "apt update"); err != nil {
		return fmt.Errorf("failed to update package lists: %w", err)
	}
	return nil
}

func (a *Apt) Install(ctx context.Context, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	command := "DEBIAN_FRONTEND=noninteractive apt install --yes " + strings.Join(packages, " ")
	if err := a.sh(ctx, command); err != nil {
		return fmt.Errorf("failed to install %s: %w", strings.Join(packages, ", "), err)
	}
	return nil
}

// AddPPA adds a Launchpad archive and refreshes the package lists
func (a *Apt) AddPPA(ctx context.Context, ppa string) error {
	if err := a.sh(ctx, "add-apt-repository --yes "+ppa); err != nil {
		return fmt.Errorf("failed to add %s: %w", ppa, err)
	}
	return a.Update(ctx)
}

// EnableContrib adds the contrib component to every Debian archive entry
// lacking it, then refreshes the package lists
func (a *Apt) EnableContrib(ctx context.Context) error {
	path := filepath.Join(a.Root, SourcesList)
	content, err := afero.ReadFile(a.Fs, path)
	if err != nil {
		return fmt.Errorf("failed to read package sources: %w", err)
	}

	patched := AddComponent(string(content), "contrib")
	if patched != string(content) {
		if err := afero.WriteFile(a.Fs, path, []byte(patched), 0o644); err != nil {
			return fmt.Errorf("failed to write package sources: %w", err)
		}
	}
	return a.Update(ctx)
}

// AddComponent appends component to every deb/deb-src line of a one-line
// style sources.list that does not list it yet
func AddComponent(sources, component string) string {
	lines := strings.Split(sources, "\n")
	for i, l := range lines {
		fields := strings.Fields(l)
		if len(fields) < 3 || (fields[0] != "deb" && fields[0] != "deb-src") {
			continue
		}
		found := false
		for _, f := range fields[3:] {
			if f == component {
				found = true
				break
			}
		}
		if !found {
			lines[i] = strings.TrimRight(l, " \t") + " " + component
		}
	}
	return strings.Join(lines, "\n")
}
