package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const fstabHeader = `# /etc/fstab: static file system information.
#
# Use 'blkid' to print the universally unique identifier for a
# device; this may be used with UUID= as a more robust way to name devices
# that works even if disks are added and removed. See fstab(5).
#
# <file system>  <mount point>  <type>  <options>  <dump>  <pass>`

// GenFstab replaces the target fstab with entries. Entries written by the
// OS installer describe the temporary volume and must not survive.
func GenFstab(fs afero.Fs, targetRoot string, entries [][]string) error {
	var b strings.Builder
	b.WriteString(fstabHeader)
	b.WriteByte('\n')
	for _, entry := range entries {
		b.WriteString(strings.Join(entry, " "))
		b.WriteByte('\n')
	}

	path := filepath.Join(targetRoot, "/etc/fstab")
	if err := afero.WriteFile(fs, path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write fstab: %w", err)
	}
	return nil
}

// AppendFstab adds entries to the target fstab
func AppendFstab(fs afero.Fs, targetRoot string, entries ...[]string) error {
	path := filepath.Join(targetRoot, "/etc/fstab")
	file, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open fstab: %w", err)
	}
	defer file.Close()

	for _, entry := range entries {
		if _, err := file.Write(append([]byte(strings.Join(entry, " ")), '\n')); err != nil {
			return fmt.Errorf("failed to append to fstab: %w", err)
		}
	}
	return nil
}

func EFIFstabEntry(partUUID string) []string {
	return []string{"PARTUUID=" + partUUID, EFIDirectory, "vfat", "nofail,x-systemd.device-timeout=1", "0", "1"}
}

func BootPoolFstabEntry(pool string) []string {
	return []string{pool, "/boot", "zfs", "nodev,relatime,x-systemd.requires=" + BootPoolImportUnitName(pool), "0", "0"}
}

func SwapFstabEntry(device string) []string {
	return []string{device, "none", "swap", "discard", "0", "0"}
}
