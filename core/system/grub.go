package system

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/util"
)

const (
	EFI = "x86_64-efi"

	GrubDefaultsFile = "/etc/default/grub"
	EFIDirectory     = "/boot/efi"
)

// GrubConfig is /etc/default/grub. Lines are kept in order, comments
// included, so rewriting the file only touches the keys that changed.
type GrubConfig struct {
	lines []string
}

var grubKeyExpr = regexp.MustCompile(`^\s*#?\s*([A-Z_][A-Z0-9_]*)=(.*)$`)

func ParseGrubConfig(content string) *GrubConfig {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return &GrubConfig{}
	}
	return &GrubConfig{lines: strings.Split(content, "\n")}
}

func GetGrubConfig(fs afero.Fs, targetRoot string) (*GrubConfig, error) {
	path := filepath.Join(targetRoot, GrubDefaultsFile)

	// If grub config file doesn't exist yet, start from an empty one
	if ok, _ := afero.Exists(fs, path); !ok {
		return &GrubConfig{}, nil
	}

	content, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read GRUB config file: %w", err)
	}
	return ParseGrubConfig(string(content)), nil
}

func WriteGrubConfig(fs afero.Fs, targetRoot string, config *GrubConfig) error {
	path := filepath.Join(targetRoot, GrubDefaultsFile)
	if err := afero.WriteFile(fs, path, []byte(config.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write GRUB config file: %w", err)
	}
	return nil
}

func (c *GrubConfig) String() string {
	if len(c.lines) == 0 {
		return ""
	}
	return strings.Join(c.lines, "\n") + "\n"
}

func (c *GrubConfig) find(key string) (int, bool) {
	commented := -1
	for i, l := range c.lines {
		m := grubKeyExpr.FindStringSubmatch(l)
		if m == nil || m[1] != key {
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(l), "#") {
			return i, true
		}
		if commented < 0 {
			commented = i
		}
	}
	return commented, false
}

// Get returns the unquoted value of an active key
func (c *GrubConfig) Get(key string) (string, bool) {
	i, active := c.find(key)
	if !active {
		return "", false
	}
	v := grubKeyExpr.FindStringSubmatch(c.lines[i])[2]
	return strings.Trim(v, `"'`), true
}

// Set replaces an active key, uncomments a commented one, or appends it
func (c *GrubConfig) Set(key, value string) {
	line := fmt.Sprintf(`%s="%s"`, key, value)
	if i, _ := c.find(key); i >= 0 {
		c.lines[i] = line
		return
	}
	c.lines = append(c.lines, line)
}

func (c *GrubConfig) Delete(key string) {
	if i, active := c.find(key); active {
		c.lines = append(c.lines[:i], c.lines[i+1:]...)
	}
}

// PatchForZFS points the kernel at the root pool and switches to a text
// boot, so the passphrase prompt is not hidden behind a splash screen
func (c *GrubConfig) PatchForZFS(rootPool string) {
	rootArg := "root=ZFS=" + rootPool
	cmdline, _ := c.Get("GRUB_CMDLINE_LINUX")
	if !containsField(cmdline, rootArg) {
		cmdline = strings.TrimSpace(rootArg + " " + cmdline)
	}
	c.Set("GRUB_CMDLINE_LINUX", cmdline)

	def, _ := c.Get("GRUB_CMDLINE_LINUX_DEFAULT")
	var kept []string
	for _, f := range strings.Fields(def) {
		if f != "quiet" && f != "splash" {
			kept = append(kept, f)
		}
	}
	c.Set("GRUB_CMDLINE_LINUX_DEFAULT", strings.Join(kept, " "))

	c.Set("GRUB_TIMEOUT_STYLE", "menu")
	c.Set("GRUB_TIMEOUT", "5")
	c.Set("GRUB_TERMINAL", "console")
	c.Delete("GRUB_HIDDEN_TIMEOUT")
}

func containsField(s, field string) bool {
	for _, f := range strings.Fields(s) {
		if f == field {
			return true
		}
	}
	return false
}

// RunGrubInstall installs the EFI bootloader from inside targetRoot
func RunGrubInstall(ctx context.Context, r util.Runner, targetRoot, entryName string) error {
	command := fmt.Sprintf("grub-install --target=%s --efi-directory=%s --bootloader-id=%s --recheck --no-floppy", EFI, EFIDirectory, entryName)
	if err := util.RunInChroot(ctx, r, targetRoot, command); err != nil {
		return fmt.Errorf("failed to run grub-install: %w", err)
	}
	return nil
}

func RunGrubMkconfig(ctx context.Context, r util.Runner, targetRoot string) error {
	if err := util.RunInChroot(ctx, r, targetRoot, "update-grub"); err != nil {
		return fmt.Errorf("failed to update GRUB configuration: %w", err)
	}
	return nil
}

// AddBootEntry registers an EFI boot entry loading shim from efiDevice. With
// a non-empty targetRoot, efibootmgr runs chrooted.
func AddBootEntry(ctx context.Context, r util.Runner, targetRoot, efiDevice, label, entryName string) error {
	if efiDevice == "" {
		return errors.New("EFI device was not specified")
	}
	diskName, part := util.SeparateDiskPart(efiDevice)
	loader := fmt.Sprintf(`\EFI\%s\shimx64.efi`, entryName)

	var err error
	if targetRoot != "" {
		err = util.RunInChroot(ctx, r, targetRoot, fmt.Sprintf(`efibootmgr --create --disk %s --part %s --label '%s' --loader '%s'`, diskName, part, label, loader))
	} else {
		err = r.Run(ctx, "efibootmgr", "--create", "--disk", diskName, "--part", part, "--label", label, "--loader", loader)
	}
	if err != nil {
		return fmt.Errorf("failed to run efibootmgr: %w", err)
	}
	return nil
}
