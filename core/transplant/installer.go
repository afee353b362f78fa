package transplant

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/disk"
	"github.com/rootzfs/rootzfs/core/system"
	"github.com/rootzfs/rootzfs/core/util"
)

// Target is what an installer is pointed at
type Target struct {
	// Device is the temporary volume, Partition its only partition
	Device    string
	Partition string
	// Mountpoint is where a pre-formatted partition is mounted
	Mountpoint string
}

// Installer puts an operating system on the temporary volume
type Installer interface {
	Name() string
	// PreFormat tells whether the installer expects an ext4 filesystem
	// already mounted at the target mountpoint, rather than a raw partition
	PreFormat() bool
	// Install runs the installer and returns the directory holding the
	// installed tree
	Install(ctx context.Context, t Target) (string, error)
	// CopyExcludes lists paths, relative to the installed tree, which must
	// not be copied into the pool
	CopyExcludes() []string
}

// GUIInstaller runs a graphical installer and waits for the operator to
// complete it
type GUIInstaller struct {
	Runner  util.Runner
	Command []string
	// Instructions tells the operator how to pick the target, given the
	// target partition
	Instructions func(Target) string
	Notify       func(msg string) error

	name      string
	preFormat bool
	excludes  []string
}

// NewUbiquity installs with Ubiquity on a raw partition. Ubiquity leaves the
// installed system mounted at /target.
func NewUbiquity(r util.Runner, notify func(string) error) *GUIInstaller {
	return &GUIInstaller{
		Runner:  r,
		Command: []string{"ubiquity", "--no-bootloader"},
		Notify:  notify,
		Instructions: func(t Target) string {
			return fmt.Sprintf(`The Ubiquity installer will now start.

- at the "Installation type" step, choose "Something else"
- select %s, choose "ext4" and mount point "/", ticking the format option
- at the end, choose "Continue Testing"; do NOT restart`, t.Partition)
		},
		name: "ubiquity",
	}
}

// NewCalamares installs with Calamares on a pre-formatted partition.
// Calamares unmounts its target on exit.
func NewCalamares(r util.Runner, notify func(string) error) *GUIInstaller {
	return &GUIInstaller{
		Runner:  r,
		Command: []string{"calamares"},
		Notify:  notify,
		Instructions: func(t Target) string {
			return fmt.Sprintf(`The Calamares installer will now start.

- at the partitioning step, choose "Manual partitioning"
- select %s, keep its content and set the mount point to "/"
- at the end, do NOT restart`, t.Partition)
		},
		name:      "calamares",
		preFormat: true,
		// scratch files vanishing while rsync runs
		excludes: []string{"/tmp/*"},
	}
}

func (g *GUIInstaller) Name() string           { return g.name }
func (g *GUIInstaller) PreFormat() bool        { return g.preFormat }
func (g *GUIInstaller) CopyExcludes() []string { return g.excludes }

func (g *GUIInstaller) Install(ctx context.Context, t Target) (string, error) {
	if g.Notify != nil && g.Instructions != nil {
		if err := g.Notify(g.Instructions(t)); err != nil {
			return "", err
		}
	}

	if err := g.Runner.Run(ctx, g.Command[0], g.Command[1:]...); err != nil {
		return "", fmt.Errorf("%s failed: %w", g.name, err)
	}
	return DefaultTarget, nil
}

// SquashfsInstaller unpacks the live image itself. Used where the live
// environment ships no usable installer for this layout (Ubuntu Server).
type SquashfsInstaller struct {
	Disks    *disk.Manager
	Fs       afero.Fs
	Images   []string
	Hostname string
}

var DefaultSquashfsImages = []string{
	"/cdrom/casper/filesystem.squashfs",
	"/cdrom/casper/ubuntu-server-minimal.squashfs",
}

const DefaultServerHostname = "ubuntu-server"

func NewSquashfsInstaller(m *disk.Manager, fs afero.Fs) *SquashfsInstaller {
	return &SquashfsInstaller{Disks: m, Fs: fs, Images: DefaultSquashfsImages, Hostname: DefaultServerHostname}
}

func (s *SquashfsInstaller) Name() string           { return "unsquashfs" }
func (s *SquashfsInstaller) PreFormat() bool        { return true }
func (s *SquashfsInstaller) CopyExcludes() []string { return nil }

func (s *SquashfsInstaller) Install(ctx context.Context, t Target) (string, error) {
	image := ""
	for _, candidate := range s.Images {
		if ok, _ := afero.Exists(s.Fs, candidate); ok {
			image = candidate
			break
		}
	}
	if image == "" {
		return "", fmt.Errorf("no live image found, looked for %s", strings.Join(s.Images, ", "))
	}

	if err := s.Disks.Unsquashfs(ctx, image, t.Mountpoint, true); err != nil {
		return "", err
	}
	if err := system.ChangeHostname(s.Fs, t.Mountpoint, s.Hostname); err != nil {
		return "", err
	}
	return t.Mountpoint, nil
}

// ScriptInstaller hands the pre-formatted target to an operator-supplied
// script. The script gets the partition in ZFS_INSTALL_DEVICE and its
// mountpoint in ZFS_INSTALL_TARGET. If the last line it prints is an
// existing absolute directory, that is the installed tree; otherwise the
// tree is expected at ZFS_INSTALL_TARGET.
type ScriptInstaller struct {
	Runner util.Runner
	Fs     afero.Fs
	Path   string
	// Output receives every line printed by the script
	Output func(line string)
}

func (s *ScriptInstaller) Name() string           { return filepath.Base(s.Path) }
func (s *ScriptInstaller) PreFormat() bool        { return true }
func (s *ScriptInstaller) CopyExcludes() []string { return nil }

func (s *ScriptInstaller) Install(ctx context.Context, t Target) (string, error) {
	last := ""
	onLine := func(line string) {
		if s.Output != nil {
			s.Output(line)
		}
		if l := strings.TrimSpace(line); l != "" {
			last = l
		}
	}

	err := s.Runner.RunStreaming(ctx, onLine, "env",
		"ZFS_INSTALL_DEVICE="+t.Partition,
		"ZFS_INSTALL_TARGET="+t.Mountpoint,
		s.Path)
	if err != nil {
		return "", fmt.Errorf("installation script failed: %w", err)
	}

	if filepath.IsAbs(last) {
		if ok, _ := afero.DirExists(s.Fs, last); ok {
			return filepath.Clean(last), nil
		}
	}
	return t.Mountpoint, nil
}
