// Package provision runs the installation: the ordered steps, their
// per-distribution variants and the cleanup performed on every exit path.
package provision

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/config"
	"github.com/rootzfs/rootzfs/core/disk"
	"github.com/rootzfs/rootzfs/core/dispatch"
	"github.com/rootzfs/rootzfs/core/distro"
	"github.com/rootzfs/rootzfs/core/jail"
	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/logging"
	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/transplant"
	"github.com/rootzfs/rootzfs/core/ui"
	"github.com/rootzfs/rootzfs/core/util"
	"github.com/rootzfs/rootzfs/core/zfs"
)

// StepFunc implements one step of the installation
type StepFunc func(ctx context.Context, in *Installation) error

// InstallerFunc picks the installer writing the system to the temporary
// volume
type InstallerFunc func(in *Installation) transplant.Installer

type Options struct {
	Runner  util.Runner
	Fs      afero.Fs
	Logs    *logging.Logs
	UI      ui.Provider
	Out     io.Writer
	Redact  *secret.RedactHook
	Profile distro.Profile
	Draft   *config.Draft
}

// Installation is one run. The gathering steps complete Draft, which is
// then frozen into Config for the steps touching the disks.
type Installation struct {
	Runner  util.Runner
	Fs      afero.Fs
	Log     *logrus.Logger
	Logs    *logging.Logs
	UI      ui.Provider
	Out     io.Writer
	Redact  *secret.RedactHook
	Profile distro.Profile

	Draft  *config.Draft
	Config config.RunConfig

	Discoverer *disk.Discoverer
	Disks      *disk.Manager
	Pools      *zfs.Builder
	Transplant *transplant.Transplant
	Jail       *jail.Jail
	LiveApt    *jail.Apt

	Steps      *dispatch.Registry[StepFunc]
	Installers *dispatch.Registry[InstallerFunc]

	// Memory returns the installed memory in bytes
	Memory func(ctx context.Context) (uint64, error)

	frozen       bool
	available    []disk.Disk
	plan         layout.Plan
	installer    transplant.Installer
	volume       transplant.Volume
	source       string
	swapDevice   string
	poolsCreated bool
	executed     []string
}

func New(o Options) *Installation {
	log := o.Logs.Logger
	if o.Redact == nil {
		o.Redact = secret.NewRedactHook()
	}

	m := disk.NewManager(o.Runner, o.Fs, log)
	b := zfs.NewBuilder(o.Runner, log)

	in := &Installation{
		Runner:     o.Runner,
		Fs:         o.Fs,
		Log:        log,
		Logs:       o.Logs,
		UI:         o.UI,
		Out:        o.Out,
		Redact:     o.Redact,
		Profile:    o.Profile,
		Draft:      o.Draft,
		Discoverer: disk.NewDiscoverer(o.Runner, o.Fs, log),
		Disks:      m,
		Pools:      b,
		Transplant: transplant.New(o.Runner, o.Fs, log, m, b),
		Jail:       jail.New(o.Runner, o.Fs, log, m, b, transplant.DefaultScratch),
		LiveApt:    &jail.Apt{Runner: o.Runner, Fs: o.Fs},
		Steps:      Registry(),
		Installers: InstallerRegistry(),
		Memory:     totalMemory,
	}
	in.Transplant.NewProgress = func(description string) transplant.Progress {
		return in.UI.Progress(description, 100)
	}
	return in
}

func totalMemory(ctx context.Context) (uint64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.Total, nil
}

// Executed lists the steps that completed, in order
func (in *Installation) Executed() []string {
	return append([]string(nil), in.executed...)
}

// Run performs the installation. Mounts below the scratch directory are
// released and the pools exported whatever the outcome; on failure the
// choices made so far are printed so a new run can reuse them.
func (in *Installation) Run(ctx context.Context) error {
	err := in.run(ctx)

	if cerr := in.cleanup(); cerr != nil {
		if err == nil {
			err = cerr
		} else {
			err = multierror.Append(err, cerr)
		}
	}

	if err != nil {
		in.printReplay()
	} else {
		in.printSummary()
	}
	in.wipeSecrets()
	return err
}

func (in *Installation) wipeSecrets() {
	for _, s := range []*secret.Secret{in.Draft.Passphrase, in.Draft.RootPassword, in.Config.Passphrase, in.Config.RootPassword} {
		s.Wipe()
	}
}

func (in *Installation) run(ctx context.Context) error {
	if err := in.runSteps(ctx, gatherSteps); err != nil {
		return err
	}

	c, err := in.Draft.Freeze()
	if err != nil {
		return err
	}
	in.Config = c
	in.frozen = true
	in.Transplant.RootPool = c.RootPool
	in.Transplant.BootPool = c.BootPool
	in.Log.WithFields(logrus.Fields{
		"disks":     strings.Join(c.Disks, ","),
		"raid":      c.Raid.String(),
		"encrypted": c.Encrypted(),
	}).Debug("configuration frozen")

	return in.runSteps(ctx, executeSteps)
}

// runSteps runs steps in order. A cancelled ctx stops the run before the
// next step only: a started step always runs to completion.
func (in *Installation) runSteps(ctx context.Context, steps []step) error {
	stepCtx := context.WithoutCancel(ctx)

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("interrupted before %s: %w", s.name, err)
		}

		fn, ok, err := in.Steps.Lookup(s.name, in.Profile.ID, s.mode)
		if err != nil {
			return err
		}
		log := in.Log.WithField("step", s.name)
		if !ok {
			log.Debug("no implementation, skipping")
			continue
		}

		log.Debug("running step")
		if err := fn(stepCtx, in); err != nil {
			return fmt.Errorf("failed to execute step %s: %w", s.name, err)
		}
		in.executed = append(in.executed, s.name)
	}
	return nil
}

func (in *Installation) cleanup() error {
	ctx := context.Background()

	var result error
	if err := in.Jail.Teardown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if in.poolsCreated {
		if err := in.Pools.ExportAll(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (in *Installation) printReplay() {
	c := in.Config
	if !in.frozen {
		c = in.Draft.Snapshot()
	}
	replay, err := c.Replay()
	if err != nil {
		in.Log.Debugf("failed to render replay: %s", err)
		return
	}

	ui.Print(in.Out, "Installation failed",
		fmt.Sprintf("The logs are in %s.\nTo run again with the same choices, paste these lines in the shell first:\n\n%s", in.Logs.Dir, replay))
}

func (in *Installation) printSummary() {
	var b strings.Builder
	b.WriteString("The logs of the installation are:\n")
	for _, f := range in.Logs.Files() {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	b.WriteString("\nYou can now reboot into the installed system.")

	ui.Success(in.Out, "Installation completed")
	ui.Print(in.Out, "", b.String())
}

// info shows an informational message unless those are turned off
func (in *Installation) info(title, msg string) error {
	if in.Draft.NoInfoMessages {
		in.Log.Debugf("%s: %s", title, msg)
		return nil
	}
	return in.UI.Message(title, msg)
}

func (in *Installation) partitions(number int) []disk.Partition {
	parts := make([]disk.Partition, 0, len(in.plan.Disks))
	for _, d := range in.plan.Disks {
		parts = append(parts, disk.NewPartition(d.Disk, number))
	}
	return parts
}

func (in *Installation) paths(number int) []string {
	parts := in.partitions(number)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.Path)
	}
	return out
}

func (in *Installation) pools() []string {
	return []string{in.Config.BootPool, in.Config.RootPool}
}

// entryName is the EFI directory and boot entry of the installed system
func (in *Installation) entryName() string {
	if in.Profile.ID == distro.Debian {
		return "debian"
	}
	return "ubuntu"
}

// needsPPA tells releases shipping a ZFS too old for native encryption
func needsPPA(p distro.Profile) bool {
	switch p.ID {
	case distro.Ubuntu, distro.UbuntuServer:
		return p.Version == "18.04"
	case distro.LinuxMint:
		return p.MajorVersion() == "19"
	case distro.Elementary:
		return p.MajorVersion() == "5"
	}
	return false
}
