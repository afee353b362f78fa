package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/rootzfs/rootzfs/core/config"
	"github.com/rootzfs/rootzfs/core/distro"
	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/logging"
	"github.com/rootzfs/rootzfs/core/provision"
	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/ui"
	"github.com/rootzfs/rootzfs/core/util"
)

var version = "dev"

var (
	configFile string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:           "rootzfs",
		Short:         "Install Debian or Ubuntu on root ZFS pools",
		Long:          "rootzfs installs the running live distribution on a boot and a root ZFS pool spanning the selected disks.\nEvery option can also be set through its ZFS_* environment variable or a configuration file.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          install,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "environment file, such as the replay printed by a failed run")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	root.AddCommand(planCommand())

	if err := root.Execute(); err != nil {
		ui.Error(os.Stderr, err)
		os.Exit(1)
	}
}

func install(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := config.NewViper(cmd.Flags(), configFile, envFile)
	if err != nil {
		return err
	}
	draft, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := config.ClearSecretEnv(); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	redact := secret.NewRedactHook()
	logs, err := logging.Setup(fs, logging.DefaultDir(), os.Stdout, redact)
	if err != nil {
		return err
	}
	defer logs.Close()

	runner := util.NewExecRunner(logs.Logger)
	profile, err := (&distro.Resolver{Fs: fs, Runner: runner}).Resolve(ctx)
	if err != nil {
		return err
	}
	if err := distro.NewChecker(fs).Check(profile, draft.InstallScript); err != nil {
		return err
	}
	logs.Logger.Infof("Installing %s, logs are in %s", profile, logs.Dir)

	in := provision.New(provision.Options{
		Runner:  runner,
		Fs:      fs,
		Logs:    logs,
		UI:      ui.New(os.Stdin, os.Stdout),
		Out:     os.Stdout,
		Redact:  redact,
		Profile: profile,
		Draft:   draft,
	})
	return in.Run(ctx)
}

// planCommand prints the layout a run would create, touching no disk
func planCommand() *cobra.Command {
	var (
		diskSize string
		disks    int
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the partition layout for identical disks of the given size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if disks < 1 {
				return errors.New("at least one disk is needed")
			}
			bytes, err := units.RAMInBytes(diskSize)
			if err != nil {
				return fmt.Errorf("invalid disk size %q: %w", diskSize, err)
			}

			v, err := config.NewViper(cmd.Flags(), configFile, envFile)
			if err != nil {
				return err
			}
			draft, err := config.Load(v)
			if err != nil {
				return err
			}
			var bootMiB int64
			if draft.BootPartitionSize != "" {
				if bootMiB, err = config.ParseSize(draft.BootPartitionSize); err != nil {
					return err
				}
			}
			raid, err := layout.SelectRaidType(disks, draft.RaidOverride, draft.RaidZThresholds)
			if err != nil {
				return err
			}

			req := layout.Request{BootMiB: bootMiB, TailMiB: draft.FreeTailGiB * 1024}
			for i := 0; i < disks; i++ {
				req.Disks = append(req.Disks, layout.DiskSize{ID: fmt.Sprintf("disk%d", i+1), SizeMiB: bytes / units.MiB})
			}
			plan, err := layout.Compute(req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, plan)
			fmt.Fprintf(out, "redundancy: %s\n", raid)
			if draft.SwapGiB > 0 {
				fmt.Fprintf(out, "swap volume: %d GiB\n", draft.SwapGiB)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&diskSize, "disk-size", "100G", "size of every disk, e.g. 500G or 2T")
	cmd.Flags().IntVar(&disks, "disks", 1, "number of disks")
	return cmd
}
