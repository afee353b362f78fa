package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/config"
	"github.com/rootzfs/rootzfs/core/layout"
	"github.com/rootzfs/rootzfs/core/logging"
	"github.com/rootzfs/rootzfs/core/secret"
)

// MinMemory is the memory below which the GUI installer and the ZFS cache
// may run out of it
const MinMemory = 3 * units.GiB

func storeOSDistroInformation(ctx context.Context, in *Installation) error {
	release, err := afero.ReadFile(in.Fs, "/etc/os-release")
	if err != nil {
		return fmt.Errorf("failed to read os-release: %w", err)
	}
	kernel, err := in.Runner.Output(ctx, "uname", "-a")
	if err != nil {
		return fmt.Errorf("failed to get kernel information: %w", err)
	}
	info := fmt.Sprintf("Distribution: %s\nKernel: %s\n\n%s", in.Profile, kernel, release)
	if err := in.Logs.Store(logging.OSInformationFile, info); err != nil {
		return err
	}

	processes, err := in.Runner.Output(ctx, "ps", "ax", "--forest")
	if err != nil {
		return fmt.Errorf("failed to list running processes: %w", err)
	}
	return in.Logs.Store(logging.RunningProcessesFile, processes)
}

func checkSystemMemory(ctx context.Context, in *Installation) error {
	total, err := in.Memory(ctx)
	if err != nil {
		in.Log.Debugf("failed to read memory size: %s", err)
		return nil
	}
	if total < MinMemory {
		in.UI.Warn(fmt.Sprintf("the system has %s of memory, at least %s are recommended: the installation may fail",
			units.BytesSize(float64(total)), units.BytesSize(MinMemory)))
	}
	return nil
}

func saveDisksLog(ctx context.Context, in *Installation) error {
	inventory, err := in.Discoverer.Inventory(ctx)
	if err != nil {
		return err
	}
	return in.Logs.Store(logging.DisksFile, inventory)
}

func findSuitableDisks(ctx context.Context, in *Installation) error {
	disks, err := in.Discoverer.Discover(ctx)
	if err != nil {
		return err
	}
	in.available = disks
	for _, d := range disks {
		in.Log.WithField("device", d.Device).Debugf("suitable disk %s", d.ID)
	}
	return nil
}

func (in *Installation) isAvailable(id string) bool {
	for _, d := range in.available {
		if d.ID == id {
			return true
		}
	}
	return false
}

func selectDisks(_ context.Context, in *Installation) error {
	if len(in.Draft.Disks) > 0 {
		for _, id := range in.Draft.Disks {
			if !in.isAvailable(id) {
				return fmt.Errorf("disk %s is not available for installation", id)
			}
		}
	} else {
		options := make([]string, 0, len(in.available))
		for _, d := range in.available {
			options = append(options, d.ID)
		}
		chosen, err := in.UI.SelectDisks("Select the disks to install on. All their data will be destroyed.", options, nil)
		if err != nil {
			return err
		}
		if len(chosen) == 0 {
			return errors.New("no disks selected")
		}
		in.Draft.Disks = chosen
	}

	raid, err := layout.SelectRaidType(len(in.Draft.Disks), in.Draft.RaidOverride, in.Draft.RaidZThresholds)
	if err != nil {
		return err
	}
	return in.info("Disks", fmt.Sprintf("The pools will be created on:\n- %s\nwith %s redundancy.",
		strings.Join(in.Draft.Disks, "\n- "), raid))
}

func askBootPartitionSize(_ context.Context, in *Installation) error {
	if in.Draft.BootPartitionSize != "" {
		return nil
	}
	for {
		answer, err := in.UI.Input("Boot pool partition size", config.DefaultBootPartitionSize)
		if err != nil {
			return err
		}
		if _, err := config.ParseSize(answer); err != nil {
			in.UI.Warn(err.Error())
			continue
		}
		in.Draft.BootPartitionSize = strings.TrimSpace(answer)
		return nil
	}
}

// askSecret asks twice for a non-empty secret until both answers match
func (in *Installation) askSecret(prompt string) (*secret.Secret, error) {
	for {
		s, err := in.UI.Password(prompt)
		if err != nil {
			return nil, err
		}
		in.Redact.Register(s)
		if !s.IsSet() {
			in.UI.Warn("the password cannot be empty")
			continue
		}

		confirm, err := in.UI.Password("Confirm")
		if err != nil {
			return nil, err
		}
		in.Redact.Register(confirm)
		if !s.Equal(confirm) {
			in.UI.Warn("the passwords do not match")
			continue
		}
		return s, nil
	}
}

// askRootPassword is needed where the image carries no user account
func askRootPassword(_ context.Context, in *Installation) error {
	if in.Draft.RootPassword.IsSet() {
		in.Redact.Register(in.Draft.RootPassword)
		return nil
	}
	s, err := in.askSecret("Root password of the installed system")
	if err != nil {
		return err
	}
	in.Draft.RootPassword = s
	return nil
}

// askEncryption asks for the root pool passphrase. An empty answer leaves
// the pool unencrypted.
func askEncryption(_ context.Context, in *Installation) error {
	if in.Draft.PassphraseSet {
		in.Redact.Register(in.Draft.Passphrase)
		return nil
	}

	for {
		p, err := in.UI.Password(fmt.Sprintf("Root pool passphrase, at least %d characters (empty for no encryption)", config.MinPassphraseLength))
		if err != nil {
			return err
		}
		if !p.IsSet() {
			in.Draft.Passphrase, in.Draft.PassphraseSet = nil, true
			return nil
		}
		in.Redact.Register(p)
		if err := config.ValidatePassphrase(p); err != nil {
			in.UI.Warn(err.Error())
			continue
		}

		confirm, err := in.UI.Password("Confirm the passphrase")
		if err != nil {
			return err
		}
		in.Redact.Register(confirm)
		if !p.Equal(confirm) {
			in.UI.Warn("the passphrases do not match")
			continue
		}

		in.Draft.Passphrase, in.Draft.PassphraseSet = p, true
		return nil
	}
}
