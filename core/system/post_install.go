package system

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/secret"
	"github.com/rootzfs/rootzfs/core/util"
)

func ChangeHostname(fs afero.Fs, targetRoot, hostname string) error {
	hostnamePath := filepath.Join(targetRoot, "/etc/hostname")
	err := afero.WriteFile(fs, hostnamePath, []byte(hostname+"\n"), 0o644)
	if err != nil {
		return fmt.Errorf("failed to change hostname: %w", err)
	}

	hostsContents := `127.0.0.1	localhost
::1		localhost
127.0.1.1	%s.localdomain	%s
`
	hostsPath := filepath.Join(targetRoot, "/etc/hosts")
	err = afero.WriteFile(fs, hostsPath, []byte(fmt.Sprintf(hostsContents, hostname, hostname)), 0o644)
	if err != nil {
		return fmt.Errorf("failed to change hosts file: %w", err)
	}

	return nil
}

// SetPassword sets the password of username inside targetRoot. The password
// reaches chpasswd through stdin only.
func SetPassword(ctx context.Context, r util.Runner, targetRoot, username string, password *secret.Secret) error {
	if !password.IsSet() {
		return fmt.Errorf("no password given for %s", username)
	}

	err := r.RunWithInput(ctx, password.ReaderWithPrefix(username+":"), "chroot", targetRoot, "chpasswd")
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	return nil
}
