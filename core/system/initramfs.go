package system

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/util"
)

const ResumeConfigFile = "/etc/initramfs-tools/conf.d/resume"

// UpdateInitramfs regenerates the initial ramdisks of every installed kernel.
// The jail must already be prepared.
func UpdateInitramfs(ctx context.Context, r util.Runner, root string) error {
	if err := util.RunInChroot(ctx, r, root, "update-initramfs -u -k all"); err != nil {
		return fmt.Errorf("failed to run update-initramfs command: %w", err)
	}
	return nil
}

// DisableResume stops the initramfs from waiting for a hibernation image.
// Swap lives on a zvol, which is not available that early.
func DisableResume(fs afero.Fs, root string) error {
	path := filepath.Join(root, ResumeConfigFile)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := afero.WriteFile(fs, path, []byte("RESUME=none\n"), 0o644); err != nil {
		return fmt.Errorf("failed to disable resume: %w", err)
	}
	return nil
}
