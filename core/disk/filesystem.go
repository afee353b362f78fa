package disk

import (
	"context"
	"fmt"
)

const (
	EXT4       = "ext4"
	FAT32      = "fat32"
	LINUX_SWAP = "linux-swap"
)

type PartitionFs string

func (m *Manager) MakeFs(ctx context.Context, part Partition) error {
	var err error
	switch part.Filesystem {
	case FAT32:
		err = m.Runner.Run(ctx, "mkfs.fat", "-I", "-F", "32", part.Path)
	case EXT4:
		err = m.Runner.Run(ctx, "mkfs.ext4", "-F", part.Path)
	case LINUX_SWAP:
		err = m.Runner.Run(ctx, "mkswap", "-f", part.Path)
	default:
		return fmt.Errorf("unsupported filesystem: %s", part.Filesystem)
	}

	if err != nil {
		return fmt.Errorf("failed to make %s filesystem for %s: %w", part.Filesystem, part.Path, err)
	}

	return nil
}

// Mount mounts device at location, creating the directory first
func (m *Manager) Mount(ctx context.Context, device, location string) error {
	if err := m.Fs.MkdirAll(location, 0o755); err != nil {
		return fmt.Errorf("failed to create mountpoint %s: %w", location, err)
	}
	if err := m.Runner.Run(ctx, "mount", device, location); err != nil {
		return fmt.Errorf("failed to mount %s at %s: %w", device, location, err)
	}
	return nil
}

func (m *Manager) Unmount(ctx context.Context, location string) error {
	if err := m.Runner.Run(ctx, "umount", location); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", location, err)
	}
	return nil
}

// IsMountpoint reports whether something is mounted at dir
func (m *Manager) IsMountpoint(ctx context.Context, dir string) bool {
	return m.Runner.Run(ctx, "mountpoint", "-q", dir) == nil
}

func (m *Manager) Unsquashfs(ctx context.Context, filesystem, destination string, force bool) error {
	args := []string{}
	if force {
		args = append(args, "-f")
	}
	args = append(args, "-d", destination, filesystem)

	if err := m.Runner.Run(ctx, "unsquashfs", args...); err != nil {
		return fmt.Errorf("failed to run unsquashfs: %w", err)
	}
	return nil
}
