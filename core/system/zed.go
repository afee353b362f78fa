package system

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/util"
)

const (
	ZfsListCacheDir  = "/etc/zfs/zfs-list.cache"
	ZedletsDir       = "/etc/zfs/zed.d"
	ListCacherZedlet = "/usr/lib/zfs-linux/zed.d/history_event-zfs-list-cacher.sh"

	DefaultZedCacheTimeout = 5 * time.Second
)

var ErrZedCacheTimeout = errors.New("the ZFS event daemon did not populate the pool list cache")

// ZedCache pre-populates the per-pool list cache that zfs-mount-generator
// reads at boot, by letting the event daemon write it from inside the jail
type ZedCache struct {
	Runner util.Runner
	Fs     afero.Fs
	Log    *logrus.Logger
	// Root is the jail; cache entries below it are rewritten relative to /
	Root  string
	Pools []string

	Timeout  time.Duration
	Interval time.Duration
}

// EnableListCacher links the zedlet writing the cache. Debian packaging
// ships it disabled.
func (z *ZedCache) EnableListCacher(ctx context.Context) error {
	cmd := fmt.Sprintf("ln -sf %s %s/", ListCacherZedlet, ZedletsDir)
	if err := util.RunInChroot(ctx, z.Runner, z.Root, cmd); err != nil {
		return fmt.Errorf("failed to enable the list cacher zedlet: %w", err)
	}
	return nil
}

func (z *ZedCache) cacheFile(pool string) string {
	return filepath.Join(z.Root, ZfsListCacheDir, pool)
}

func (z *ZedCache) Populate(ctx context.Context) error {
	dir := filepath.Join(z.Root, ZfsListCacheDir)
	if err := z.Fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, p := range z.Pools {
		if err := afero.WriteFile(z.Fs, z.cacheFile(p), nil, 0o644); err != nil {
			return fmt.Errorf("failed to create cache file for %s: %w", p, err)
		}
	}

	if err := util.RunInChroot(ctx, z.Runner, z.Root, "zed -F </dev/null >/dev/null 2>&1 &"); err != nil {
		return fmt.Errorf("failed to start the ZFS event daemon: %w", err)
	}
	defer func() {
		if err := z.Runner.Run(context.Background(), "pkill", "--exact", "zed"); err != nil {
			z.Log.Warnf("failed to stop the ZFS event daemon: %s", err)
		}
	}()

	// any property change emits a history event the cacher reacts to
	for _, p := range z.Pools {
		if err := util.RunInChroot(ctx, z.Runner, z.Root, "zfs set canmount=on "+p); err != nil {
			return fmt.Errorf("failed to trigger cache update for %s: %w", p, err)
		}
	}

	timeout, interval := z.Timeout, z.Interval
	if timeout == 0 {
		timeout = DefaultZedCacheTimeout
	}
	if interval == 0 {
		interval = 250 * time.Millisecond
	}
	ok := util.WaitFor(ctx, timeout, interval, func() bool {
		for _, p := range z.Pools {
			info, err := z.Fs.Stat(z.cacheFile(p))
			if err != nil || info.Size() == 0 {
				return false
			}
		}
		return true
	})
	if !ok {
		return fmt.Errorf("%w within %s", ErrZedCacheTimeout, timeout)
	}

	return z.rewriteMountpoints()
}

// rewriteMountpoints strips the jail prefix from the cached mountpoints, so
// they describe the booted system. Cache lines are tab separated.
func (z *ZedCache) rewriteMountpoints() error {
	root := filepath.Clean(z.Root)

	for _, p := range z.Pools {
		content, err := afero.ReadFile(z.Fs, z.cacheFile(p))
		if err != nil {
			return fmt.Errorf("failed to read cache file for %s: %w", p, err)
		}

		lines := strings.Split(string(content), "\n")
		for i, line := range lines {
			fields := strings.Split(line, "\t")
			for j, f := range fields {
				switch {
				case f == root:
					fields[j] = "/"
				case strings.HasPrefix(f, root+"/"):
					fields[j] = strings.TrimPrefix(f, root)
				}
			}
			lines[i] = strings.Join(fields, "\t")
		}

		if err := afero.WriteFile(z.Fs, z.cacheFile(p), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
			return fmt.Errorf("failed to rewrite cache file for %s: %w", p, err)
		}
	}
	return nil
}
