package system

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/util"
)

const (
	UnitDir = "/etc/systemd/system"

	TrimServiceName = "zpool-trim@.service"
	TrimTimerName   = "zpool-trim@.timer"
)

func BootPoolImportUnitName(pool string) string {
	return "zfs-import-" + unit.UnitNameEscape(pool) + ".service"
}

// BootPoolImportUnit imports the boot pool before the regular import units
// run. The cache file is moved aside meanwhile, so the boot pool never ends
// up recorded in it.
func BootPoolImportUnit(pool string) []*unit.UnitOption {
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		unit.NewUnitOption("Unit", "Before", "zfs-import-scan.service"),
		unit.NewUnitOption("Unit", "Before", "zfs-import-cache.service"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
		unit.NewUnitOption("Service", "ExecStart", "/sbin/zpool import -N -o cachefile=none "+pool),
		unit.NewUnitOption("Service", "ExecStartPre", "-/bin/mv /etc/zfs/zpool.cache /etc/zfs/preboot_zpool.cache"),
		unit.NewUnitOption("Service", "ExecStartPost", "-/bin/mv /etc/zfs/preboot_zpool.cache /etc/zfs/zpool.cache"),
		unit.NewUnitOption("Install", "WantedBy", "zfs-import.target"),
	}
}

func TrimService() []*unit.UnitOption {
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Trim ZFS pool %i"),
		unit.NewUnitOption("Unit", "Requires", "zfs.target"),
		unit.NewUnitOption("Unit", "After", "zfs.target"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", "/sbin/zpool trim %i"),
	}
}

func TrimTimer() []*unit.UnitOption {
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Weekly trim of ZFS pool %i"),
		unit.NewUnitOption("Timer", "OnCalendar", "weekly"),
		unit.NewUnitOption("Timer", "Persistent", "true"),
		unit.NewUnitOption("Timer", "RandomizedDelaySec", "1h"),
		unit.NewUnitOption("Install", "WantedBy", "timers.target"),
	}
}

// TrimTimerInstance is the timer enabled for pool
func TrimTimerInstance(pool string) string {
	return strings.Replace(TrimTimerName, "@", "@"+unit.UnitNameEscape(pool), 1)
}

// WriteUnit serializes opts into the target's unit directory
func WriteUnit(fs afero.Fs, root, name string, opts []*unit.UnitOption) error {
	content, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", name, err)
	}

	dir := filepath.Join(root, UnitDir)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, name), content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func EnableUnits(ctx context.Context, r util.Runner, root string, units ...string) error {
	if err := util.RunInChroot(ctx, r, root, "systemctl enable "+strings.Join(units, " ")); err != nil {
		return fmt.Errorf("failed to enable %s: %w", strings.Join(units, ", "), err)
	}
	return nil
}
