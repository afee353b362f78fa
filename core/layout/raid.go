package layout

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type RaidType string

const (
	RaidNone   RaidType = ""
	RaidMirror RaidType = "mirror"
	RaidZ      RaidType = "raidz"
	RaidZ2     RaidType = "raidz2"
	RaidZ3     RaidType = "raidz3"
)

func (t RaidType) String() string {
	if t == RaidNone {
		return "none"
	}
	return string(t)
}

// MinDisks is the fewest disks the topology is accepted with
func (t RaidType) MinDisks() int {
	switch t {
	case RaidMirror:
		return 2
	case RaidZ:
		return 3
	case RaidZ2:
		return 4
	case RaidZ3:
		return 5
	}
	return 1
}

func ParseRaidType(s string) (RaidType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return RaidNone, nil
	case "mirror":
		return RaidMirror, nil
	case "raidz", "raidz1":
		return RaidZ, nil
	case "raidz2":
		return RaidZ2, nil
	case "raidz3":
		return RaidZ3, nil
	}
	return RaidNone, fmt.Errorf("invalid RAID type %q", s)
}

// Threshold selects Type from MinDisks disks upward
type Threshold struct {
	MinDisks int
	Type     RaidType
}

var DefaultRaidZThresholds = []Threshold{
	{3, RaidZ},
	{6, RaidZ2},
	{11, RaidZ3},
}

// ParseThresholds reads a table in the "3:raidz,6:raidz2,11:raidz3" form
func ParseThresholds(s string) ([]Threshold, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultRaidZThresholds, nil
	}

	var out []Threshold
	for _, item := range strings.Split(s, ",") {
		n, kind, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			return nil, fmt.Errorf("invalid RAID threshold %q, expected disks:type", item)
		}
		disks, err := strconv.Atoi(n)
		if err != nil || disks < 3 {
			return nil, fmt.Errorf("invalid RAID threshold %q: disk count must be at least 3", item)
		}
		t, err := ParseRaidType(kind)
		if err != nil || t == RaidNone {
			return nil, fmt.Errorf("invalid RAID threshold %q: unknown type %q", item, kind)
		}
		out = append(out, Threshold{disks, t})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MinDisks < out[j].MinDisks })
	return out, nil
}

// SelectRaidType returns the topology for n disks. An explicit override wins
// when the disk count allows it; otherwise 1 disk has no redundancy, 2 are
// mirrored and more follow the threshold table.
func SelectRaidType(n int, override RaidType, table []Threshold) (RaidType, error) {
	if n <= 0 {
		return RaidNone, fmt.Errorf("no disks selected")
	}

	if override != RaidNone {
		if n < override.MinDisks() {
			return RaidNone, fmt.Errorf("%s needs at least %d disks, %d selected", override, override.MinDisks(), n)
		}
		return override, nil
	}

	switch n {
	case 1:
		return RaidNone, nil
	case 2:
		return RaidMirror, nil
	}

	selected := RaidMirror
	for _, t := range table {
		if n >= t.MinDisks {
			selected = t.Type
		}
	}
	return selected, nil
}

// FormatThresholds renders table in the form read by ParseThresholds
func FormatThresholds(table []Threshold) string {
	items := make([]string, 0, len(table))
	for _, t := range table {
		items = append(items, fmt.Sprintf("%d:%s", t.MinDisks, t.Type))
	}
	return strings.Join(items, ",")
}
