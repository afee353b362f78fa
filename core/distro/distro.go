// Package distro detects the running live distribution and decides whether
// the installer can run on it.
package distro

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/rootzfs/rootzfs/core/util"
)

type ID string

const (
	Ubuntu       ID = "Ubuntu"
	UbuntuServer ID = "UbuntuServer"
	LinuxMint    ID = "LinuxMint"
	Elementary   ID = "elementary"
	Debian       ID = "Debian"
)

// ServerMarkerPackage is installed only on the Ubuntu Server live image,
// which reports the same os-release ID as the desktop flavour
const ServerMarkerPackage = "ubuntu-server"

// Supported lists the versions each distribution is known to work on
var Supported = map[ID][]string{
	Ubuntu:       {"18.04", "20.04", "22.04"},
	UbuntuServer: {"18.04", "20.04", "22.04"},
	LinuxMint:    {"19.1", "19.2", "19.3", "20", "20.1", "20.2", "20.3", "21", "21.1"},
	Elementary:   {"5.1", "6.1"},
	Debian:       {"11", "12"},
}

var osReleaseIDs = map[string]ID{
	"ubuntu":     Ubuntu,
	"linuxmint":  LinuxMint,
	"elementary": Elementary,
	"debian":     Debian,
}

var ErrUnsupported = errors.New("unsupported distribution")

// Profile is the resolved distribution of the live environment
type Profile struct {
	ID      ID
	Version string
	// Release carries the raw os-release pairs, for the information dump
	Release map[string]string
}

func (p Profile) String() string {
	return fmt.Sprintf("%s %s", p.ID, p.Version)
}

func (p Profile) Supported() bool {
	for _, v := range Supported[p.ID] {
		if v == p.Version {
			return true
		}
	}
	return false
}

// MajorVersion returns the version up to the first dot ("19" for "19.3")
func (p Profile) MajorVersion() string {
	major, _, _ := strings.Cut(p.Version, ".")
	return major
}

// SupportedList renders the supported table for error messages
func SupportedList() string {
	ids := make([]string, 0, len(Supported))
	for id := range Supported {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s: %s\n", id, strings.Join(Supported[ID(id)], ", "))
	}
	return b.String()
}

func ParseOSRelease(content string) (map[string]string, error) {
	release, err := godotenv.Unmarshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse os-release: %w", err)
	}
	return release, nil
}

type Resolver struct {
	Fs     afero.Fs
	Runner util.Runner
}

// Resolve reads /etc/os-release and maps it onto a Profile. Unknown IDs are
// returned as-is so the caller can report them.
func (r *Resolver) Resolve(ctx context.Context) (Profile, error) {
	content, err := afero.ReadFile(r.Fs, "/etc/os-release")
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read os-release: %w", err)
	}
	release, err := ParseOSRelease(string(content))
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{
		ID:      ID(release["ID"]),
		Version: release["VERSION_ID"],
		Release: release,
	}
	if id, ok := osReleaseIDs[release["ID"]]; ok {
		profile.ID = id
	}

	if profile.ID == Ubuntu {
		status, err := r.Runner.Output(ctx, "dpkg-query", "--show", "--showformat=${db:Status-Abbrev}", ServerMarkerPackage)
		// dpkg-query exits with 1 when the package is unknown
		if err != nil && !util.IsExitCode(err, 1) {
			return Profile{}, fmt.Errorf("failed to query %s status: %w", ServerMarkerPackage, err)
		}
		if strings.HasPrefix(status, "ii") {
			profile.ID = UbuntuServer
		}
	}

	return profile, nil
}
