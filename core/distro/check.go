package distro

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

var (
	ErrNotEFI              = errors.New("the system is not booted in EFI mode")
	ErrNotRoot             = errors.New("the installer must be run with administrative privileges")
	ErrScriptNotExecutable = errors.New("the custom installation script is not executable")
)

// Checker is the precondition gate. It runs once before anything touches
// the disks.
type Checker struct {
	Fs         afero.Fs
	Geteuid    func() int
	Executable func(path string) bool
}

func NewChecker(fs afero.Fs) *Checker {
	return &Checker{
		Fs:      fs,
		Geteuid: os.Geteuid,
		Executable: func(path string) bool {
			return unix.Access(path, unix.X_OK) == nil
		},
	}
}

func (c *Checker) Check(profile Profile, script string) error {
	if ok, _ := afero.DirExists(c.Fs, "/sys/firmware/efi"); !ok {
		return ErrNotEFI
	}

	if c.Geteuid() != 0 {
		return ErrNotRoot
	}

	if !profile.Supported() {
		return fmt.Errorf("%w: %s; supported versions are:\n%s", ErrUnsupported, profile, SupportedList())
	}

	if script != "" {
		info, err := c.Fs.Stat(script)
		if err != nil || info.IsDir() || !c.Executable(script) {
			return fmt.Errorf("%w: %s", ErrScriptNotExecutable, script)
		}
	}

	return nil
}
