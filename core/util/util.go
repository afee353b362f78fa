package util

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// MaxStreamLine is the longest output line RunStreaming reports. Longer
// lines stop the reporting, the rest of the output is discarded.
const MaxStreamLine = 1024 * 1024

// Runner executes external tools. Every provisioning step goes through a
// Runner so the full command trace ends up in the install log and tests can
// substitute a recording fake.
type Runner interface {
	// Run executes a command, discarding its output into the trace log
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns its trimmed standard output
	Output(ctx context.Context, name string, args ...string) (string, error)
	// RunWithInput executes a command with input fed through its standard
	// input. This is the only channel secrets are allowed to travel through.
	RunWithInput(ctx context.Context, input io.Reader, name string, args ...string) error
	// RunStreaming executes a command, calling onLine for every line (or
	// carriage-return delimited progress update) written to standard output
	RunStreaming(ctx context.Context, onLine func(string), name string, args ...string) error
}

// ExecRunner is the Runner backed by os/exec
type ExecRunner struct {
	Log *logrus.Logger
	// Env holds extra variables in the form MYVAR=myvalue passed to every command
	Env []string
}

func NewExecRunner(log *logrus.Logger) *ExecRunner {
	return &ExecRunner{Log: log}
}

func (r *ExecRunner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), r.Env...)
	r.Log.WithFields(logrus.Fields{"cmd": name, "args": args}).Debug("exec")
	return cmd
}

func (r *ExecRunner) finish(name string, args []string, stderr *bytes.Buffer, err error) error {
	if err == nil {
		return nil
	}

	msg := strings.TrimSpace(stderr.String())
	r.Log.WithFields(logrus.Fields{"cmd": name, "args": args}).Debugf("failed: %s: %s", err, msg)
	if msg == "" {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	stderr := new(bytes.Buffer)

	cmd := r.command(ctx, name, args...)
	trace := r.Log.WriterLevel(logrus.DebugLevel)
	defer trace.Close()
	cmd.Stdout = trace
	cmd.Stderr = io.MultiWriter(stderr, trace)

	return r.finish(name, args, stderr, cmd.Run())
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	stderr := new(bytes.Buffer)

	cmd := r.command(ctx, name, args...)
	cmd.Stderr = stderr
	out, err := cmd.Output()

	return strings.TrimSpace(string(out)), r.finish(name, args, stderr, err)
}

func (r *ExecRunner) RunWithInput(ctx context.Context, input io.Reader, name string, args ...string) error {
	stderr := new(bytes.Buffer)

	cmd := r.command(ctx, name, args...)
	trace := r.Log.WriterLevel(logrus.DebugLevel)
	defer trace.Close()
	cmd.Stdin = input
	cmd.Stdout = trace
	cmd.Stderr = io.MultiWriter(stderr, trace)

	return r.finish(name, args, stderr, cmd.Run())
}

func (r *ExecRunner) RunStreaming(ctx context.Context, onLine func(string), name string, args ...string) error {
	stderr := new(bytes.Buffer)

	cmd := r.command(ctx, name, args...)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to %s output: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return r.finish(name, args, stderr, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxStreamLine)
	scanner.Split(ScanProgressLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		r.Log.Debug(line)
		onLine(line)
	}
	scanErr := scanner.Err()
	// the child blocks on a full pipe until its output is consumed
	_, _ = io.Copy(io.Discard, stdout)

	err = cmd.Wait()
	if scanErr != nil {
		err = multierror.Append(err, fmt.Errorf("failed to read output: %w", scanErr))
	}
	return r.finish(name, args, stderr, err)
}

// ScanProgressLines is a bufio.SplitFunc splitting on both '\n' and '\r', so
// tools repainting a progress line are reported on every update.
func ScanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// RunInChroot executes a shell command string while chrooted into root
func RunInChroot(ctx context.Context, r Runner, root, command string) error {
	return r.Run(ctx, "chroot", root, "sh", "-c", command)
}

// OutputInChroot is RunInChroot returning the command's standard output
func OutputInChroot(ctx context.Context, r Runner, root, command string) (string, error) {
	return r.Output(ctx, "chroot", root, "sh", "-c", command)
}

// IsExitCode reports whether err wraps an exit status equal to code
func IsExitCode(err error, code int) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == code
	}
	return false
}

var (
	byIDPartExpr   = regexp.MustCompile(`^(/dev/(?:disk/by-[a-z]+|zvol)/.+)-part([0-9]+)$`)
	kernelDiskExpr = regexp.MustCompile("^/dev/[a-zA-Z]+([0-9]+[a-z][0-9]+)?")
	partNumExpr    = regexp.MustCompile("[0-9]+$")
)

// PartitionPath returns the path of partition n of disk. Stable identifiers
// under /dev/disk/by-* and zvol links use the "-partN" suffix, kernel names
// follow the kernel's own convention (sda1, nvme0n1p1).
func PartitionPath(disk string, n int) string {
	if strings.HasPrefix(disk, "/dev/disk/by-") || strings.HasPrefix(disk, "/dev/zvol/") {
		return fmt.Sprintf("%s-part%d", disk, n)
	}

	last := disk[len(disk)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}

// SeparateDiskPart receives a partition path (e.g. /dev/sda1 or
// /dev/disk/by-id/ata-X-part1) and separates it into the device root and
// partition number
func SeparateDiskPart(path string) (string, string) {
	if m := byIDPartExpr.FindStringSubmatch(path); m != nil {
		return m[1], m[2]
	}

	disk := kernelDiskExpr.FindString(path)
	part := partNumExpr.FindString(strings.TrimPrefix(path, disk))
	return disk, part
}

// PartitionNumber is SeparateDiskPart returning the partition as an integer
func PartitionNumber(path string) (int, error) {
	_, part := SeparateDiskPart(path)
	if part == "" {
		return 0, fmt.Errorf("%s is not a partition path", path)
	}
	return strconv.Atoi(part)
}
