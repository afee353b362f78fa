// Package logging sets up the installer log directory: a console sink for
// the operator, a full debug trace in install.log and a handful of system
// information dumps meant to be attached verbatim to bug reports.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	TraceFile            = "install.log"
	OSInformationFile    = "os_information.log"
	RunningProcessesFile = "running_processes.log"
	DisksFile            = "disks.log"
	ZFSVersionFile       = "zfs_module_version.log"
)

func DefaultDir() string {
	return filepath.Join(os.TempDir(), "rootzfs")
}

// Logs owns the log directory and the logger writing into it
type Logs struct {
	Dir    string
	Logger *logrus.Logger

	fs    afero.Fs
	trace afero.File

	mu     sync.Mutex
	stored map[string]struct{}
}

// writerHook sends entries of the given levels to Writer, rendered with its
// own formatter so the console and the trace file can differ
type writerHook struct {
	mu        sync.Mutex
	Writer    io.Writer
	Formatter logrus.Formatter
	levels    []logrus.Level
}

func (h *writerHook) Levels() []logrus.Level { return h.levels }

func (h *writerHook) Fire(entry *logrus.Entry) error {
	b, err := h.Formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Writer.Write(b)
	return err
}

func levelsUpTo(max logrus.Level) []logrus.Level {
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= max {
			out = append(out, l)
		}
	}
	return out
}

// Setup creates dir on fs and returns a logger writing Info and above to
// console and everything to the trace file. Hooks in pre run before any
// sink, which is where the secret redaction hook belongs.
func Setup(fs afero.Fs, dir string, console io.Writer, pre ...logrus.Hook) (*Logs, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	trace, err := fs.OpenFile(filepath.Join(dir, TraceFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace log: %w", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)

	for _, h := range pre {
		log.AddHook(h)
	}
	log.AddHook(&writerHook{
		Writer:    console,
		Formatter: &logrus.TextFormatter{DisableTimestamp: true, DisableLevelTruncation: true},
		levels:    levelsUpTo(logrus.InfoLevel),
	})
	log.AddHook(&writerHook{
		Writer:    trace,
		Formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
		levels:    logrus.AllLevels,
	})

	return &Logs{
		Dir:    dir,
		Logger: log,
		fs:     fs,
		trace:  trace,
		stored: map[string]struct{}{},
	}, nil
}

// Store writes content to name inside the log directory, replacing any
// previous content
func (l *Logs) Store(name, content string) error {
	if err := afero.WriteFile(l.fs, l.Path(name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}

	l.mu.Lock()
	l.stored[name] = struct{}{}
	l.mu.Unlock()
	l.Logger.WithField("file", l.Path(name)).Debug("stored log")
	return nil
}

func (l *Logs) Path(name string) string {
	return filepath.Join(l.Dir, name)
}

// Files lists the trace log and every stored dump
func (l *Logs) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	files := []string{l.Path(TraceFile)}
	names := make([]string, 0, len(l.stored))
	for n := range l.stored {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		files = append(files, l.Path(n))
	}
	return files
}

func (l *Logs) Close() error {
	return l.trace.Close()
}
