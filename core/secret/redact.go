package secret

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// RedactHook scrubs registered secrets from log entries. It must be the
// first hook added to a logger, since logrus fires hooks in insertion order
// and the writer hooks render the entry as soon as they see it.
type RedactHook struct {
	mu      sync.RWMutex
	secrets []*Secret
}

func NewRedactHook() *RedactHook {
	return &RedactHook{}
}

// Register adds s to the set of values scrubbed from every entry
func (h *RedactHook) Register(s *Secret) {
	if !s.IsSet() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secrets = append(h.secrets, s)
}

func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RedactHook) Fire(entry *logrus.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry.Message = h.scrub(entry.Message)

	for k, v := range entry.Data {
		switch val := v.(type) {
		case *Secret:
			entry.Data[k] = Redacted
		case string:
			entry.Data[k] = h.scrub(val)
		case []string:
			clean := make([]string, len(val))
			for i, s := range val {
				clean[i] = h.scrub(s)
			}
			entry.Data[k] = clean
		case error:
			if msg := val.Error(); h.scrub(msg) != msg {
				entry.Data[k] = h.scrub(msg)
			}
		}
	}

	return nil
}

func (h *RedactHook) scrub(s string) string {
	for _, sec := range h.secrets {
		v := sec.reveal()
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}
