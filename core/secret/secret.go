// Package secret holds values that must never reach a log sink or a process
// argument list, such as the pool passphrase and the root password.
package secret

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"
)

const Redacted = "[REDACTED]"

// Secret is an in-memory value that renders as Redacted everywhere fmt, log
// formatters or encoders might print it. The only way to read it back is
// through Reader, which is meant to be wired to a command's stdin.
type Secret struct {
	value []byte
	wiped bool
}

func New(v string) *Secret {
	return &Secret{value: []byte(v)}
}

func (s *Secret) IsSet() bool {
	return s != nil && len(s.value) > 0
}

func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.value)
}

// Reader returns a fresh reader yielding the value followed by a newline.
// Every call returns a new reader, so the same secret can be consumed by
// any number of commands without prompting again.
func (s *Secret) Reader() io.Reader {
	return s.ReaderWithPrefix("")
}

// ReaderWithPrefix is Reader with prefix written before the value, e.g.
// "root:" for chpasswd.
func (s *Secret) ReaderWithPrefix(prefix string) io.Reader {
	buf := make([]byte, 0, len(prefix)+s.Len()+1)
	buf = append(buf, prefix...)
	if s != nil {
		buf = append(buf, s.value...)
	}
	buf = append(buf, '\n')
	return bytes.NewReader(buf)
}

func (s *Secret) Equal(other *Secret) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	return subtle.ConstantTimeCompare(s.value, other.value) == 1
}

// Wipe zeroes the value in place. The secret is unset afterwards, Wiped
// still tells it held a value.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.wiped = s.wiped || len(s.value) > 0
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = nil
}

func (s *Secret) Wiped() bool {
	return s != nil && s.wiped
}

func (s *Secret) reveal() string {
	if s == nil {
		return ""
	}
	return string(s.value)
}

func (s *Secret) String() string   { return Redacted }
func (s *Secret) GoString() string { return Redacted }

func (s *Secret) MarshalText() ([]byte, error) {
	return []byte(Redacted), nil
}

func (s *Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, Redacted)
}
