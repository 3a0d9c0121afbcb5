package engine

import (
	"fmt"
	"log/slog"
)

const redacted = "***"

var (
	_ fmt.Stringer   = (*Secret)(nil)
	_ fmt.GoStringer = (*Secret)(nil)
	_ slog.LogValuer = (*Secret)(nil)
)

// Secret is an opaque credential. Every textual rendering of a Secret is
// redacted; only an [Engine] reads the plaintext, when injecting it into a
// single execution.
type Secret struct {
	name  string
	value string
}

// NewSecret returns a [Secret] identified by name.
func NewSecret(name, value string) *Secret {
	return &Secret{name: name, value: value}
}

// Name returns the identifier of the secret, which is not sensitive.
func (s *Secret) Name() string {
	return s.name
}

// Plaintext returns the secret value.
func (s *Secret) Plaintext() string {
	return s.value
}

// Empty reports whether the secret has no value.
func (s *Secret) Empty() bool {
	return s == nil || s.value == ""
}

func (s *Secret) String() string {
	return redacted
}

func (s *Secret) GoString() string {
	return redacted
}

// Format redacts the secret for every verb, including %v and %+v on
// structs that embed it.
func (s *Secret) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

func (s *Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
