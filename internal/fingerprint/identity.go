package fingerprint

import (
	"fmt"
	"strings"
)

// Identity is the stable namespace:name:version key of one publishable
// package. It is derived from package metadata only, never from filesystem
// state.
type Identity string

// NewIdentity joins the three coordinates of a package.
func NewIdentity(namespace, name, version string) (Identity, error) {
	id := Identity(namespace + Separator + name + Separator + version)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks that the identity has exactly three non-empty parts and
// fits on one line.
func (id Identity) Validate() error {
	s := string(id)
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("identity %q: must be a single line", s)
	}
	parts := strings.Split(s, Separator)
	if len(parts) != 3 {
		return fmt.Errorf("identity %q: expected namespace:name:version", s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("identity %q: empty coordinate", s)
		}
	}
	return nil
}

func (id Identity) String() string { return string(id) }
