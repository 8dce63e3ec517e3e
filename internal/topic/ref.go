package topic

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRef is returned when a qualified topic name cannot be parsed.
var ErrInvalidRef = errors.New("invalid topic reference")

// Ref is a fully-qualified topic reference. Its string form
// "<tenant>/<namespace>/<name>" is the map key used by the consumer registry
// and the dispatcher manager.
type Ref struct {
	Tenant    string
	Namespace string
	Name      string
}

// String returns the "<tenant>/<namespace>/<name>" form.
func (r Ref) String() string {
	return r.Tenant + "/" + r.Namespace + "/" + r.Name
}

// ParseRef parses a qualified topic name produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Tenant: parts[0], Namespace: parts[1], Name: parts[2]}, nil
}
