// Package urn implements the subcog:// addressing scheme.
package urn

import (
	"fmt"
	"strings"

	"github.com/subcog/subcog/internal/kind"
)

const (
	Scheme   = "subcog"
	Wildcard = "_"
)

// URN is the parsed form of subcog://{domain}/{namespace}/{id}.
type URN struct {
	Domain    string
	Namespace string
	ID        string
}

// Format renders a URN. Used both for exact addressing and, with Wildcard
// segments, for filter-context matching.
func Format(domain, namespace, id string) string {
	return fmt.Sprintf("%s://%s/%s/%s", Scheme, domain, namespace, id)
}

func (u URN) String() string {
	return Format(u.Domain, u.Namespace, u.ID)
}

// Parse decodes a URN string. The id segment must never be the wildcard: a
// wildcard id would address no record at all and is rejected with
// InvalidInput rather than silently accepted.
func Parse(s string) (URN, error) {
	const prefix = Scheme + "://"
	if !strings.HasPrefix(s, prefix) {
		return URN{}, kind.New(kind.InvalidInput, "urn.Parse", "missing subcog:// scheme")
	}
	rest := strings.TrimPrefix(s, prefix)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return URN{}, kind.New(kind.InvalidInput, "urn.Parse", "expected subcog://{domain}/{namespace}/{id}")
	}
	if parts[2] == Wildcard {
		return URN{}, kind.New(kind.InvalidInput, "urn.Parse", "wildcard is not a valid id")
	}
	return URN{Domain: parts[0], Namespace: parts[1], ID: parts[2]}, nil
}

// Matches reports whether this URN (used as a filter pattern, domain/namespace
// may be Wildcard) matches a concrete candidate URN. The id segment of the
// pattern is never treated as a wildcard even if literally "_", matching
// Parse's rejection of wildcard ids in stored addresses.
func (u URN) Matches(candidate URN) bool {
	if u.Domain != Wildcard && u.Domain != candidate.Domain {
		return false
	}
	if u.Namespace != Wildcard && u.Namespace != candidate.Namespace {
		return false
	}
	return u.ID == candidate.ID
}
