// Package resolver picks the connection to monitor out of the ones an account follows.
package resolver

import (
	"strings"

	"libresync/internal/domain"

	"github.com/pkg/errors"
)

type Kind int

const (
	FirstAvailable Kind = iota
	Name
	Predicate
)

// PredicateFunc returns the chosen connection id, or false when none matches.
type PredicateFunc func(connections []domain.Connection) (string, bool)

// Selector describes how a connection is chosen. The zero value selects the first one.
type Selector struct {
	kind      Kind
	name      string
	predicate PredicateFunc
}

func ByFirstAvailable() Selector {
	return Selector{kind: FirstAvailable}
}

// ByName matches the "first last" display name, ignoring case.
func ByName(name string) Selector {
	return Selector{kind: Name, name: name}
}

func ByPredicate(fn PredicateFunc) Selector {
	return Selector{kind: Predicate, predicate: fn}
}

// FromIdentifier maps a configured identifier to a selector; empty means first available.
func FromIdentifier(identifier string) Selector {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ByFirstAvailable()
	}
	return ByName(identifier)
}

func (s Selector) Kind() Kind { return s.kind }

func (s Selector) String() string {
	switch s.kind {
	case Name:
		return "name:" + s.name
	case Predicate:
		return "predicate"
	default:
		return "first"
	}
}

// Resolve returns the id of the connection chosen by sel.
func Resolve(connections []domain.Connection, sel Selector) (string, error) {
	c, err := ResolveConnection(connections, sel)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// ResolveConnection is Resolve returning the whole connection.
func ResolveConnection(connections []domain.Connection, sel Selector) (domain.Connection, error) {
	if len(connections) == 0 {
		return domain.Connection{}, domain.ErrNoConnections
	}

	switch sel.kind {
	case Name:
		want := strings.ToLower(strings.TrimSpace(sel.name))
		for _, c := range connections {
			if strings.ToLower(c.FullName()) == want {
				return c, nil
			}
		}
		return domain.Connection{}, errors.Wrapf(domain.ErrConnectionNotFound, "no connection named %q", sel.name)

	case Predicate:
		if sel.predicate == nil {
			return domain.Connection{}, errors.Wrap(domain.ErrConnectionNotFound, "nil predicate")
		}
		id, ok := sel.predicate(connections)
		if !ok || id == "" {
			return domain.Connection{}, errors.Wrap(domain.ErrConnectionNotFound, "predicate matched no connection")
		}
		for _, c := range connections {
			if c.ID == id {
				return c, nil
			}
		}
		// The predicate may return an id the list does not carry.
		return domain.Connection{ID: id}, nil

	default:
		return connections[0], nil
	}
}
