package resolver

import (
	"testing"

	"libresync/internal/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	c1 := domain.Connection{ID: "p1", FirstName: "John", LastName: "Doe"}
	c2 := domain.Connection{ID: "p2", FirstName: "Jane", LastName: "Roe"}
	connections := []domain.Connection{c1, c2}

	called := false
	neverCalled := ByPredicate(func([]domain.Connection) (string, bool) {
		called = true
		return "p1", true
	})

	testCases := []struct {
		name        string
		connections []domain.Connection
		selector    Selector
		expectID    string
		expectErr   error
	}{
		{name: "Empty List First", connections: nil, selector: ByFirstAvailable(), expectErr: domain.ErrNoConnections},
		{name: "Empty List Name", connections: []domain.Connection{}, selector: ByName("John Doe"), expectErr: domain.ErrNoConnections},
		{name: "Empty List Predicate", connections: nil, selector: neverCalled, expectErr: domain.ErrNoConnections},
		{name: "Zero Selector", connections: connections, selector: Selector{}, expectID: "p1"},
		{name: "First Available", connections: connections, selector: ByFirstAvailable(), expectID: "p1"},
		{name: "By Name", connections: connections, selector: ByName("Jane Roe"), expectID: "p2"},
		{name: "By Name Case Insensitive", connections: connections, selector: ByName("  jANE rOE "), expectID: "p2"},
		{name: "By Name Missing", connections: connections, selector: ByName("Nobody"), expectErr: domain.ErrConnectionNotFound},
		{name: "By Name Partial", connections: connections, selector: ByName("Jane"), expectErr: domain.ErrConnectionNotFound},
		{
			name:        "Predicate",
			connections: connections,
			selector: ByPredicate(func(cs []domain.Connection) (string, bool) {
				return cs[len(cs)-1].ID, true
			}),
			expectID: "p2",
		},
		{
			name:        "Predicate None",
			connections: connections,
			selector:    ByPredicate(func([]domain.Connection) (string, bool) { return "", false }),
			expectErr:   domain.ErrConnectionNotFound,
		},
		{name: "Nil Predicate", connections: connections, selector: ByPredicate(nil), expectErr: domain.ErrConnectionNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Resolve(tc.connections, tc.selector)
			if tc.expectErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.expectErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectID, id)
		})
	}

	assert.False(t, called, "predicate must not run on an empty list")
}

func TestFromIdentifier(t *testing.T) {
	assert.Equal(t, FirstAvailable, FromIdentifier("").Kind())
	assert.Equal(t, FirstAvailable, FromIdentifier("   ").Kind())

	sel := FromIdentifier("John Doe")
	assert.Equal(t, Name, sel.Kind())
	assert.Equal(t, "name:John Doe", sel.String())
}

func TestResolveConnectionKeepsThresholds(t *testing.T) {
	connections := []domain.Connection{{ID: "p1", FirstName: "A", LastName: "B", TargetLow: 70, TargetHigh: 180}}

	c, err := ResolveConnection(connections, ByName("a b"))
	require.NoError(t, err)
	assert.Equal(t, 70.0, c.TargetLow)
	assert.Equal(t, 180.0, c.TargetHigh)
}
