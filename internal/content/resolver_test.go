package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/config"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/internal/replication"
)

const (
	uriA = "https://a.example"
	uriB = "https://b.example"
	uriC = "https://c.example"
	uriD = "https://d.example"
)

func TestRouteResolverLongestPrefix(t *testing.T) {
	r, err := NewRouteResolver(uriA, []Route{
		{Prefix: "docs/", Targets: []Target{{URI: uriB}, {URI: uriC, Level: replication.LevelReference}}},
		{Prefix: "docs/shared/", Owner: uriB, Targets: []Target{{URI: uriB + "/"}, {URI: uriA}, {URI: uriD}}},
	})
	require.NoError(t, err)

	assert.Equal(t, uriA, r.Owner("docs/one"))
	assert.Equal(t, []Target{{URI: uriB, Level: replication.LevelFull}, {URI: uriC, Level: replication.LevelReference}}, r.Targets("docs/one"))

	assert.Equal(t, uriB, r.Owner("docs/shared/two"))
	// self is never a target
	assert.Equal(t, []Target{{URI: uriB, Level: replication.LevelFull}, {URI: uriD, Level: replication.LevelFull}}, r.Targets("docs/shared/two"))

	assert.Equal(t, uriA, r.Owner("other"))
	assert.Empty(t, r.Targets("other"))

	full, reference := split(r.Targets("docs/one"))
	assert.Equal(t, []string{uriB}, full)
	assert.Equal(t, []string{uriC}, reference)
}

func TestRouteResolverRejectsOwnerRemoval(t *testing.T) {
	r, err := NewRouteResolver(uriA, []Route{
		{Prefix: "shared/", Owner: uriB, Targets: []Target{{URI: uriB}, {URI: uriC}}},
	})
	require.NoError(t, err)

	err = r.RemoveTarget("shared/", uriB)
	require.Error(t, err)
	assert.ErrorIs(t, err, replerr.ErrReplication)
	// nothing changed
	assert.Len(t, r.Targets("shared/x"), 2)

	require.NoError(t, r.RemoveTarget("shared/", uriC))
	assert.Equal(t, []Target{{URI: uriB, Level: replication.LevelFull}}, r.Targets("shared/x"))

	err = r.SetRoute(Route{Prefix: "shared/", Owner: uriB, Targets: []Target{{URI: uriD}}})
	assert.ErrorIs(t, err, replerr.ErrReplication)
	assert.Equal(t, []Target{{URI: uriB, Level: replication.LevelFull}}, r.Targets("shared/x"))

	_, err = NewRouteResolver(uriA, []Route{{Prefix: "x/", Owner: uriB}})
	assert.Error(t, err)

	assert.Error(t, r.RemoveTarget("unknown/", uriB))
}

func TestRoutesFromConfig(t *testing.T) {
	routes, err := RoutesFromConfig([]config.ContentRoute{{
		Prefix: "docs/",
		Owner:  uriA,
		Targets: []config.ContentTarget{
			{URI: uriB, Level: "full"},
			{URI: uriC, Level: "reference"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, replication.LevelReference, routes[0].Targets[1].Level)

	_, err = RoutesFromConfig([]config.ContentRoute{{
		Prefix:  "docs/",
		Targets: []config.ContentTarget{{URI: uriB, Level: "partial"}},
	}})
	assert.Error(t, err)
}
