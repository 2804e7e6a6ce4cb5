package acl

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestGrantAndCheck(t *testing.T) {
	a := New().Grant(RoleUser, "alice", LevelRead)

	require.True(t, a.Check(User("alice").ReadRequest()))
	require.False(t, a.Check(User("alice").WriteRequest()))
	require.False(t, a.Check(User("bob").ReadRequest()))
	require.False(t, a.Check(Agent("alice").ReadRequest()), "role is part of the identity")
}

func TestOwnerImpliesReadWrite(t *testing.T) {
	a := New().GrantCandidate(Team("acme"), LevelOwner)

	require.True(t, a.Check(Team("acme").ReadRequest()))
	require.True(t, a.Check(Team("acme").WriteRequest()))
	require.True(t, a.Check(Team("acme").OwnerRequest()))
}

func TestWildcardMatchesAnyID(t *testing.T) {
	a := New().Grant(RoleAgent, Wildcard, LevelRead)

	require.True(t, a.Check(Agent("any-agent").ReadRequest()))
	require.True(t, a.Check(Agent("other").ReadRequest()))
	require.False(t, a.Check(User("any-agent").ReadRequest()))
	require.False(t, a.Check(Agent("any-agent").WriteRequest()))
}

func TestSerializeRoundTrip(t *testing.T) {
	a := New().
		Grant(RoleUser, "alice", LevelOwner).
		Grant(RoleTeam, "acme", LevelWrite).
		Grant(RoleAgent, Wildcard, LevelRead)

	serialized, err := a.Serialize()
	require.NoError(t, err)

	restored, err := From(serialized)
	require.NoError(t, err)
	require.True(t, restored.Check(User("alice").OwnerRequest()))
	require.True(t, restored.Check(Team("acme").WriteRequest()))
	require.True(t, restored.Check(Agent("zeta").ReadRequest()))
	require.False(t, restored.Check(Team("acme").OwnerRequest()))

	again, err := restored.Serialize()
	require.NoError(t, err)
	require.Equal(t, serialized, again, "serialized form is stable")
}

func TestSerializedFormHidesIdentifiers(t *testing.T) {
	a := New().Grant(RoleUser, "alice@example.com", LevelRead)

	serialized, err := a.Serialize()
	require.NoError(t, err)
	require.NotContains(t, string(serialized), "alice@example.com")
}

func TestHashIDKeepsWildcard(t *testing.T) {
	require.Equal(t, Wildcard, HashID(Wildcard))
	require.Len(t, HashID("alice"), 16)
	require.NotEqual(t, HashID("alice"), HashID("bob"))
}

func TestEmpty(t *testing.T) {
	require.True(t, New().Empty())
	require.False(t, New().Grant(RoleUser, "a", LevelRead).Empty())
}

func TestGrantIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	roles := gen.OneConstOf(RoleUser, RoleTeam, RoleAgent)
	levels := gen.OneConstOf(LevelRead, LevelWrite, LevelOwner)
	ids := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("granting never revokes an existing permission", prop.ForAll(
		func(r1 Role, id1 string, l1 Level, r2 Role, id2 string, l2 Level) bool {
			a := New().Grant(r1, id1, l1)
			before := a.Check(Candidate{Role: r1, ID: id1}.Request(l1))
			a.Grant(r2, id2, l2)
			return before && a.Check(Candidate{Role: r1, ID: id1}.Request(l1))
		},
		roles, ids, levels, roles, ids, levels,
	))

	properties.TestingRun(t)
}
