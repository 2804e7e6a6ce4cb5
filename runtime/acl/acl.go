package acl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Wildcard grants a level to every id of a role when used as the grant id.
const Wildcard = "*"

// HashAlgorithm tags the id hashing scheme recorded in serialized ACLs.
const HashAlgorithm = "xxh3"

type (
	// ACL is the per-resource grant table mapping role and (hashed) id to a
	// set of levels. An empty ACL denies everything; granting Owner to any
	// entry is what brings a resource into existence from the access-control
	// point of view.
	ACL struct {
		entries map[Role]map[string]levelSet
	}

	levelSet struct {
		read  bool
		write bool
		owner bool
	}

	serializedACL struct {
		Hash    string                     `json:"hash"`
		Entries map[Role]map[string]string `json:"entries"`
	}
)

// New returns an empty ACL that denies all requests.
func New() *ACL {
	return &ACL{entries: make(map[Role]map[string]levelSet)}
}

// HashID returns the opaque form of a candidate id as stored in ACL entries.
// The wildcard id is kept literal so serialized ACLs remain inspectable.
func HashID(id string) string {
	if id == Wildcard {
		return Wildcard
	}
	return fmt.Sprintf("%016x", xxh3.HashString(id))
}

// Grant adds an entry for (role, id) at the given level and returns the ACL
// for chaining. Owner implies Read and Write. The id is hashed before storage.
func (a *ACL) Grant(role Role, id string, level Level) *ACL {
	if a.entries == nil {
		a.entries = make(map[Role]map[string]levelSet)
	}
	byID, ok := a.entries[role]
	if !ok {
		byID = make(map[string]levelSet)
		a.entries[role] = byID
	}
	key := HashID(id)
	set := byID[key]
	switch level {
	case LevelRead:
		set.read = true
	case LevelWrite:
		set.write = true
	case LevelOwner:
		set.owner = true
		set.read = true
		set.write = true
	}
	byID[key] = set
	return a
}

// GrantCandidate adds an entry for the candidate at the given level.
func (a *ACL) GrantCandidate(c Candidate, level Level) *ACL {
	return a.Grant(c.Role, c.ID, level)
}

// Check reports whether the request's candidate holds at least the requested
// level, via an exact entry or the role wildcard.
func (a *ACL) Check(req Request) bool {
	if a == nil || len(a.entries) == 0 {
		return false
	}
	byID, ok := a.entries[req.Candidate.Role]
	if !ok {
		return false
	}
	if set, ok := byID[HashID(req.Candidate.ID)]; ok && set.grants(req.Level) {
		return true
	}
	if set, ok := byID[Wildcard]; ok && set.grants(req.Level) {
		return true
	}
	return false
}

// Empty reports whether the ACL carries no grants at all.
func (a *ACL) Empty() bool {
	if a == nil {
		return true
	}
	for _, byID := range a.entries {
		if len(byID) > 0 {
			return false
		}
	}
	return true
}

func (s levelSet) grants(level Level) bool {
	switch level {
	case LevelRead:
		return s.read
	case LevelWrite:
		return s.write
	case LevelOwner:
		return s.owner
	}
	return false
}

// flags renders the set as a stable "rwo" subset string.
func (s levelSet) flags() string {
	var b strings.Builder
	if s.read {
		b.WriteByte('r')
	}
	if s.write {
		b.WriteByte('w')
	}
	if s.owner {
		b.WriteByte('o')
	}
	return b.String()
}

func levelSetFromFlags(flags string) levelSet {
	var s levelSet
	for _, c := range flags {
		switch c {
		case 'r':
			s.read = true
		case 'w':
			s.write = true
		case 'o':
			s.owner = true
			s.read = true
			s.write = true
		}
	}
	return s
}

// Serialize renders the ACL in its stable wire form. Map keys are emitted in
// sorted order by encoding/json, so deserialize→serialize cycles are
// byte-identical.
func (a *ACL) Serialize() ([]byte, error) {
	out := serializedACL{Hash: HashAlgorithm, Entries: make(map[Role]map[string]string, len(a.entries))}
	for role, byID := range a.entries {
		m := make(map[string]string, len(byID))
		for id, set := range byID {
			m[id] = set.flags()
		}
		out.Entries[role] = m
	}
	return json.Marshal(out)
}

// From reconstructs an ACL from its serialized form.
func From(data []byte) (*ACL, error) {
	var in serializedACL
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode acl: %w", err)
	}
	if in.Hash != "" && in.Hash != HashAlgorithm {
		return nil, fmt.Errorf("unsupported acl hash algorithm %q", in.Hash)
	}
	a := New()
	for role, byID := range in.Entries {
		m := make(map[string]levelSet, len(byID))
		for id, flags := range byID {
			m[id] = levelSetFromFlags(flags)
		}
		a.entries[role] = m
	}
	return a, nil
}
