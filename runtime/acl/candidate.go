// Package acl models the identity and access-control primitives shared by all
// connectors: the AccessCandidate (who is asking), the AccessRequest (what
// level they need), and the per-resource ACL grant table. Candidate ids are
// stored hashed (xxh3) inside serialized ACLs so persisted grants never reveal
// the original identifiers.
package acl

type (
	// Role identifies the class of principal driving a request.
	Role string

	// Level is the access level required or granted for an operation.
	Level string

	// Candidate is the immutable identity pair created at the entry of a
	// request. All candidate-bound clients carry one and derive access
	// requests from it.
	Candidate struct {
		Role Role
		ID   string
	}

	// Request pairs a candidate with the level an operation requires. It is
	// the first argument of every protected connector method.
	Request struct {
		Candidate Candidate
		Level     Level
	}
)

const (
	// RoleUser identifies an end user principal.
	RoleUser Role = "user"
	// RoleTeam identifies a team-wide principal shared by its agents.
	RoleTeam Role = "team"
	// RoleAgent identifies a single agent instance.
	RoleAgent Role = "agent"
)

const (
	// LevelRead grants read-only operations.
	LevelRead Level = "read"
	// LevelWrite grants mutating operations. Write does not imply Read.
	LevelWrite Level = "write"
	// LevelOwner grants ACL mutations and implies Read and Write.
	LevelOwner Level = "owner"
)

// User returns a user candidate for the given id.
func User(id string) Candidate { return Candidate{Role: RoleUser, ID: id} }

// Team returns a team candidate for the given id.
func Team(id string) Candidate { return Candidate{Role: RoleTeam, ID: id} }

// Agent returns an agent candidate for the given id.
func Agent(id string) Candidate { return Candidate{Role: RoleAgent, ID: id} }

// Initial returns the single-character prefix used when deriving per-candidate
// resource names (e.g. VectorDB prepared namespaces).
func (r Role) Initial() string {
	if r == "" {
		return "?"
	}
	return string(r[:1])
}

// Valid reports whether the role is one of the known principal classes.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleTeam, RoleAgent:
		return true
	}
	return false
}

// ReadRequest derives a read-level access request from the candidate.
func (c Candidate) ReadRequest() Request { return Request{Candidate: c, Level: LevelRead} }

// WriteRequest derives a write-level access request from the candidate.
func (c Candidate) WriteRequest() Request { return Request{Candidate: c, Level: LevelWrite} }

// OwnerRequest derives an owner-level access request from the candidate.
func (c Candidate) OwnerRequest() Request { return Request{Candidate: c, Level: LevelOwner} }

// Request derives an access request at an arbitrary level.
func (c Candidate) Request(level Level) Request { return Request{Candidate: c, Level: level} }

// String renders the candidate as "<role>:<id>" for logging and cache keys.
func (c Candidate) String() string { return string(c.Role) + ":" + c.ID }
