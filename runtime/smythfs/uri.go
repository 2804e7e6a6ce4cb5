// Package smythfs layers a virtual filesystem over the storage subsystem. It
// parses smythfs:// URIs, routes reads and writes through candidate-bound
// storage clients, and issues short-lived temp URLs and agent-scoped resource
// URLs served by the bundled HTTP handler.
package smythfs

import (
	"strings"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/fault"
)

// Scheme is the smythfs URI scheme.
const Scheme = "smythfs"

// URI addresses an object: smythfs://<owner>.<role>/<path> where role is
// "team" or "agent" and owner is the team or agent id. The first path segment
// is the top-level container; the rest is the object path.
type URI struct {
	Owner string
	Role  acl.Role
	Path  string
}

// ParseURI parses and validates a smythfs URI.
func ParseURI(raw string) (URI, error) {
	const prefix = Scheme + "://"
	if !strings.HasPrefix(raw, prefix) {
		return URI{}, fault.New(fault.KindInvalidArgument, "invalid smythfs uri %q: missing %s prefix", raw, prefix)
	}
	rest := raw[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return URI{}, fault.New(fault.KindInvalidArgument, "invalid smythfs uri %q: missing path", raw)
	}
	authority, path := rest[:slash], rest[slash+1:]
	dot := strings.LastIndexByte(authority, '.')
	if dot <= 0 || dot == len(authority)-1 {
		return URI{}, fault.New(fault.KindInvalidArgument, "invalid smythfs uri %q: authority must be <owner>.<role>", raw)
	}
	owner, role := authority[:dot], acl.Role(authority[dot+1:])
	if role != acl.RoleTeam && role != acl.RoleAgent {
		return URI{}, fault.New(fault.KindInvalidArgument, "invalid smythfs uri %q: role must be team or agent", raw)
	}
	if strings.Contains(path, "..") {
		return URI{}, fault.New(fault.KindInvalidArgument, "invalid smythfs uri %q: path must not contain ..", raw)
	}
	return URI{Owner: owner, Role: role, Path: strings.Trim(path, "/")}, nil
}

// String renders the canonical URI form.
func (u URI) String() string {
	return Scheme + "://" + u.Owner + "." + string(u.Role) + "/" + u.Path
}

// StorageKey maps the URI onto the flat storage namespace. Team and agent
// objects live under disjoint roots so the two roles can never collide.
func (u URI) StorageKey() string {
	return string(u.Role) + "s/" + u.Owner + "/" + u.Path
}

// Container returns the top-level container (the first path segment).
func (u URI) Container() string {
	if i := strings.IndexByte(u.Path, '/'); i > 0 {
		return u.Path[:i]
	}
	return u.Path
}
