// Package secure implements the access-control pipeline every protected
// connector operation passes through: derive the resource id, fetch the
// resource ACL from the connector, check the candidate's level, then dispatch.
//
// Candidate-bound clients (storage.Client, vectordb.Client, ...) call
// Guard.Authorize before invoking the protected method, which yields the same
// invariant as decorator-based interception: no secure method is reachable
// without the check.
package secure

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/cache"
	"github.com/smythos/sre/runtime/fault"
)

// maxACLCacheTTL bounds how long a fetched resource ACL may be reused.
const maxACLCacheTTL = 60 * time.Second

type (
	// ACLSource is implemented by every connector that owns resources. For a
	// resource that does not exist yet, GetResourceACL must return an ACL
	// granting Owner to the candidate so creation is permitted.
	ACLSource interface {
		Name() string
		GetResourceACL(ctx context.Context, resourceID string, candidate acl.Candidate) (*acl.ACL, error)
	}

	// Guard runs the check pipeline. The zero value works without caching;
	// WithCache adds a best-effort ACL cache bounded to 60 seconds.
	Guard struct {
		cache    cache.Connector
		cacheTTL time.Duration
	}
)

// NewGuard returns a guard without ACL caching.
func NewGuard() Guard { return Guard{} }

// WithCache returns a copy of the guard that caches fetched ACLs in the given
// connector. TTLs above 60s are clamped.
func (g Guard) WithCache(c cache.Connector, ttl time.Duration) Guard {
	if ttl <= 0 || ttl > maxACLCacheTTL {
		ttl = maxACLCacheTTL
	}
	g.cache = c
	g.cacheTTL = ttl
	return g
}

// Authorize fetches the resource ACL and verifies the request's candidate at
// the requested level. It returns fault.AccessDenied on failure; the denial
// carries no information about whether the resource exists.
func (g Guard) Authorize(ctx context.Context, src ACLSource, resourceID string, req acl.Request) error {
	if err := ctx.Err(); err != nil {
		return fault.Cancelled(err)
	}
	resourceACL, err := g.resourceACL(ctx, src, resourceID, req.Candidate)
	if err != nil {
		return err
	}
	if !resourceACL.Check(req) {
		log.Debug(ctx, log.KV{K: "msg", V: "access denied"},
			log.KV{K: "connector", V: src.Name()},
			log.KV{K: "candidate", V: req.Candidate.String()},
			log.KV{K: "level", V: string(req.Level)})
		return fault.AccessDenied()
	}
	return nil
}

// Invalidate drops any cached ACL for the resource. Mutating operations call
// this after changing a resource's ACL.
func (g Guard) Invalidate(ctx context.Context, src ACLSource, resourceID string, candidate acl.Candidate) {
	if g.cache == nil {
		return
	}
	_ = g.cache.Delete(ctx, aclCacheKey(src.Name(), resourceID, candidate))
}

func (g Guard) resourceACL(ctx context.Context, src ACLSource, resourceID string, candidate acl.Candidate) (*acl.ACL, error) {
	if g.cache != nil {
		if raw, ok, err := g.cache.Get(ctx, aclCacheKey(src.Name(), resourceID, candidate)); err == nil && ok {
			if cached, err := acl.From([]byte(raw)); err == nil {
				return cached, nil
			}
		}
	}
	resourceACL, err := src.GetResourceACL(ctx, resourceID, candidate)
	if err != nil {
		if fault.KindOf(err) != fault.KindUnknown {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindBackendFailure, src.Name(), err, "fetch resource acl")
	}
	if resourceACL == nil {
		resourceACL = acl.New()
	}
	if g.cache != nil {
		if raw, err := resourceACL.Serialize(); err == nil {
			_ = g.cache.Set(ctx, aclCacheKey(src.Name(), resourceID, candidate), string(raw), g.cacheTTL)
		}
	}
	return resourceACL, nil
}

func aclCacheKey(connector, resourceID string, candidate acl.Candidate) string {
	return "acl:" + connector + ":" + resourceID + ":" + acl.HashID(candidate.String())
}
