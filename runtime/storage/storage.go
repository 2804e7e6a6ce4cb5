// Package storage defines the byte-addressable store contract shared by every
// storage backend, plus the candidate-bound client that performs the ACL check
// before each protected operation.
//
// Connectors persist the ACL and user metadata of an object as sidecar records
// keyed deterministically from the primary path (ACLKey, MetadataKey) so
// cross-connector semantics stay uniform.
package storage

import (
	"context"
	"time"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/secure"
)

// ContentTypeKey is the metadata entry holding the object's MIME type.
const ContentTypeKey = "content-type"

type (
	// Metadata carries user-defined object metadata. The content type is
	// stored under ContentTypeKey.
	Metadata map[string]string

	// Connector is the storage backend contract. Protected methods assume the
	// ACL check already passed; the resource id of an object is its path.
	Connector interface {
		connector.Connector
		secure.ACLSource

		// Read returns the object bytes. Missing objects yield KindNotFound.
		Read(ctx context.Context, req acl.Request, path string) ([]byte, error)
		// Write stores the object. A nil objACL grants Owner to the writer.
		Write(ctx context.Context, req acl.Request, path string, data []byte, objACL *acl.ACL, md Metadata) error
		// Delete removes the object and its sidecars. Deleting an absent
		// object is not an error.
		Delete(ctx context.Context, req acl.Request, path string) error
		// Exists reports whether the object is present.
		Exists(ctx context.Context, req acl.Request, path string) (bool, error)
		// GetMetadata returns the object's metadata sidecar.
		GetMetadata(ctx context.Context, req acl.Request, path string) (Metadata, error)
		// SetMetadata replaces the object's metadata sidecar.
		SetMetadata(ctx context.Context, req acl.Request, path string, md Metadata) error
		// GetACL returns the object's ACL sidecar.
		GetACL(ctx context.Context, req acl.Request, path string) (*acl.ACL, error)
		// SetACL replaces the object's ACL sidecar.
		SetACL(ctx context.Context, req acl.Request, path string, objACL *acl.ACL) error
		// Expire schedules the object for deletion after ttl. Backends without
		// native expiry may return KindUnsupported.
		Expire(ctx context.Context, req acl.Request, path string, ttl time.Duration) error
	}

	// Client is the candidate-bound storage view. Every method derives the
	// access level from the operation (read, write, or owner for ACL
	// mutations), authorizes through the guard, then dispatches.
	Client struct {
		conn      Connector
		guard     secure.Guard
		candidate acl.Candidate
	}
)

// ACLKey returns the sidecar key holding the ACL of path.
func ACLKey(path string) string { return path + "#acl" }

// MetadataKey returns the sidecar key holding the metadata of path.
func MetadataKey(path string) string { return path + "#meta" }

// IsSidecar reports whether the key addresses an ACL or metadata sidecar.
func IsSidecar(key string) bool {
	n := len(key)
	return (n > 4 && key[n-4:] == "#acl") || (n > 5 && key[n-5:] == "#meta")
}

// ContentType returns the MIME type recorded in the metadata, if any.
func (m Metadata) ContentType() string { return m[ContentTypeKey] }

// For returns a storage client bound to the candidate.
func For(conn Connector, guard secure.Guard, candidate acl.Candidate) *Client {
	return &Client{conn: conn, guard: guard, candidate: candidate}
}

// Candidate returns the identity the client acts as.
func (c *Client) Candidate() acl.Candidate { return c.candidate }

// Read returns the object bytes at path.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return nil, err
	}
	var data []byte
	err := fault.Retry(ctx, fault.DefaultRetry(), func(ctx context.Context) error {
		var err error
		data, err = c.conn.Read(ctx, req, path)
		return err
	})
	return data, err
}

// Write stores data at path. Options set the object ACL, metadata, and TTL.
func (c *Client) Write(ctx context.Context, path string, data []byte, opts ...WriteOption) error {
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return err
	}
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}
	if err := c.conn.Write(ctx, req, path, data, wo.acl, wo.metadata); err != nil {
		return err
	}
	c.guard.Invalidate(ctx, c.conn, path, c.candidate)
	if wo.ttl > 0 {
		return c.conn.Expire(ctx, req, path, wo.ttl)
	}
	return nil
}

// Delete removes the object at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return err
	}
	if err := c.conn.Delete(ctx, req, path); err != nil {
		return err
	}
	c.guard.Invalidate(ctx, c.conn, path, c.candidate)
	return nil
}

// Exists reports whether an object is present at path.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return false, err
	}
	var ok bool
	err := fault.Retry(ctx, fault.DefaultRetry(), func(ctx context.Context) error {
		var err error
		ok, err = c.conn.Exists(ctx, req, path)
		return err
	})
	return ok, err
}

// GetMetadata returns the metadata sidecar of path.
func (c *Client) GetMetadata(ctx context.Context, path string) (Metadata, error) {
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return nil, err
	}
	return c.conn.GetMetadata(ctx, req, path)
}

// SetMetadata replaces the metadata sidecar of path.
func (c *Client) SetMetadata(ctx context.Context, path string, md Metadata) error {
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return err
	}
	return c.conn.SetMetadata(ctx, req, path, md)
}

// GetACL returns the ACL sidecar of path.
func (c *Client) GetACL(ctx context.Context, path string) (*acl.ACL, error) {
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return nil, err
	}
	return c.conn.GetACL(ctx, req, path)
}

// SetACL replaces the ACL sidecar of path. Requires Owner level.
func (c *Client) SetACL(ctx context.Context, path string, objACL *acl.ACL) error {
	req := c.candidate.OwnerRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return err
	}
	if err := c.conn.SetACL(ctx, req, path, objACL); err != nil {
		return err
	}
	c.guard.Invalidate(ctx, c.conn, path, c.candidate)
	return nil
}

// Expire schedules the object for deletion after ttl.
func (c *Client) Expire(ctx context.Context, path string, ttl time.Duration) error {
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, path, req); err != nil {
		return err
	}
	return c.conn.Expire(ctx, req, path, ttl)
}

type (
	writeOptions struct {
		acl      *acl.ACL
		metadata Metadata
		ttl      time.Duration
	}

	// WriteOption customizes a Client.Write call.
	WriteOption func(*writeOptions)
)

// WithACL sets the object ACL written alongside the data.
func WithACL(a *acl.ACL) WriteOption { return func(o *writeOptions) { o.acl = a } }

// WithMetadata sets the object metadata written alongside the data.
func WithMetadata(md Metadata) WriteOption { return func(o *writeOptions) { o.metadata = md } }

// WithContentType records the MIME type in the object metadata.
func WithContentType(ct string) WriteOption {
	return func(o *writeOptions) {
		if o.metadata == nil {
			o.metadata = Metadata{}
		}
		o.metadata[ContentTypeKey] = ct
	}
}

// WithTTL schedules the object for deletion after ttl.
func WithTTL(ttl time.Duration) WriteOption { return func(o *writeOptions) { o.ttl = ttl } }
