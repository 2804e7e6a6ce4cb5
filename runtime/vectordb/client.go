package vectordb

import (
	"context"
	"sort"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/secure"
)

// Client is the candidate-bound vector database view. It derives the prepared
// namespace name from the candidate, authorizes each call through the guard,
// then dispatches to the protected connector method.
type Client struct {
	conn      Connector
	guard     secure.Guard
	candidate acl.Candidate
}

// For returns a vector database client bound to the candidate.
func For(conn Connector, guard secure.Guard, candidate acl.Candidate) *Client {
	return &Client{conn: conn, guard: guard, candidate: candidate}
}

// Candidate returns the identity the client acts as.
func (c *Client) Candidate() acl.Candidate { return c.candidate }

// CreateNamespace records the namespace under the candidate's prepared name.
// Idempotent.
func (c *Client) CreateNamespace(ctx context.Context, namespace string, metadata map[string]any) (Namespace, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return Namespace{}, err
	}
	ns := Namespace{
		PreparedName:  prepared,
		DisplayName:   namespace,
		CandidateID:   c.candidate.ID,
		CandidateRole: c.candidate.Role,
		Metadata:      metadata,
		StorageType:   c.conn.Name(),
	}
	return c.conn.CreateNamespace(ctx, req, ns)
}

// NamespaceExists reports whether the candidate's namespace is present.
func (c *Client) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return false, err
	}
	var ok bool
	err := fault.Retry(ctx, fault.DefaultRetry(), func(ctx context.Context) error {
		var err error
		ok, err = c.conn.NamespaceExists(ctx, req, prepared)
		return err
	})
	return ok, err
}

// GetNamespace returns the candidate's namespace record.
func (c *Client) GetNamespace(ctx context.Context, namespace string) (Namespace, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return Namespace{}, err
	}
	return c.conn.GetNamespace(ctx, req, prepared)
}

// DeleteNamespace removes the namespace, its vectors, datasources and ACL.
func (c *Client) DeleteNamespace(ctx context.Context, namespace string) error {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return err
	}
	if err := c.conn.DeleteNamespace(ctx, req, prepared); err != nil {
		return err
	}
	c.guard.Invalidate(ctx, c.conn, prepared, c.candidate)
	return nil
}

// Insert adds sources to the namespace and returns the assigned vector ids.
// All sources of one call must share the same form (text or vector).
func (c *Client) Insert(ctx context.Context, namespace string, sources ...Source) ([]string, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return nil, err
	}
	if err := validateSources(sources); err != nil {
		return nil, err
	}
	return c.conn.Insert(ctx, req, prepared, sources)
}

// Delete removes vectors by id set or by owning datasource.
func (c *Client) Delete(ctx context.Context, namespace string, del Deletion) error {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return err
	}
	return c.conn.Delete(ctx, req, prepared, del)
}

// Search returns matches for the query sorted by descending score, ties in
// insertion order. The ordering holds for every backend: the stable re-sort
// here keeps the connector's tie order while fixing any score misordering.
func (c *Client) Search(ctx context.Context, namespace string, q Query, opts SearchOptions) ([]Match, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return nil, err
	}
	var matches []Match
	err := fault.Retry(ctx, fault.DefaultRetry(), func(ctx context.Context) error {
		var err error
		matches, err = c.conn.Search(ctx, req, prepared, q, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// CreateDatasource chunks, embeds and inserts the document, returning its
// descriptor.
func (c *Client) CreateDatasource(ctx context.Context, namespace string, spec DatasourceSpec) (Datasource, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return Datasource{}, err
	}
	return c.conn.CreateDatasource(ctx, req, prepared, spec)
}

// GetDatasource returns the descriptor or nil when absent.
func (c *Client) GetDatasource(ctx context.Context, namespace, id string) (*Datasource, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return nil, err
	}
	return c.conn.GetDatasource(ctx, req, prepared, id)
}

// DeleteDatasource removes the descriptor and every owned vector.
func (c *Client) DeleteDatasource(ctx context.Context, namespace, id string) error {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return err
	}
	return c.conn.DeleteDatasource(ctx, req, prepared, id)
}

// ListDatasources returns the namespace's descriptors; an absent namespace
// yields an empty list.
func (c *Client) ListDatasources(ctx context.Context, namespace string) ([]Datasource, error) {
	prepared := PreparedName(c.candidate, namespace)
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, prepared, req); err != nil {
		return nil, err
	}
	return c.conn.ListDatasources(ctx, req, prepared)
}

func validateSources(sources []Source) error {
	if len(sources) == 0 {
		return fault.New(fault.KindInvalidArgument, "at least one source is required")
	}
	text := sources[0].Vector == nil
	for _, s := range sources {
		if (s.Vector == nil) != text {
			return fault.New(fault.KindInvalidArgument, "heterogeneous sources: all sources of one insert must be text or all vectors")
		}
		if s.Vector == nil && s.Text == "" {
			return fault.New(fault.KindInvalidArgument, "source requires text or vector")
		}
	}
	return nil
}
