// Package vectordb defines the vector database contract: per-candidate
// namespaces, datasources chunked into embedded vectors, and cosine-similarity
// search. Isolation across backends rests on a single primitive: the prepared
// namespace name derived from the candidate, so two candidates using the same
// user-visible name can never observe each other.
package vectordb

import (
	"context"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/secure"
)

type (
	// Namespace records a logical collection owned by a candidate.
	Namespace struct {
		// PreparedName is the backend-side name: "<role-initial>_<id>_<name>".
		PreparedName string `json:"preparedName"`
		// DisplayName is the user-visible namespace name.
		DisplayName string `json:"displayName"`
		// CandidateID identifies the owning candidate.
		CandidateID string `json:"candidateId"`
		// CandidateRole is the owning candidate's role.
		CandidateRole acl.Role `json:"candidateRole"`
		// Metadata carries caller-provided namespace metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
		// StorageType names the backend that holds the namespace.
		StorageType string `json:"storageType"`
	}

	// Source is a single insert item: text to be embedded, or a raw vector.
	// Exactly one of Text and Vector must be set; all sources of one Insert
	// call must use the same form.
	Source struct {
		ID       string
		Text     string
		Vector   []float64
		Metadata map[string]any
	}

	// Query is a search input: text to be embedded, or a raw vector.
	Query struct {
		Text   string
		Vector []float64
	}

	// SearchOptions tune a similarity search.
	SearchOptions struct {
		// TopK caps the result size. Zero means the default of 10.
		TopK int
		// IncludeMetadata attaches vector metadata to matches. When false the
		// Metadata field of every match is nil.
		IncludeMetadata bool
		// Threshold drops matches scoring below the value when set.
		Threshold *float64
		// Filter restricts matches to vectors whose metadata contains every
		// given key/value pair.
		Filter map[string]any
	}

	// Match is a single search result, sorted by descending score.
	Match struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Values   []float64      `json:"values"`
		Text     string         `json:"text,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Datasource describes a chunked document inserted as a group of vectors.
	Datasource struct {
		ID        string         `json:"id"`
		Label     string         `json:"label,omitempty"`
		Text      string         `json:"text"`
		VectorIDs []string       `json:"vectorIds"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}

	// DatasourceSpec is the input of CreateDatasource.
	DatasourceSpec struct {
		ID           string
		Label        string
		Text         string
		ChunkSize    int
		ChunkOverlap int
		Metadata     map[string]any
	}

	// Deletion selects vectors to remove: an explicit id set, or every vector
	// owned by a datasource.
	Deletion struct {
		IDs          []string
		DatasourceID string
	}

	// Embedder turns text into vectors. VectorDB connectors are constructed
	// with one and use it for text sources and text queries.
	Embedder interface {
		Embed(ctx context.Context, texts []string) ([][]float64, error)
	}

	// Connector is the vector store backend contract. Protected methods assume
	// the ACL check already passed and receive prepared namespace names.
	Connector interface {
		connector.Connector
		secure.ACLSource

		// CreateNamespace records the namespace; idempotent.
		CreateNamespace(ctx context.Context, req acl.Request, ns Namespace) (Namespace, error)
		// NamespaceExists reports whether the prepared namespace is present.
		NamespaceExists(ctx context.Context, req acl.Request, prepared string) (bool, error)
		// GetNamespace returns the namespace record; missing namespaces yield
		// KindNotFound.
		GetNamespace(ctx context.Context, req acl.Request, prepared string) (Namespace, error)
		// DeleteNamespace removes the namespace with all vectors, datasources
		// and its ACL.
		DeleteNamespace(ctx context.Context, req acl.Request, prepared string) error
		// Insert adds the sources and returns the assigned vector ids.
		// Duplicate ids overwrite.
		Insert(ctx context.Context, req acl.Request, prepared string, sources []Source) ([]string, error)
		// Delete removes vectors by id set or datasource filter.
		Delete(ctx context.Context, req acl.Request, prepared string, del Deletion) error
		// Search returns matches sorted by descending score; equal scores
		// follow insertion order.
		Search(ctx context.Context, req acl.Request, prepared string, q Query, opts SearchOptions) ([]Match, error)
		// CreateDatasource chunks, embeds and inserts the document, then
		// stores and returns its descriptor.
		CreateDatasource(ctx context.Context, req acl.Request, prepared string, spec DatasourceSpec) (Datasource, error)
		// GetDatasource returns the descriptor or nil when absent. Missing ids
		// are not an error.
		GetDatasource(ctx context.Context, req acl.Request, prepared, id string) (*Datasource, error)
		// DeleteDatasource removes the descriptor and every owned vector;
		// missing ids yield KindNotFound.
		DeleteDatasource(ctx context.Context, req acl.Request, prepared, id string) error
		// ListDatasources returns the namespace's descriptors; a missing
		// namespace yields an empty list.
		ListDatasources(ctx context.Context, req acl.Request, prepared string) ([]Datasource, error)
	}
)

// DefaultTopK caps search results when SearchOptions.TopK is zero.
const DefaultTopK = 10

// PreparedName derives the backend-side namespace name for a candidate. The
// construction is the isolation primitive shared by every backend.
func PreparedName(candidate acl.Candidate, namespace string) string {
	return candidate.Role.Initial() + "_" + candidate.ID + "_" + namespace
}
