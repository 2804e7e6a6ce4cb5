// Package ram provides the in-process vector store connector: cosine
// similarity over dense vectors held in memory, with datasource chunking
// delegated to the configured embedder. Intended for tests and single-node
// deployments.
package ram

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/vectordb"
)

// ConnectorName is the registry name of the RAM vector store connector.
const ConnectorName = "RAMVec"

type (
	vector struct {
		id           string
		values       []float64
		text         string
		metadata     map[string]any
		datasourceID string
		// seq is the namespace-wide insertion ordinal, the tie-breaker for
		// equal-score search results.
		seq uint64
	}

	namespace struct {
		mu          sync.RWMutex
		record      vectordb.Namespace
		acl         *acl.ACL
		vectors     map[string]*vector
		datasources map[string]vectordb.Datasource
		nextSeq     uint64
	}

	// Store is the in-memory vector store connector.
	Store struct {
		embedder vectordb.Embedder

		mu         sync.RWMutex
		namespaces map[string]*namespace
	}
)

var _ vectordb.Connector = (*Store)(nil)

// New builds the connector around the given embedder.
func New(embedder vectordb.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fault.New(fault.KindConfiguration, "embedder is required")
	}
	return &Store{embedder: embedder, namespaces: make(map[string]*namespace)}, nil
}

// FactoryWith returns a registry factory bound to the given embedder. The
// embedder is runtime state, not a serializable setting, so it is captured at
// wiring time.
func FactoryWith(embedder vectordb.Embedder) connector.Factory {
	return func(map[string]any) (connector.Connector, error) {
		return New(embedder)
	}
}

// Name implements connector.Connector.
func (s *Store) Name() string { return ConnectorName }

// Start implements connector.Connector.
func (s *Store) Start(context.Context) error { return nil }

// Stop implements connector.Connector.
func (s *Store) Stop(context.Context) error { return nil }

// GetResourceACL returns the namespace ACL; namespaces that do not exist yet
// grant Owner to the candidate so creation is permitted.
func (s *Store) GetResourceACL(_ context.Context, resourceID string, candidate acl.Candidate) (*acl.ACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ns, ok := s.namespaces[resourceID]; ok && ns.acl != nil {
		return ns.acl, nil
	}
	return acl.New().GrantCandidate(candidate, acl.LevelOwner), nil
}

// CreateNamespace records the namespace, owned by the request's candidate.
// Creating an existing namespace returns the stored record unchanged.
func (s *Store) CreateNamespace(_ context.Context, req acl.Request, ns vectordb.Namespace) (vectordb.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.namespaces[ns.PreparedName]; ok {
		return existing.record, nil
	}
	ns.StorageType = ConnectorName
	s.namespaces[ns.PreparedName] = &namespace{
		record:      ns,
		acl:         acl.New().GrantCandidate(req.Candidate, acl.LevelOwner),
		vectors:     make(map[string]*vector),
		datasources: make(map[string]vectordb.Datasource),
	}
	return ns, nil
}

// NamespaceExists reports whether the prepared namespace is present.
func (s *Store) NamespaceExists(_ context.Context, _ acl.Request, prepared string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.namespaces[prepared]
	return ok, nil
}

// GetNamespace returns the namespace record.
func (s *Store) GetNamespace(_ context.Context, _ acl.Request, prepared string) (vectordb.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[prepared]
	if !ok {
		return vectordb.Namespace{}, fault.New(fault.KindNotFound, "namespace %s not found", prepared)
	}
	return ns.record, nil
}

// DeleteNamespace removes the namespace with every vector and datasource.
// Deleting an absent namespace is not an error.
func (s *Store) DeleteNamespace(_ context.Context, _ acl.Request, prepared string) error {
	s.mu.Lock()
	delete(s.namespaces, prepared)
	s.mu.Unlock()
	return nil
}

// Insert adds the sources and returns the assigned vector ids in input order.
// Text sources are embedded in one batch; duplicate ids overwrite.
func (s *Store) Insert(ctx context.Context, _ acl.Request, prepared string, sources []vectordb.Source) ([]string, error) {
	ns, err := s.namespace(prepared)
	if err != nil {
		return nil, err
	}
	vectors, err := s.materialize(ctx, sources, "")
	if err != nil {
		return nil, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		ns.store(v)
		ids[i] = v.id
	}
	return ids, nil
}

// Delete removes vectors by explicit id set or by owning datasource.
func (s *Store) Delete(_ context.Context, _ acl.Request, prepared string, del vectordb.Deletion) error {
	ns, err := s.namespace(prepared)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, id := range del.IDs {
		delete(ns.vectors, id)
	}
	if del.DatasourceID != "" {
		for id, v := range ns.vectors {
			if v.datasourceID == del.DatasourceID {
				delete(ns.vectors, id)
			}
		}
	}
	return nil
}

// Search returns matches sorted by descending score, ties in insertion
// order. Text queries are embedded with the connector's embedder.
func (s *Store) Search(ctx context.Context, _ acl.Request, prepared string, q vectordb.Query, opts vectordb.SearchOptions) ([]vectordb.Match, error) {
	ns, err := s.namespace(prepared)
	if err != nil {
		return nil, err
	}
	query := q.Vector
	if query == nil {
		if q.Text == "" {
			return nil, fault.New(fault.KindInvalidArgument, "query requires text or a vector")
		}
		embedded, err := s.embedder.Embed(ctx, []string{q.Text})
		if err != nil {
			return nil, err
		}
		query = embedded[0]
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = vectordb.DefaultTopK
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	type hit struct {
		match vectordb.Match
		seq   uint64
	}
	hits := make([]hit, 0, len(ns.vectors))
	for _, v := range ns.vectors {
		if !matchesFilter(v.metadata, opts.Filter) {
			continue
		}
		score := cosine(query, v.values)
		if opts.Threshold != nil && score < *opts.Threshold {
			continue
		}
		m := vectordb.Match{ID: v.id, Score: score, Values: v.values, Text: v.text}
		if opts.IncludeMetadata {
			m.Metadata = cloneMeta(v.metadata)
		}
		hits = append(hits, hit{match: m, seq: v.seq})
	}
	// Equal scores keep insertion order regardless of map iteration order.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].match.Score != hits[j].match.Score {
			return hits[i].match.Score > hits[j].match.Score
		}
		return hits[i].seq < hits[j].seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	matches := make([]vectordb.Match, len(hits))
	for i, h := range hits {
		matches[i] = h.match
	}
	return matches, nil
}

// CreateDatasource chunks and embeds the document, inserts one vector per
// chunk and stores the descriptor. Chunk vector ids are "<dsId>_<uuid>" and
// chunk metadata records the datasource linkage with the caller's metadata
// nested under "userMetadata".
func (s *Store) CreateDatasource(ctx context.Context, req acl.Request, prepared string, spec vectordb.DatasourceSpec) (vectordb.Datasource, error) {
	ns, err := s.namespace(prepared)
	if err != nil {
		return vectordb.Datasource{}, err
	}
	chunks, err := vectordb.Chunk(spec.Text, spec.ChunkSize, spec.ChunkOverlap)
	if err != nil {
		return vectordb.Datasource{}, err
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	var aclJSON string
	if ns.acl != nil {
		if raw, err := ns.acl.Serialize(); err == nil {
			aclJSON = string(raw)
		}
	}
	sources := make([]vectordb.Source, len(chunks))
	for i, chunk := range chunks {
		sources[i] = vectordb.Source{
			ID:   id + "_" + uuid.NewString(),
			Text: chunk,
			Metadata: map[string]any{
				"acl":             aclJSON,
				"namespaceId":     prepared,
				"datasourceId":    id,
				"datasourceLabel": spec.Label,
				"userMetadata":    cloneMeta(spec.Metadata),
			},
		}
	}
	vectors, err := s.materialize(ctx, sources, id)
	if err != nil {
		return vectordb.Datasource{}, err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ds := vectordb.Datasource{
		ID:        id,
		Label:     spec.Label,
		Text:      spec.Text,
		VectorIDs: make([]string, len(vectors)),
		Metadata:  cloneMeta(spec.Metadata),
	}
	for i, v := range vectors {
		ns.store(v)
		ds.VectorIDs[i] = v.id
	}
	ns.datasources[id] = ds
	return ds, nil
}

// GetDatasource returns the descriptor, or nil when the datasource or the
// namespace is absent.
func (s *Store) GetDatasource(_ context.Context, _ acl.Request, prepared, id string) (*vectordb.Datasource, error) {
	s.mu.RLock()
	ns, ok := s.namespaces[prepared]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	ds, ok := ns.datasources[id]
	if !ok {
		return nil, nil
	}
	return &ds, nil
}

// DeleteDatasource removes the descriptor and every vector it owns.
func (s *Store) DeleteDatasource(_ context.Context, _ acl.Request, prepared, id string) error {
	ns, err := s.namespace(prepared)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ds, ok := ns.datasources[id]
	if !ok {
		return fault.New(fault.KindNotFound, "datasource %s not found", id)
	}
	for _, vid := range ds.VectorIDs {
		delete(ns.vectors, vid)
	}
	delete(ns.datasources, id)
	return nil
}

// ListDatasources returns the namespace's descriptors sorted by id; a missing
// namespace yields an empty list.
func (s *Store) ListDatasources(_ context.Context, _ acl.Request, prepared string) ([]vectordb.Datasource, error) {
	s.mu.RLock()
	ns, ok := s.namespaces[prepared]
	s.mu.RUnlock()
	if !ok {
		return []vectordb.Datasource{}, nil
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]vectordb.Datasource, 0, len(ns.datasources))
	for _, ds := range ns.datasources {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// store records the vector under its id; callers hold the write lock.
// Overwritten vectors keep their original insertion ordinal.
func (ns *namespace) store(v *vector) {
	if old, ok := ns.vectors[v.id]; ok {
		v.seq = old.seq
	} else {
		ns.nextSeq++
		v.seq = ns.nextSeq
	}
	ns.vectors[v.id] = v
}

func (s *Store) namespace(prepared string) (*namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[prepared]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "namespace %s not found", prepared)
	}
	return ns, nil
}

// materialize turns sources into stored vectors, embedding all text sources
// in a single batch.
func (s *Store) materialize(ctx context.Context, sources []vectordb.Source, datasourceID string) ([]*vector, error) {
	var texts []string
	for _, src := range sources {
		if src.Vector == nil {
			texts = append(texts, src.Text)
		}
	}
	var embedded [][]float64
	if len(texts) > 0 {
		var err error
		embedded, err = s.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
	}
	vectors := make([]*vector, len(sources))
	next := 0
	for i, src := range sources {
		values := src.Vector
		if values == nil {
			values = embedded[next]
			next++
		}
		id := src.ID
		if id == "" {
			id = uuid.NewString()
		}
		vectors[i] = &vector{
			id:           id,
			values:       values,
			text:         src.Text,
			metadata:     cloneMeta(src.Metadata),
			datasourceID: datasourceID,
		}
	}
	return vectors, nil
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cloneMeta(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
