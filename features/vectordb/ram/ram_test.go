package ram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smythos/sre/features/embedder/bow"
	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/secure"
	"github.com/smythos/sre/runtime/vectordb"
)

func newClient(t *testing.T, candidate acl.Candidate) (*Store, *vectordb.Client) {
	t.Helper()
	store, err := New(bow.New())
	require.NoError(t, err)
	return store, vectordb.For(store, secure.NewGuard(), candidate)
}

func TestCreateNamespaceIdempotent(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()

	ns, err := client.CreateNamespace(ctx, "docs", map[string]any{"lang": "en"})
	require.NoError(t, err)
	require.Equal(t, "a_agent-1_docs", ns.PreparedName)
	require.Equal(t, "docs", ns.DisplayName)
	require.Equal(t, ConnectorName, ns.StorageType)

	again, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)
	require.Equal(t, ns, again)

	ok, err := client.NamespaceExists(ctx, "docs")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetNamespaceMissing(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	_, err := client.GetNamespace(context.Background(), "missing")
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestInsertAndSearchText(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	ids, err := client.Insert(ctx, "docs",
		vectordb.Source{ID: "v1", Text: "aaaa"},
		vectordb.Source{ID: "v2", Text: "zzzz"},
		vectordb.Source{ID: "v3", Text: "aazz"},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2", "v3"}, ids)

	matches, err := client.Search(ctx, "docs", vectordb.Query{Text: "aaa"}, vectordb.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "v1", matches[0].ID, "identical letter distribution scores highest")
	require.InDelta(t, 1.0, matches[0].Score, 1e-9)
	require.Greater(t, matches[0].Score, matches[1].Score)
	require.Greater(t, matches[1].Score, matches[2].Score)
}

func TestSearchTopKAndThreshold(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	_, err = client.Insert(ctx, "docs",
		vectordb.Source{ID: "v1", Text: "aaaa"},
		vectordb.Source{ID: "v2", Text: "aabb"},
		vectordb.Source{ID: "v3", Text: "zzzz"},
	)
	require.NoError(t, err)

	matches, err := client.Search(ctx, "docs", vectordb.Query{Text: "aaaa"}, vectordb.SearchOptions{TopK: 1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "v1", matches[0].ID)

	threshold := 0.5
	matches, err = client.Search(ctx, "docs", vectordb.Query{Text: "aaaa"}, vectordb.SearchOptions{Threshold: &threshold})
	require.NoError(t, err)
	for _, m := range matches {
		require.GreaterOrEqual(t, m.Score, threshold)
		require.NotEqual(t, "v3", m.ID)
	}
}

func TestSearchMetadataAndFilter(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	_, err = client.Insert(ctx, "docs",
		vectordb.Source{ID: "v1", Text: "alpha", Metadata: map[string]any{"lang": "en"}},
		vectordb.Source{ID: "v2", Text: "alpha", Metadata: map[string]any{"lang": "de"}},
	)
	require.NoError(t, err)

	matches, err := client.Search(ctx, "docs", vectordb.Query{Text: "alpha"}, vectordb.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		require.Nil(t, m.Metadata, "metadata withheld unless requested")
	}

	matches, err = client.Search(ctx, "docs", vectordb.Query{Text: "alpha"}, vectordb.SearchOptions{
		IncludeMetadata: true,
		Filter:          map[string]any{"lang": "en"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "v1", matches[0].ID)
	require.Equal(t, map[string]any{"lang": "en"}, matches[0].Metadata)
}

func TestSearchTiesFollowInsertionOrder(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "vecs", nil)
	require.NoError(t, err)

	// Identical vectors score identically, so ordering rests entirely on the
	// tie-break. Repeat the search to rule out map iteration luck.
	ids := []string{"first", "second", "third", "fourth", "fifth"}
	sources := make([]vectordb.Source, len(ids))
	for i, id := range ids {
		sources[i] = vectordb.Source{ID: id, Vector: []float64{1, 1}}
	}
	_, err = client.Insert(ctx, "vecs", sources...)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		matches, err := client.Search(ctx, "vecs", vectordb.Query{Vector: []float64{2, 2}}, vectordb.SearchOptions{})
		require.NoError(t, err)
		got := make([]string, len(matches))
		for j, m := range matches {
			got[j] = m.ID
		}
		require.Equal(t, ids, got, "equal scores keep insertion order")
	}
}

func TestSearchRawVectorQuery(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "vecs", nil)
	require.NoError(t, err)

	_, err = client.Insert(ctx, "vecs",
		vectordb.Source{ID: "x", Vector: []float64{1, 0}},
		vectordb.Source{ID: "y", Vector: []float64{0, 1}},
	)
	require.NoError(t, err)

	matches, err := client.Search(ctx, "vecs", vectordb.Query{Vector: []float64{1, 0.1}}, vectordb.SearchOptions{})
	require.NoError(t, err)
	require.Equal(t, "x", matches[0].ID)
}

func TestInsertRejectsHeterogeneousSources(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	_, err = client.Insert(ctx, "docs",
		vectordb.Source{Text: "alpha"},
		vectordb.Source{Vector: []float64{1, 2}},
	)
	require.True(t, fault.IsKind(err, fault.KindInvalidArgument))
}

func TestDatasourceLifecycle(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	ds, err := client.CreateDatasource(ctx, "docs", vectordb.DatasourceSpec{
		Label:        "alphabet",
		Text:         "abcdefghijklmnopqrstuvwxyz",
		ChunkSize:    10,
		ChunkOverlap: 2,
		Metadata:     map[string]any{"source": "test"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ds.ID)
	require.Len(t, ds.VectorIDs, 3)
	for _, vid := range ds.VectorIDs {
		require.True(t, strings.HasPrefix(vid, ds.ID+"_"), "chunk vector ids carry the datasource id prefix")
	}

	matches, err := client.Search(ctx, "docs", vectordb.Query{Text: "KLM"}, vectordb.SearchOptions{TopK: 1, IncludeMetadata: true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "ijklmnopqr", matches[0].Text)
	require.Equal(t, "a_agent-1_docs", matches[0].Metadata["namespaceId"])
	require.Equal(t, ds.ID, matches[0].Metadata["datasourceId"])
	require.Equal(t, "alphabet", matches[0].Metadata["datasourceLabel"])
	require.Equal(t, map[string]any{"source": "test"}, matches[0].Metadata["userMetadata"])
	require.Contains(t, matches[0].Metadata, "acl")

	got, err := client.GetDatasource(ctx, "docs", ds.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, ds, *got)

	list, err := client.ListDatasources(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, []vectordb.Datasource{ds}, list)

	require.NoError(t, client.DeleteDatasource(ctx, "docs", ds.ID))

	matches, err = client.Search(ctx, "docs", vectordb.Query{Text: "KLM"}, vectordb.SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, matches, "datasource deletion cascades to its vectors")

	err = client.DeleteDatasource(ctx, "docs", ds.ID)
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestGetDatasourceAbsent(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	got, err := client.GetDatasource(ctx, "docs", "missing")
	require.NoError(t, err)
	require.Nil(t, got)

	list, err := client.ListDatasources(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestDeleteByDatasourceFilter(t *testing.T) {
	_, client := newClient(t, acl.Agent("agent-1"))
	ctx := context.Background()
	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	ds, err := client.CreateDatasource(ctx, "docs", vectordb.DatasourceSpec{
		Text:      "hello world",
		ChunkSize: 5,
	})
	require.NoError(t, err)
	_, err = client.Insert(ctx, "docs", vectordb.Source{ID: "standalone", Text: "hello"})
	require.NoError(t, err)

	require.NoError(t, client.Delete(ctx, "docs", vectordb.Deletion{DatasourceID: ds.ID}))

	matches, err := client.Search(ctx, "docs", vectordb.Query{Text: "hello"}, vectordb.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "standalone", matches[0].ID)
}

func TestCandidateIsolation(t *testing.T) {
	store, alice := newClient(t, acl.Agent("alice"))
	bob := vectordb.For(store, secure.NewGuard(), acl.Agent("bob"))
	ctx := context.Background()

	_, err := alice.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)
	_, err = alice.Insert(ctx, "docs", vectordb.Source{ID: "v1", Text: "secret"})
	require.NoError(t, err)

	ok, err := bob.NamespaceExists(ctx, "docs")
	require.NoError(t, err)
	require.False(t, ok, "prepared names keep candidates apart")

	_, err = bob.Search(ctx, "docs", vectordb.Query{Text: "secret"}, vectordb.SearchOptions{})
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestForeignCandidateDenied(t *testing.T) {
	store, alice := newClient(t, acl.Agent("alice"))
	ctx := context.Background()

	_, err := alice.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	// Bob probes Alice's prepared namespace directly through the connector's
	// protected surface; the guard must refuse before dispatch.
	guard := secure.NewGuard()
	err = guard.Authorize(ctx, store, "a_alice_docs", acl.Agent("bob").ReadRequest())
	require.True(t, fault.IsKind(err, fault.KindAccessDenied))
}

func TestDeleteNamespaceRemovesEverything(t *testing.T) {
	_, client := newClient(t, acl.Agent("alice"))
	ctx := context.Background()

	_, err := client.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)
	_, err = client.Insert(ctx, "docs", vectordb.Source{ID: "v1", Text: "data"})
	require.NoError(t, err)

	require.NoError(t, client.DeleteNamespace(ctx, "docs"))

	ok, err := client.NamespaceExists(ctx, "docs")
	require.NoError(t, err)
	require.False(t, ok)
}
