package adapters_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/fault"
	"github.com/octavolabs/octavo/pkg/graph"
)

func writeFixture(t *testing.T, pages ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	data := ""
	for i, p := range pages {
		if i > 0 {
			data += "\f"
		}
		data += p
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestTextExtractorPagesAndSplit(t *testing.T) {
	ctx := context.Background()
	src := writeFixture(t, "INTRO\n\npage one text", "page two text", "page three text")
	ex := adapters.TextExtractor{}

	n, err := ex.PageCount(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	blocks, err := ex.Extract(ctx, src)
	require.NoError(t, err)
	require.NotEmpty(t, blocks)
	assert.Equal(t, 1, blocks[0].Page)

	dst := filepath.Join(t.TempDir(), "part.pdf")
	require.NoError(t, ex.SplitPages(ctx, src, 2, 3, dst))
	m, err := ex.PageCount(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, m)
}

func TestTextExtractorCorruptSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x80}, 0o644))

	_, err := adapters.TextExtractor{}.Extract(context.Background(), path)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SourceUnreadable))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	em := adapters.NewHashEmbedder(32)

	a, err := em.Embed(ctx, []string{"fireball", "lightning"})
	require.NoError(t, err)
	b, err := em.Embed(ctx, []string{"fireball", "lightning"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], 32)
	assert.NotEqual(t, a[0], a[1])
}

func TestMemVectorIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	sink := adapters.NewMemVector()
	items := []adapters.VectorItem{
		{ID: "c1", Vector: []float32{1}, Metadata: map[string]string{"source_id": "phb"}},
		{ID: "c2", Vector: []float32{2}, Metadata: map[string]string{"source_id": "phb"}},
	}

	require.NoError(t, sink.Upsert(ctx, items))
	require.NoError(t, sink.Upsert(ctx, items))
	assert.Equal(t, 2, sink.Len(), "replay must converge, not duplicate")

	n, err := sink.VectorCount(ctx, "phb")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, sink.MarkObsolete(ctx, []string{"c1"}))
	n, err = sink.VectorCount(ctx, "phb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, sink.IsObsolete("c1"))

	require.NoError(t, sink.Delete(ctx, []string{"c2"}))
	assert.Equal(t, 1, sink.Len())
}

func TestMemGraphRejectsDanglingEdge(t *testing.T) {
	ctx := context.Background()
	sink := adapters.NewMemGraph()

	b := graph.NewBuilder("src", "job")
	b.AddNode(graph.Node{ID: "section:s1", Kind: graph.NodeSection, Label: "Intro"})
	b.AddEdge("section:s1", "chunk:ghost", graph.EdgeContains)

	err := sink.ApplyDelta(ctx, b.Build())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.IntegrityViolation))
}

func TestMemGraphRemovalDetachesEdges(t *testing.T) {
	ctx := context.Background()
	sink := adapters.NewMemGraph()

	b := graph.NewBuilder("src", "job1")
	b.AddNode(graph.Node{ID: "section:s1", Kind: graph.NodeSection, Label: "Intro"})
	b.AddNode(graph.Node{ID: "chunk:c1", Kind: graph.NodeChunk, Label: "c1"})
	b.AddEdge("section:s1", "chunk:c1", graph.EdgeContains)
	require.NoError(t, sink.ApplyDelta(ctx, b.Build()))

	removal := graph.Delta{SourceID: "src", JobID: "job2", NodesRemove: []string{"chunk:c1"}}
	require.NoError(t, sink.ApplyDelta(ctx, removal))

	ok, err := sink.HasNode(ctx, "chunk:c1")
	require.NoError(t, err)
	assert.False(t, ok)
	nodes, edges, err := sink.GraphCounts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, nodes)
	assert.Zero(t, edges)
}
