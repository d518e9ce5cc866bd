package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/testutil"
	"github.com/ashita-ai/kioku/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// vec1024 builds a 1024-dim vector whose first components are the given
// values; the rest are zero.
func vec1024(lead ...float32) []float32 {
	v := make([]float32, 1024)
	copy(v, lead)
	return v
}

// corpus is one tenant's worth of fixture data.
type corpus struct {
	orgID       uuid.UUID
	principalID uuid.UUID
	roleID      uuid.UUID
	aclID       uuid.UUID
	artifactID  uuid.UUID
	textID      uuid.UUID
	spanIDs     []uuid.UUID
	text        string
}

// seedCorpus creates an org with one principal (granted via role), one
// artifact with text, and spans over the given [start,end) windows.
func seedCorpus(t *testing.T, text string, windows [][2]int) *corpus {
	t.Helper()
	ctx := context.Background()

	orgID, err := testDB.CreateOrg(ctx, "org-"+uuid.NewString()[:8])
	require.NoError(t, err)
	principalID, err := testDB.CreatePrincipal(ctx, orgID, "alice@"+uuid.NewString()[:8], "Alice")
	require.NoError(t, err)
	roleID, err := testDB.CreateRole(ctx, orgID, "engineer")
	require.NoError(t, err)
	require.NoError(t, testDB.GrantRole(ctx, orgID, principalID, roleID))

	aclID, err := testDB.CreateACL(ctx, orgID, "default")
	require.NoError(t, err)
	require.NoError(t, testDB.AllowRole(ctx, orgID, aclID, roleID))

	artifactID, err := testDB.CreateArtifact(ctx, &model.Artifact{
		OrgID:        orgID,
		SourceSystem: "test",
		ContentType:  "text/plain",
		ACLID:        aclID,
	})
	require.NoError(t, err)

	textID, err := testDB.CreateArtifactText(ctx, &model.ArtifactText{
		OrgID:      orgID,
		ArtifactID: artifactID,
		TextUTF8:   text,
	})
	require.NoError(t, err)

	spans := make([]model.EvidenceSpan, len(windows))
	for i, w := range windows {
		spans[i] = model.EvidenceSpan{
			ArtifactID:     artifactID,
			ArtifactTextID: textID,
			StartChar:      w[0],
			EndChar:        w[1],
			SpanType:       "passage",
			Confidence:     0.8,
		}
	}
	spanIDs, err := testDB.CreateSpans(ctx, orgID, spans)
	require.NoError(t, err)

	return &corpus{
		orgID:       orgID,
		principalID: principalID,
		roleID:      roleID,
		aclID:       aclID,
		artifactID:  artifactID,
		textID:      textID,
		spanIDs:     spanIDs,
		text:        text,
	}
}

func embedSpan(t *testing.T, c *corpus, spanID uuid.UUID, vec []float32) {
	t.Helper()
	require.NoError(t, testDB.UpsertEmbedding(context.Background(), &model.EvidenceEmbedding{
		SpanID:       spanID,
		OrgID:        c.orgID,
		ModelName:    "mxbai-embed-large",
		ModelVersion: "v1",
		Embedding:    pgvector.NewVector(vec),
	}))
}

func TestGuardOrg(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.SeedByLexical(ctx, uuid.Nil, "anything", 10)
	assert.ErrorIs(t, err, storage.ErrMissingOrg)

	_, err = testDB.PolicyFilter(ctx, uuid.Nil, uuid.New(), []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, storage.ErrMissingOrg)

	_, err = testDB.HydrateSpans(ctx, uuid.Nil, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, storage.ErrMissingOrg)
}

func TestHydrateSpansSlicesText(t *testing.T) {
	ctx := context.Background()
	text := "We chose vendor Acme for the rollout. Pricing was the deciding factor."
	c := seedCorpus(t, text, [][2]int{{0, 37}, {38, 71}})

	got, err := testDB.HydrateSpans(ctx, c.orgID, c.spanIDs)
	require.NoError(t, err)
	require.Len(t, got, 2)

	for _, s := range got {
		assert.Equal(t, text[s.StartChar:s.EndChar], s.Text)
	}
	// Order of input ids is preserved.
	assert.Equal(t, c.spanIDs[0], got[0].ID)
	assert.Equal(t, c.spanIDs[1], got[1].ID)
}

func TestSeedByVectorRanksByCosine(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "alpha text here. beta text here.", [][2]int{{0, 16}, {17, 32}})
	embedSpan(t, c, c.spanIDs[0], vec1024(1, 0))
	embedSpan(t, c, c.spanIDs[1], vec1024(0, 1))

	seeds, err := testDB.SeedByVector(ctx, c.orgID, pgvector.NewVector(vec1024(0.9, 0.1)), 10)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, c.spanIDs[0], seeds[0].ID)
	assert.Greater(t, seeds[0].VecSim, seeds[1].VecSim)
}

func TestSeedByVectorTenantIsolation(t *testing.T) {
	ctx := context.Background()
	a := seedCorpus(t, "tenant a secret plans", [][2]int{{0, 21}})
	b := seedCorpus(t, "tenant b secret plans", [][2]int{{0, 21}})
	embedSpan(t, a, a.spanIDs[0], vec1024(1, 0))
	embedSpan(t, b, b.spanIDs[0], vec1024(1, 0))

	seeds, err := testDB.SeedByVector(ctx, a.orgID, pgvector.NewVector(vec1024(1, 0)), 10)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, a.spanIDs[0], seeds[0].ID)
}

func TestSeedByIDsVerifiesTenantAndExistence(t *testing.T) {
	ctx := context.Background()
	a := seedCorpus(t, "verified span text here", [][2]int{{0, 23}})
	b := seedCorpus(t, "foreign tenant span text", [][2]int{{0, 24}})
	embedSpan(t, a, a.spanIDs[0], vec1024(1, 0))
	embedSpan(t, b, b.spanIDs[0], vec1024(1, 0))

	// Mirror-style input: one real span, one cross-tenant span, one unknown id.
	candidates := []uuid.UUID{a.spanIDs[0], b.spanIDs[0], uuid.New()}
	seeds, err := testDB.SeedByIDs(ctx, a.orgID, pgvector.NewVector(vec1024(1, 0)), candidates)
	require.NoError(t, err)
	require.Len(t, seeds, 1, "only the tenant's own embedded span survives")
	assert.Equal(t, a.spanIDs[0], seeds[0].ID)
	assert.InDelta(t, 1.0, seeds[0].VecSim, 1e-4)

	seeds, err = testDB.SeedByIDs(ctx, a.orgID, pgvector.NewVector(vec1024(1, 0)), nil)
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestSeedByLexicalPhrase(t *testing.T) {
	ctx := context.Background()
	text := "The vendor selection process concluded in May. " + // exact phrase
		"A vendor was reviewed. The selection committee met twice."
	c := seedCorpus(t, text, [][2]int{{0, 47}, {48, 105}})

	t.Run("unquoted matches scattered terms", func(t *testing.T) {
		seeds, err := testDB.SeedByLexical(ctx, c.orgID, "vendor selection", 10)
		require.NoError(t, err)
		assert.Len(t, seeds, 2)
	})

	t.Run("quoted phrase only matches adjacency", func(t *testing.T) {
		seeds, err := testDB.SeedByLexical(ctx, c.orgID, `"vendor selection"`, 10)
		require.NoError(t, err)
		require.Len(t, seeds, 2, "both spans share the artifact text; rank differs")
		assert.Greater(t, seeds[0].Lex, 0.0)
	})

	t.Run("no match is empty not error", func(t *testing.T) {
		seeds, err := testDB.SeedByLexical(ctx, c.orgID, "zeppelin maintenance", 10)
		require.NoError(t, err)
		assert.Empty(t, seeds)
	})
}

func TestPolicyFilter(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "classified artifact body", [][2]int{{0, 24}})

	t.Run("role grant allows", func(t *testing.T) {
		allowed, err := testDB.PolicyFilter(ctx, c.orgID, c.principalID, c.spanIDs)
		require.NoError(t, err)
		assert.ElementsMatch(t, c.spanIDs, allowed)
	})

	t.Run("direct principal grant allows", func(t *testing.T) {
		direct, err := testDB.CreatePrincipal(ctx, c.orgID, "bob@example", "Bob")
		require.NoError(t, err)
		require.NoError(t, testDB.AllowPrincipal(ctx, c.orgID, c.aclID, direct))

		allowed, err := testDB.PolicyFilter(ctx, c.orgID, direct, c.spanIDs)
		require.NoError(t, err)
		assert.ElementsMatch(t, c.spanIDs, allowed)
	})

	t.Run("no grants yields empty", func(t *testing.T) {
		stranger, err := testDB.CreatePrincipal(ctx, c.orgID, "mallory@example", "Mallory")
		require.NoError(t, err)

		allowed, err := testDB.PolicyFilter(ctx, c.orgID, stranger, c.spanIDs)
		require.NoError(t, err)
		assert.Empty(t, allowed)
	})

	t.Run("cross-tenant principal sees nothing", func(t *testing.T) {
		other := seedCorpus(t, "other org text", [][2]int{{0, 14}})
		allowed, err := testDB.PolicyFilter(ctx, c.orgID, other.principalID, c.spanIDs)
		require.NoError(t, err)
		assert.Empty(t, allowed)
	})
}

func TestAppendEventIdempotent(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "event source text", [][2]int{{0, 17}})
	key := "evt-" + uuid.NewString()

	ev := &model.Event{
		OrgID:          c.orgID,
		EventType:      "decision",
		Actor:          "gateway",
		ArtifactID:     &c.artifactID,
		Payload:        []byte(`{"kind":"decision","title":"Choose Acme"}`),
		IdempotencyKey: &key,
	}

	first, err := testDB.AppendEvent(ctx, ev)
	require.NoError(t, err)

	second, err := testDB.AppendEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same idempotency key returns the same event")

	// Without a key every append is a new event.
	ev2 := &model.Event{OrgID: c.orgID, EventType: "note", Actor: "gateway", Payload: []byte(`{}`)}
	id1, err := testDB.AppendEvent(ctx, ev2)
	require.NoError(t, err)
	id2, err := testDB.AppendEvent(ctx, ev2)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestGraphUpsertMergeSemantics(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "merge semantics text", [][2]int{{0, 20}})

	canonical := "original canonical"
	var nodeID uuid.UUID
	err := testDB.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		nodeID, err = tx.UpsertNode(ctx, c.orgID, model.NodeDecision, "k1", "First title", &canonical,
			map[string]any{"a": float64(1)})
		return err
	})
	require.NoError(t, err)

	// Second upsert: title overwritten, canonical kept, metadata merged.
	err = testDB.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		again, err := tx.UpsertNode(ctx, c.orgID, model.NodeDecision, "k1", "Second title", nil,
			map[string]any{"b": float64(2)})
		if err != nil {
			return err
		}
		assert.Equal(t, nodeID, again)
		return nil
	})
	require.NoError(t, err)

	node, err := testDB.NodeByKey(ctx, c.orgID, model.NodeDecision, "k1")
	require.NoError(t, err)
	assert.Equal(t, "Second title", node.Title)
	require.NotNil(t, node.CanonicalText)
	assert.Equal(t, canonical, *node.CanonicalText)
	assert.Equal(t, float64(1), node.Metadata["a"])
	assert.Equal(t, float64(2), node.Metadata["b"])
}

func TestSeedNodesFallback(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "fallback lookup text", [][2]int{{0, 20}})

	var srcID, dstID, edgeID uuid.UUID
	err := testDB.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		srcID, err = tx.UpsertNode(ctx, c.orgID, model.NodeDecision, "src", "Src", nil, nil)
		if err != nil {
			return err
		}
		dstID, err = tx.UpsertNode(ctx, c.orgID, model.NodePerson, "dst", "Dst", nil, nil)
		if err != nil {
			return err
		}
		edgeID, err = tx.UpsertEdge(ctx, c.orgID, srcID, dstID, model.EdgeDecidedBy, 1.0, nil)
		return err
	})
	require.NoError(t, err)

	// Only edge_evidence, no span_node rows: forces the fallback join.
	_, err = testDB.Pool().Exec(ctx, `
		INSERT INTO edge_evidence (edge_id, evidence_span_id, confidence, evidence_type, created_by)
		VALUES ($1, $2, 0.85, 'derived_from_event', 'test')`,
		edgeID, c.spanIDs[0])
	require.NoError(t, err)

	nodes, err := testDB.SeedNodes(ctx, c.orgID, c.spanIDs)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{srcID, dstID}, nodes)

	// With the cache populated, the cache wins.
	_, err = testDB.Pool().Exec(ctx, `
		INSERT INTO span_node (org_id, evidence_span_id, node_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		c.orgID, c.spanIDs[0], srcID)
	require.NoError(t, err)

	nodes, err = testDB.SeedNodes(ctx, c.orgID, c.spanIDs)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{srcID}, nodes)
}

func TestExpandAndCandidates(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "expansion corpus text", [][2]int{{0, 21}})

	var aID, bID, cID uuid.UUID
	err := testDB.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		aID, err = tx.UpsertNode(ctx, c.orgID, model.NodeDecision, "a", "A", nil, nil)
		if err != nil {
			return err
		}
		bID, err = tx.UpsertNode(ctx, c.orgID, model.NodeOutcome, "b", "B", nil, nil)
		if err != nil {
			return err
		}
		cID, err = tx.UpsertNode(ctx, c.orgID, model.NodeTopic, "c", "C", nil, nil)
		if err != nil {
			return err
		}
		edgeAB, err := tx.UpsertEdge(ctx, c.orgID, aID, bID, model.EdgeAffects, 1.0, nil)
		if err != nil {
			return err
		}
		if _, err := tx.UpsertEdge(ctx, c.orgID, cID, aID, model.EdgeRelates, 0.5, nil); err != nil {
			return err
		}
		return tx.AttachEdgeEvidence(ctx, c.orgID, edgeAB, c.spanIDs[0], aID, bID, 0.85, "derived_from_event", "test")
	})
	require.NoError(t, err)

	// One hop from a reaches b (outgoing) and c (incoming).
	neighbors, err := testDB.ExpandOneHop(ctx, c.orgID, []uuid.UUID{aID}, 80)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{bID, cID}, neighbors)

	spans, err := testDB.CandidateSpans(ctx, c.orgID, []uuid.UUID{aID, bID, cID}, 5000)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c.spanIDs[0]}, spans)

	// Edge support carries the endpoint types and confidence x weight.
	support, err := testDB.EdgeSupportRows(ctx, c.orgID, spans, []uuid.UUID{aID, bID})
	require.NoError(t, err)
	require.Len(t, support, 1)
	assert.Equal(t, "decision", support[0].SrcType)
	assert.Equal(t, "outcome", support[0].DstType)
	assert.InDelta(t, 0.85, support[0].Strength, 1e-6)
}

func TestSpanFeaturesMissingEmbeddingIsZero(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "first window text. second window text.", [][2]int{{0, 18}, {19, 38}})
	embedSpan(t, c, c.spanIDs[0], vec1024(1, 0))

	feats, err := testDB.SpanFeatures(ctx, c.orgID, "window", pgvector.NewVector(vec1024(1, 0)), c.spanIDs)
	require.NoError(t, err)
	require.Len(t, feats, 2)

	assert.InDelta(t, 1.0, feats[c.spanIDs[0]].VecSim, 1e-4)
	assert.Equal(t, 0.0, feats[c.spanIDs[1]].VecSim)
	assert.Greater(t, feats[c.spanIDs[0]].Lex, 0.0, "artifact text matches the query")
}

func TestUpsertEmbeddingReplaces(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "reindexed span text", [][2]int{{0, 19}})
	embedSpan(t, c, c.spanIDs[0], vec1024(1, 0))
	embedSpan(t, c, c.spanIDs[0], vec1024(0, 1))

	embeds, err := testDB.SpanEmbeddings(ctx, c.orgID, c.spanIDs)
	require.NoError(t, err)
	require.Len(t, embeds, 1)
	assert.Equal(t, float32(0), embeds[c.spanIDs[0]][0])
	assert.Equal(t, float32(1), embeds[c.spanIDs[0]][1])
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	c := seedCorpus(t, "outbox span text", [][2]int{{0, 16}})
	embedSpan(t, c, c.spanIDs[0], vec1024(1, 0))

	require.NoError(t, testDB.EnqueueSearchSync(ctx, c.orgID, c.spanIDs, "upsert"))

	batch, err := testDB.FetchOutboxBatch(ctx, 100)
	require.NoError(t, err)
	require.NotEmpty(t, batch)

	var row *storage.OutboxRow
	for i := range batch {
		if batch[i].SpanID == c.spanIDs[0] {
			row = &batch[i]
		}
	}
	require.NotNil(t, row)
	assert.Equal(t, "upsert", row.Operation)
	assert.Equal(t, c.artifactID, row.ArtifactID)
	assert.NotNil(t, row.Embedding)

	require.NoError(t, testDB.BumpOutboxAttempts(ctx, []int64{row.ID}))
	require.NoError(t, testDB.DeleteOutboxRows(ctx, []int64{row.ID}))

	depth, err := testDB.OutboxDepth(ctx)
	require.NoError(t, err)
	batch, err = testDB.FetchOutboxBatch(ctx, 100)
	require.NoError(t, err)
	for _, r := range batch {
		assert.NotEqual(t, row.ID, r.ID)
	}
	_ = depth
}

func TestMigrationsAreIdempotent(t *testing.T) {
	// Second run over the same FS must be a clean no-op.
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}
