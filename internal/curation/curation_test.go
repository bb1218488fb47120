package curation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

var testNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

// fakeStore records every mutation the curator makes.
type fakeStore struct {
	sample          []graph.MemoryEntry
	tierCounts      map[graph.Tier]int
	sessionContexts []string
	orphans         []string
	dedup           []graph.MemoryEntry

	applied        map[string]graph.CurationAction
	tiers          map[string]graph.Tier
	tombstoned     []string
	deleted        []string
	merges         [][2]string
	tickets        []string
	sampled        []graph.Tier
	purged         bool
	promoted       bool
	decayed        bool
	archivedBefore time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tierCounts: map[graph.Tier]int{},
		applied:    map[string]graph.CurationAction{},
		tiers:      map[string]graph.Tier{},
	}
}

func (f *fakeStore) ScoreSample(_ context.Context, tier graph.Tier, _ int) ([]graph.MemoryEntry, error) {
	f.sampled = append(f.sampled, tier)
	if tier == graph.TierHot {
		return f.sample, nil
	}
	return nil, nil
}

func (f *fakeStore) ApplyScore(_ context.Context, id string, _ float64, action graph.CurationAction) error {
	f.applied[id] = action
	return nil
}

func (f *fakeStore) SetTier(_ context.Context, id string, tier graph.Tier) error {
	f.tiers[id] = tier
	return nil
}

func (f *fakeStore) Tombstone(_ context.Context, id, _ string) error {
	f.tombstoned = append(f.tombstoned, id)
	return nil
}

func (f *fakeStore) DeleteEntry(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) DeleteEntries(_ context.Context, ids []string) (int, error) {
	f.deleted = append(f.deleted, ids...)
	return len(ids), nil
}

func (f *fakeStore) MergeInto(_ context.Context, src, dst string) error {
	f.merges = append(f.merges, [2]string{src, dst})
	return nil
}

func (f *fakeStore) PurgeTombstoned(_ context.Context, _ time.Time) (int, error) {
	f.purged = true
	return 0, nil
}

func (f *fakeStore) CountByTier(_ context.Context, tier graph.Tier) (int, error) {
	return f.tierCounts[tier], nil
}

func (f *fakeStore) FlagCompressionOverBudget(_ context.Context, _ graph.Tier, _ int) (int, error) {
	return 0, nil
}

func (f *fakeStore) ExpiredSessionContexts(_ context.Context, _ time.Time) ([]string, error) {
	return f.sessionContexts, nil
}

func (f *fakeStore) OrphanEntries(_ context.Context, _ int) ([]string, error) {
	return f.orphans, nil
}

func (f *fakeStore) PromoteRisingCold(_ context.Context, _ int) (int, error) {
	f.promoted = true
	return 0, nil
}

func (f *fakeStore) DecayStaleConfidence(_ context.Context, _ time.Duration) (int, error) {
	f.decayed = true
	return 0, nil
}

func (f *fakeStore) DedupCandidates(_ context.Context, tier graph.Tier, _ int) ([]graph.MemoryEntry, error) {
	if tier == graph.TierHot {
		return f.dedup, nil
	}
	return nil, nil
}

func (f *fakeStore) DeleteReadNotifications(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (f *fakeStore) ArchiveTerminalTasks(_ context.Context, olderThan time.Time) (int, error) {
	f.archivedBefore = olderThan
	return 0, nil
}

func (f *fakeStore) PublishNotification(_ context.Context, _ graph.AgentID, notifType, _, _ string) error {
	f.tickets = append(f.tickets, notifType)
	return nil
}

func newCurator(t *testing.T, store Store) *Curator {
	c := New(store, nil, zaptest.NewLogger(t))
	c.now = func() time.Time { return testNow }
	return c
}

// oldEntry builds an entry far outside every recency and protection window.
func oldEntry(id, label string) graph.MemoryEntry {
	return graph.MemoryEntry{
		ID:           id,
		Label:        label,
		Tier:         graph.TierHot,
		CreatedAt:    testNow.Add(-400 * 24 * time.Hour),
		LastAccessed: testNow.Add(-400 * 24 * time.Hour),
	}
}

func TestScoreHighValueBelief(t *testing.T) {
	e := graph.MemoryEntry{
		Label:             "Belief",
		CreatedAt:         testNow.Add(-48 * time.Hour),
		LastAccessed:      testNow.Add(-time.Hour),
		AccessCount7d:     20,
		Confidence:        0.8,
		RelationshipCount: 12,
		DistinctAgents7d:  3,
	}
	s := Score(e, testNow)
	assert.GreaterOrEqual(t, s, keepAt)
	assert.Equal(t, graph.ActionKeep, Decide(e, s))
}

func TestScoreProtection(t *testing.T) {
	// Brand new node of a throwaway kind: protected by age alone.
	fresh := graph.MemoryEntry{
		Label:        "Notification",
		CreatedAt:    testNow.Add(-time.Hour),
		LastAccessed: testNow.Add(-time.Hour),
	}
	assert.True(t, Protected(fresh, testNow))
	assert.Equal(t, graph.ActionKeep, Decide(fresh, Score(fresh, testNow)))

	// High-confidence belief stays protected forever.
	belief := oldEntry("b", "Belief")
	belief.Confidence = 0.95
	assert.True(t, Protected(belief, testNow))
	assert.GreaterOrEqual(t, Score(belief, testNow), keepAt)

	// Same belief with ordinary confidence is not protected.
	belief.Confidence = 0.5
	assert.False(t, Protected(belief, testNow))
}

func TestScoreStaleEntryLandsInDemoteBand(t *testing.T) {
	// An old, unaccessed session context with nothing going for it: type
	// weight 1.5, every other term near zero.
	e := oldEntry("sc", "SessionContext")
	s := Score(e, testNow)
	assert.InDelta(t, 1.5, s, 0.2)
	assert.Equal(t, graph.ActionDemote, Decide(e, s))

	// A stale compressed context scores its bare type weight and lands in
	// the improve band.
	cc := oldEntry("cc", "CompressedContext")
	assert.Equal(t, graph.ActionImprove, Decide(cc, Score(cc, testNow)))
}

func TestScoreStaleNotificationPrunes(t *testing.T) {
	// Stale, oversized notification: type weight 0.5 minus a bloat penalty
	// puts it under the immediate-removal threshold.
	e := oldEntry("n", "Notification")
	e.Tokens = 3000
	s := Score(e, testNow)
	assert.Less(t, s, pruneAt)
	assert.Equal(t, graph.ActionPrune, Decide(e, s))
	assert.True(t, immediateDelete(e, s))

	// The same score on a durable kind tombstones instead.
	r := oldEntry("r", "Research")
	assert.False(t, immediateDelete(r, 0.2))
}

func TestDecideBands(t *testing.T) {
	plain := graph.MemoryEntry{Label: "Research"}
	big := graph.MemoryEntry{Label: "Research", Tokens: 5000}
	embedded := graph.MemoryEntry{Label: "Research", Embedding: []float64{1, 0}}

	assert.Equal(t, graph.ActionKeep, Decide(plain, 9.0))
	assert.Equal(t, graph.ActionKeep, Decide(plain, 6.0), "right-sized entries do not compress")
	assert.Equal(t, graph.ActionCompress, Decide(big, 6.0))
	assert.Equal(t, graph.ActionImprove, Decide(plain, 4.0))
	assert.Equal(t, graph.ActionMerge, Decide(embedded, 4.0))
	assert.Equal(t, graph.ActionDemote, Decide(plain, 2.0))
	assert.Equal(t, graph.ActionPrune, Decide(plain, 1.0))
	assert.Equal(t, graph.ActionPrune, Decide(plain, 0.1))
}

func TestStandardPassDemotesAndPrunes(t *testing.T) {
	store := newFakeStore()
	store.tierCounts[graph.TierHot] = 1000

	demotable := oldEntry("demote-me", "SessionContext")
	notification := oldEntry("bin-me", "Notification")
	notification.Tokens = 3000

	store.sample = []graph.MemoryEntry{demotable, notification}

	err := newCurator(t, store).Standard(context.Background())
	require.NoError(t, err)

	assert.Equal(t, graph.ActionDemote, store.applied["demote-me"])
	assert.Equal(t, graph.TierWarm, store.tiers["demote-me"])

	assert.Equal(t, graph.ActionPrune, store.applied["bin-me"])
	assert.Contains(t, store.deleted, "bin-me", "dead notifications go immediately")
	assert.NotContains(t, store.tombstoned, "bin-me")
}

func TestStandardScoresEveryTier(t *testing.T) {
	store := newFakeStore()
	store.tierCounts[graph.TierHot] = 1000

	require.NoError(t, newCurator(t, store).Standard(context.Background()))

	assert.Equal(t, []graph.Tier{graph.TierHot, graph.TierWarm, graph.TierCold}, store.sampled)
	assert.Equal(t, testNow.Add(-24*time.Hour), store.archivedBefore,
		"terminal tasks retire after a day")
}

func TestHourlyPromotesAndDecaysWithoutScoring(t *testing.T) {
	store := newFakeStore()

	require.NoError(t, newCurator(t, store).Hourly(context.Background()))

	assert.Empty(t, store.sampled, "hourly never samples for scoring")
	assert.True(t, store.promoted)
	assert.True(t, store.decayed)
}

func TestApplyPruneTombstonesDurableKinds(t *testing.T) {
	store := newFakeStore()
	c := newCurator(t, store)

	e := oldEntry("stale-research", "Research")
	require.NoError(t, c.apply(context.Background(), e, 1.0, graph.ActionPrune))
	assert.Equal(t, []string{"stale-research"}, store.tombstoned)
	assert.Empty(t, store.deleted, "durable kinds are never removed outright")
}

func TestScorePassCapSuspendsDeletions(t *testing.T) {
	store := newFakeStore()
	store.tierCounts[graph.TierHot] = 20 // cap: one deletion

	for _, id := range []string{"n1", "n2", "n3"} {
		store.sample = append(store.sample, oldEntry(id, "Notification"))
	}

	err := newCurator(t, store).Standard(context.Background())
	require.ErrorIs(t, err, graph.ErrCurationExcess)

	assert.Empty(t, store.deleted, "no deletions past the cap")
	assert.Empty(t, store.tombstoned)
	assert.Equal(t, []string{"ticket"}, store.tickets)

	// Scores were still recorded.
	assert.Len(t, store.applied, 3)
}

func TestRapidExpiresSessionContexts(t *testing.T) {
	store := newFakeStore()
	store.tierCounts[graph.TierHot] = 1000
	store.sessionContexts = []string{"s1", "s2"}

	require.NoError(t, newCurator(t, store).Rapid(context.Background()))
	assert.ElementsMatch(t, []string{"s1", "s2"}, store.deleted)
}

func TestRapidSessionContextCap(t *testing.T) {
	store := newFakeStore()
	store.tierCounts[graph.TierHot] = 10
	store.sessionContexts = []string{"s1", "s2", "s3"}

	err := newCurator(t, store).Rapid(context.Background())
	require.ErrorIs(t, err, graph.ErrCurationExcess)
	assert.Empty(t, store.deleted)
	assert.Equal(t, []string{"ticket"}, store.tickets)
}

func TestDeepMergesDuplicates(t *testing.T) {
	store := newFakeStore()
	store.tierCounts = map[graph.Tier]int{graph.TierHot: 100}

	weak := oldEntry("weak", "Research")
	weak.MVSScore = 2.0
	weak.Embedding = []float64{1, 0, 0}
	strong := oldEntry("strong", "Research")
	strong.MVSScore = 6.0
	strong.Embedding = []float64{0.99, 0.1, 0}
	unrelated := oldEntry("unrelated", "Research")
	unrelated.MVSScore = 4.0
	unrelated.Embedding = []float64{0, 0, 1}

	store.dedup = []graph.MemoryEntry{weak, strong, unrelated}

	require.NoError(t, newCurator(t, store).Deep(context.Background()))
	require.Len(t, store.merges, 1)
	assert.Equal(t, [2]string{"weak", "strong"}, store.merges[0], "lower score merges into higher")
	assert.True(t, store.purged)
}

func TestDeepRemovesOrphansUnderCap(t *testing.T) {
	store := newFakeStore()
	store.tierCounts = map[graph.Tier]int{
		graph.TierHot: 500, graph.TierWarm: 300, graph.TierCold: 200, graph.TierArchived: 0,
	}
	store.orphans = []string{"o1", "o2"}

	require.NoError(t, newCurator(t, store).Deep(context.Background()))
	assert.ElementsMatch(t, []string{"o1", "o2"}, store.deleted)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{1}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}
