package curation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Danservfinn/kurultai-sub006/internal/delegation"
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/observability"
)

// sampleSize is how many entries one scoring pass examines per tier.
const sampleSize = 100

// dedupThreshold is the cosine similarity above which two entries are
// considered duplicates.
const dedupThreshold = 0.85

// deleteCapFraction caps destructive actions per pass: no single run may
// remove more than this share of a tier.
const deleteCapFraction = 0.05

// minAccessForPromotion lifts a COLD entry back to WARM.
const minAccessForPromotion = 5

// confidenceDecayIdle is how long a node sits untouched before its
// confidence starts decaying.
const confidenceDecayIdle = 30 * 24 * time.Hour

// readNotificationRetention: read notifications older than this are churn.
const readNotificationRetention = 12 * time.Hour

// sessionContextRetention: session contexts expire after a day.
const sessionContextRetention = 24 * time.Hour

// taskArchiveAge: terminal tasks older than this leave operational queries.
const taskArchiveAge = 24 * time.Hour

// tierTokenBudgets is each tier's token footprint ceiling. When a tier runs
// over, its largest entries are flagged for compression.
var tierTokenBudgets = map[graph.Tier]int{
	graph.TierHot:  1600,
	graph.TierWarm: 400,
	graph.TierCold: 200,
}

// Store is the slice of the graph client the curator needs.
type Store interface {
	ScoreSample(ctx context.Context, tier graph.Tier, limit int) ([]graph.MemoryEntry, error)
	ApplyScore(ctx context.Context, nodeID string, score float64, action graph.CurationAction) error
	SetTier(ctx context.Context, nodeID string, tier graph.Tier) error
	Tombstone(ctx context.Context, nodeID, reason string) error
	DeleteEntry(ctx context.Context, nodeID string) error
	DeleteEntries(ctx context.Context, ids []string) (int, error)
	MergeInto(ctx context.Context, srcID, dstID string) error
	PurgeTombstoned(ctx context.Context, now time.Time) (int, error)
	CountByTier(ctx context.Context, tier graph.Tier) (int, error)
	FlagCompressionOverBudget(ctx context.Context, tier graph.Tier, budget int) (int, error)
	ExpiredSessionContexts(ctx context.Context, olderThan time.Time) ([]string, error)
	OrphanEntries(ctx context.Context, limit int) ([]string, error)
	PromoteRisingCold(ctx context.Context, minAccess7d int) (int, error)
	DecayStaleConfidence(ctx context.Context, idleFor time.Duration) (int, error)
	DedupCandidates(ctx context.Context, tier graph.Tier, limit int) ([]graph.MemoryEntry, error)
	DeleteReadNotifications(ctx context.Context, olderThan time.Time) (int, error)
	ArchiveTerminalTasks(ctx context.Context, olderThan time.Time) (int, error)
	PublishNotification(ctx context.Context, agent graph.AgentID, notifType, summary, taskID string) error
}

// Curator runs the four scheduled curation passes.
type Curator struct {
	store   Store
	metrics *observability.Metrics
	logger  *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(store Store, metrics *observability.Metrics, logger *zap.Logger) *Curator {
	return &Curator{store: store, metrics: metrics, logger: logger.Named("curation"), now: time.Now}
}

// Rapid is the 5-minute pass: churn removal and tier budget enforcement.
// Cheap by construction, it never scores.
func (c *Curator) Rapid(ctx context.Context) error {
	now := c.now()

	if n, err := c.store.DeleteReadNotifications(ctx, now.Add(-readNotificationRetention)); err != nil {
		return fmt.Errorf("curation: rapid: notifications: %w", err)
	} else if n > 0 {
		c.logger.Debug("read notifications removed", zap.Int("count", n))
	}

	if err := c.expireSessionContexts(ctx, now); err != nil {
		return err
	}

	for tier, budget := range tierTokenBudgets {
		if n, err := c.store.FlagCompressionOverBudget(ctx, tier, budget); err != nil {
			return fmt.Errorf("curation: rapid: budget %s: %w", tier, err)
		} else if n > 0 {
			c.logger.Info("entries flagged for compression",
				zap.String("tier", string(tier)), zap.Int("count", n))
		}
	}
	return nil
}

func (c *Curator) expireSessionContexts(ctx context.Context, now time.Time) error {
	ids, err := c.store.ExpiredSessionContexts(ctx, now.Add(-sessionContextRetention))
	if err != nil {
		return fmt.Errorf("curation: rapid: session contexts: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	total, err := c.store.CountByTier(ctx, graph.TierHot)
	if err != nil {
		return fmt.Errorf("curation: rapid: session contexts: %w", err)
	}
	if over := c.overCap(len(ids), total); over != nil {
		return c.raiseExcess(ctx, "rapid", graph.TierHot, len(ids), total)
	}

	deleted, err := c.store.DeleteEntries(ctx, ids)
	if err != nil {
		return fmt.Errorf("curation: rapid: session contexts: %w", err)
	}
	c.logger.Debug("expired session contexts removed", zap.Int("count", deleted))
	return nil
}

// Standard is the 15-minute pass: score every tier and retire terminal
// tasks.
func (c *Curator) Standard(ctx context.Context) error {
	for _, tier := range []graph.Tier{graph.TierHot, graph.TierWarm, graph.TierCold} {
		if err := c.scorePass(ctx, "standard", tier); err != nil {
			return err
		}
	}
	if n, err := c.store.ArchiveTerminalTasks(ctx, c.now().Add(-taskArchiveAge)); err != nil {
		return fmt.Errorf("curation: standard: archive tasks: %w", err)
	} else if n > 0 {
		c.logger.Debug("terminal tasks archived", zap.Int("count", n))
	}
	return nil
}

// Hourly promotes rising COLD entries and decays stale confidence. Scoring
// belongs to the standard pass; this one only moves the tier boundaries.
func (c *Curator) Hourly(ctx context.Context) error {
	if n, err := c.store.PromoteRisingCold(ctx, minAccessForPromotion); err != nil {
		return fmt.Errorf("curation: hourly: promote: %w", err)
	} else if n > 0 {
		c.logger.Info("cold entries promoted", zap.Int("count", n))
	}

	if n, err := c.store.DecayStaleConfidence(ctx, confidenceDecayIdle); err != nil {
		return fmt.Errorf("curation: hourly: decay: %w", err)
	} else if n > 0 {
		c.logger.Debug("stale confidence decayed", zap.Int("count", n))
	}
	return nil
}

// Deep is the 6-hour pass: embedding dedup, orphan removal, and physical
// deletion of expired tombstones.
func (c *Curator) Deep(ctx context.Context) error {
	for _, tier := range []graph.Tier{graph.TierHot, graph.TierWarm, graph.TierCold} {
		if err := c.dedupTier(ctx, tier); err != nil {
			return err
		}
	}

	if err := c.removeOrphans(ctx); err != nil {
		return err
	}

	if n, err := c.store.PurgeTombstoned(ctx, c.now()); err != nil {
		return fmt.Errorf("curation: deep: purge tombstones: %w", err)
	} else if n > 0 {
		c.logger.Info("expired tombstones purged", zap.Int("count", n))
	}
	return nil
}

// scorePass samples one tier, scores it, and applies the decided actions.
// Destructive actions are counted against the tier cap before anything is
// removed; when the plan is over cap, non-destructive actions still apply
// but nothing is deleted and the pass reports ErrCurationExcess.
func (c *Curator) scorePass(ctx context.Context, pass string, tier graph.Tier) error {
	entries, err := c.store.ScoreSample(ctx, tier, sampleSize)
	if err != nil {
		return fmt.Errorf("curation: %s: sample %s: %w", pass, tier, err)
	}
	if len(entries) == 0 {
		return nil
	}

	total, err := c.store.CountByTier(ctx, tier)
	if err != nil {
		return fmt.Errorf("curation: %s: count %s: %w", pass, tier, err)
	}

	now := c.now()
	type decision struct {
		entry  graph.MemoryEntry
		score  float64
		action graph.CurationAction
	}
	plan := make([]decision, 0, len(entries))
	destructive := 0
	for _, e := range entries {
		s := Score(e, now)
		a := Decide(e, s)
		if a == graph.ActionPrune {
			destructive++
		}
		plan = append(plan, decision{entry: e, score: s, action: a})
	}

	excess := c.overCap(destructive, total)

	for _, d := range plan {
		if d.action == graph.ActionPrune && excess != nil {
			// Record the score but leave the node alone.
			if err := c.store.ApplyScore(ctx, d.entry.ID, d.score, graph.ActionKeep); err != nil {
				c.logger.Warn("apply score", zap.String("id", d.entry.ID), zap.Error(err))
			}
			continue
		}
		if err := c.apply(ctx, d.entry, d.score, d.action); err != nil {
			c.logger.Warn("apply curation action",
				zap.String("id", d.entry.ID),
				zap.String("action", string(d.action)),
				zap.Error(err))
		}
	}

	if excess != nil {
		return c.raiseExcess(ctx, pass, tier, destructive, total)
	}
	return nil
}

func (c *Curator) apply(ctx context.Context, e graph.MemoryEntry, score float64, action graph.CurationAction) error {
	c.metrics.CurationAction(string(action))
	switch action {
	case graph.ActionDemote:
		if err := c.store.ApplyScore(ctx, e.ID, score, action); err != nil {
			return err
		}
		next, ok := graph.NextTierDown(e.Tier)
		if !ok {
			return nil
		}
		return c.store.SetTier(ctx, e.ID, next)

	case graph.ActionPrune:
		if err := c.store.ApplyScore(ctx, e.ID, score, action); err != nil {
			return err
		}
		if immediateDelete(e, score) {
			return c.store.DeleteEntry(ctx, e.ID)
		}
		return c.store.Tombstone(ctx, e.ID, fmt.Sprintf("mvs score %.2f below retention threshold", score))

	default:
		return c.store.ApplyScore(ctx, e.ID, score, action)
	}
}

// dedupTier merges near-duplicate embedded entries, lower score into higher.
func (c *Curator) dedupTier(ctx context.Context, tier graph.Tier) error {
	entries, err := c.store.DedupCandidates(ctx, tier, sampleSize)
	if err != nil {
		return fmt.Errorf("curation: deep: dedup %s: %w", tier, err)
	}

	merged := make(map[string]bool)
	for i := 0; i < len(entries); i++ {
		if merged[entries[i].ID] {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if merged[entries[j].ID] {
				continue
			}
			if entries[i].Label != entries[j].Label {
				continue
			}
			if CosineSimilarity(entries[i].Embedding, entries[j].Embedding) < dedupThreshold {
				continue
			}

			src, dst := entries[i], entries[j]
			if src.MVSScore > dst.MVSScore {
				src, dst = dst, src
			}
			if Protected(src, c.now()) {
				continue
			}
			if err := c.store.MergeInto(ctx, src.ID, dst.ID); err != nil {
				c.logger.Warn("merge duplicates",
					zap.String("src", src.ID), zap.String("dst", dst.ID), zap.Error(err))
				continue
			}
			merged[src.ID] = true
			c.logger.Info("duplicates merged",
				zap.String("tier", string(tier)),
				zap.String("src", src.ID),
				zap.String("dst", dst.ID))
		}
	}
	return nil
}

func (c *Curator) removeOrphans(ctx context.Context) error {
	ids, err := c.store.OrphanEntries(ctx, 5*sampleSize)
	if err != nil {
		return fmt.Errorf("curation: deep: orphans: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	total := 0
	for _, tier := range graph.Tiers {
		n, err := c.store.CountByTier(ctx, tier)
		if err != nil {
			return fmt.Errorf("curation: deep: orphans: %w", err)
		}
		total += n
	}
	if over := c.overCap(len(ids), total); over != nil {
		return c.raiseExcess(ctx, "deep", "", len(ids), total)
	}

	deleted, err := c.store.DeleteEntries(ctx, ids)
	if err != nil {
		return fmt.Errorf("curation: deep: orphans: %w", err)
	}
	c.logger.Info("orphaned entries removed", zap.Int("count", deleted))
	return nil
}

// overCap returns a non-nil error value when planned removals exceed the
// per-pass fraction of the population.
func (c *Curator) overCap(planned, total int) error {
	if total == 0 || float64(planned) <= deleteCapFraction*float64(total) {
		return nil
	}
	return graph.ErrCurationExcess
}

// raiseExcess opens a correctness ticket and reports the capped pass. A
// plan this destructive usually means scoring inputs have gone bad, not
// that the data did.
func (c *Curator) raiseExcess(ctx context.Context, pass string, tier graph.Tier, planned, total int) error {
	summary := fmt.Sprintf(
		"curation %s pass planned %d deletions of %d nodes (cap %.0f%%), deletions suspended",
		pass, planned, total, deleteCapFraction*100)
	if tier != "" {
		summary += " in tier " + string(tier)
	}

	assignee := delegation.RouteTicket("analysis")
	if err := c.store.PublishNotification(ctx, assignee, "ticket", summary, ""); err != nil {
		c.logger.Warn("publish excess ticket", zap.Error(err))
	}
	c.logger.Error("curation deletion cap exceeded",
		zap.String("pass", pass),
		zap.Int("planned", planned),
		zap.Int("total", total))
	return fmt.Errorf("curation: %s: planned %d of %d: %w", pass, planned, total, graph.ErrCurationExcess)
}
