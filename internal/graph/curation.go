package graph

import (
	"context"
	"fmt"
	"time"
)

// Store operations used by the curation handlers. Batch mutations here are
// the only place multi-statement work is allowed; claim/complete/fail remain
// single-statement.

// tombstoneGrace is how long a soft-deleted node survives before a deep pass
// may physically remove it.
const tombstoneGrace = 30 * 24 * time.Hour

// ScoreSample returns up to limit non-tombstoned entries from a tier,
// least-recently-curated first, with every input the scorer needs.
func (c *Client) ScoreSample(ctx context.Context, tier Tier, limit int) ([]MemoryEntry, error) {
	if !ValidTier(tier) {
		return nil, fmt.Errorf("graph: score_sample: tier %q: %w", tier, ErrInvalidInput)
	}

	records, err := c.read(ctx, "score_sample", `
		MATCH (m:MemoryEntry {tier: $tier})
		WHERE coalesce(m.tombstone, false) = false
		WITH m ORDER BY coalesce(m.last_curated_at, $epoch) ASC
		LIMIT $limit
		RETURN m.id AS id,
		       [l IN labels(m) WHERE l <> 'MemoryEntry'][0] AS label,
		       m.tier AS tier,
		       coalesce(m.mvs_score, 0.0) AS mvs_score,
		       coalesce(m.access_count_7d, 0) AS access_count_7d,
		       m.last_accessed AS last_accessed,
		       m.created_at AS created_at,
		       coalesce(m.confidence, 0.0) AS confidence,
		       coalesce(m.tokens, 0) AS tokens,
		       COUNT { (m)--() } AS relationship_count,
		       coalesce(m.distinct_agents_7d, 0) AS distinct_agents_7d,
		       m.embedding AS embedding`,
		map[string]any{
			"tier":  string(tier),
			"limit": limit,
			"epoch": time.Unix(0, 0).UTC(),
		})
	if err != nil {
		return nil, err
	}

	out := make([]MemoryEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, MemoryEntry{
			ID:                recordString(rec, "id"),
			Label:             recordString(rec, "label"),
			Tier:              Tier(recordString(rec, "tier")),
			MVSScore:          recordFloat(rec, "mvs_score"),
			AccessCount7d:     int(recordInt(rec, "access_count_7d")),
			LastAccessed:      recordTime(rec, "last_accessed"),
			CreatedAt:         recordTime(rec, "created_at"),
			Confidence:        recordFloat(rec, "confidence"),
			Tokens:            int(recordInt(rec, "tokens")),
			RelationshipCount: int(recordInt(rec, "relationship_count")),
			DistinctAgents7d:  int(recordInt(rec, "distinct_agents_7d")),
			Embedding:         recordFloats(rec, "embedding"),
		})
	}
	return out, nil
}

// ApplyScore persists a freshly computed MVS score and the action decided
// for the node, stamping last_curated_at.
func (c *Client) ApplyScore(ctx context.Context, nodeID string, score float64, action CurationAction) error {
	_, err := c.write(ctx, "apply_score", `
		MATCH (m:MemoryEntry {id: $id})
		SET m.mvs_score = $score,
		    m.curation_action = $action,
		    m.last_curated_at = $now`,
		map[string]any{
			"id":     nodeID,
			"score":  score,
			"action": string(action),
			"now":    time.Now().UTC(),
		})
	return err
}

// SetTier moves a node to the given tier.
func (c *Client) SetTier(ctx context.Context, nodeID string, tier Tier) error {
	if !ValidTier(tier) {
		return fmt.Errorf("graph: set_tier: tier %q: %w", tier, ErrInvalidInput)
	}
	_, err := c.write(ctx, "set_tier", `
		MATCH (m:MemoryEntry {id: $id})
		SET m.tier = $tier, m.last_curated_at = $now`,
		map[string]any{"id": nodeID, "tier": string(tier), "now": time.Now().UTC()})
	return err
}

// Tombstone soft-deletes a node: tombstone flag set, physical deletion
// scheduled 30 days out, never deleted before then.
func (c *Client) Tombstone(ctx context.Context, nodeID, reason string) error {
	now := time.Now().UTC()
	_, err := c.write(ctx, "tombstone", `
		MATCH (m:MemoryEntry {id: $id})
		SET m.tombstone = true,
		    m.deleted_at = $deleted_at,
		    m.curation_action = 'PRUNE',
		    m.tombstone_reason = $reason,
		    m.last_curated_at = $now`,
		map[string]any{
			"id":         nodeID,
			"deleted_at": now.Add(tombstoneGrace),
			"reason":     reason,
			"now":        now,
		})
	return err
}

// DeleteEntry physically removes a node immediately. Reserved for the
// below-0.5 band of Notification/SessionContext nodes; everything else is
// tombstoned first.
func (c *Client) DeleteEntry(ctx context.Context, nodeID string) error {
	_, err := c.write(ctx, "delete_entry", `
		MATCH (m:MemoryEntry {id: $id})
		DETACH DELETE m`,
		map[string]any{"id": nodeID})
	return err
}

// MergeInto folds src into dst: relationships are copied across, a
// MERGED_INTO edge records the lineage, and src is tombstoned. The merge is
// refused (ErrInvalidInput) unless dst's score is at least src's; dedup
// always keeps the stronger node.
func (c *Client) MergeInto(ctx context.Context, srcID, dstID string) error {
	records, err := c.write(ctx, "merge_into", `
		MATCH (src:MemoryEntry {id: $src}), (dst:MemoryEntry {id: $dst})
		WHERE coalesce(dst.mvs_score, 0.0) >= coalesce(src.mvs_score, 0.0)
		CALL (src, dst) {
			MATCH (src)-[r]->(o)
			WHERE o <> dst AND type(r) <> 'MERGED_INTO'
			CREATE (dst)-[:$(type(r))]->(o)
		}
		CALL (src, dst) {
			MATCH (i)-[r]->(src)
			WHERE i <> dst
			CREATE (i)-[:$(type(r))]->(dst)
		}
		CREATE (src)-[:MERGED_INTO]->(dst)
		SET src.tombstone = true,
		    src.deleted_at = $deleted_at,
		    src.curation_action = 'MERGE',
		    src.last_curated_at = $now
		RETURN src.id AS id`,
		map[string]any{
			"src":        srcID,
			"dst":        dstID,
			"deleted_at": time.Now().UTC().Add(tombstoneGrace),
			"now":        time.Now().UTC(),
		})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("graph: merge_into %s -> %s: missing node or lower-scored target: %w",
			srcID, dstID, ErrInvalidInput)
	}
	return nil
}

// PurgeTombstoned physically removes nodes whose deletion grace has expired.
// Returns the number removed.
func (c *Client) PurgeTombstoned(ctx context.Context, now time.Time) (int, error) {
	records, err := c.write(ctx, "purge_tombstoned", `
		MATCH (m:MemoryEntry {tombstone: true})
		WHERE m.deleted_at <= $now
		WITH collect(m) AS doomed
		FOREACH (m IN doomed | DETACH DELETE m)
		RETURN size(doomed) AS purged`,
		map[string]any{"now": now.UTC()})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "purged")), nil
}

// CountByTier returns the live (non-tombstoned) node count for a tier.
// The curation safety cap is computed against this.
func (c *Client) CountByTier(ctx context.Context, tier Tier) (int, error) {
	if !ValidTier(tier) {
		return 0, fmt.Errorf("graph: count_by_tier: tier %q: %w", tier, ErrInvalidInput)
	}
	records, err := c.read(ctx, "count_by_tier", `
		MATCH (m:MemoryEntry {tier: $tier})
		WHERE coalesce(m.tombstone, false) = false
		RETURN count(m) AS n`,
		map[string]any{"tier": string(tier)})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "n")), nil
}

// TierTokenTotal sums the token footprint of a tier's live entries.
func (c *Client) TierTokenTotal(ctx context.Context, tier Tier) (int, error) {
	if !ValidTier(tier) {
		return 0, fmt.Errorf("graph: tier_token_total: tier %q: %w", tier, ErrInvalidInput)
	}
	records, err := c.read(ctx, "tier_token_total", `
		MATCH (m:MemoryEntry {tier: $tier})
		WHERE coalesce(m.tombstone, false) = false
		RETURN coalesce(sum(m.tokens), 0) AS total`,
		map[string]any{"tier": string(tier)})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "total")), nil
}

// FlagCompressionOverBudget marks the largest unprotected entries of a tier
// for compression until the remainder fits the tier's token budget. Only the
// flag is written; compression itself is an external consumer's job.
func (c *Client) FlagCompressionOverBudget(ctx context.Context, tier Tier, budget int) (int, error) {
	if !ValidTier(tier) {
		return 0, fmt.Errorf("graph: flag_compression: tier %q: %w", tier, ErrInvalidInput)
	}

	records, err := c.write(ctx, "flag_compression", `
		MATCH (m:MemoryEntry {tier: $tier})
		WHERE coalesce(m.tombstone, false) = false
		WITH collect(m) AS entries, coalesce(sum(m.tokens), 0) AS total
		WHERE total > $budget
		UNWIND entries AS m
		WITH m, total ORDER BY coalesce(m.tokens, 0) DESC
		LIMIT 20
		WHERE coalesce(m.curation_action, '') <> 'COMPRESS'
		SET m.curation_action = 'COMPRESS', m.last_curated_at = $now
		RETURN count(m) AS flagged`,
		map[string]any{"tier": string(tier), "budget": budget, "now": time.Now().UTC()})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "flagged")), nil
}

// ExpiredSessionContexts lists session-context ids older than the cutoff.
// Listed separately from deletion so the caller can enforce the per-tier
// deletion cap before committing.
func (c *Client) ExpiredSessionContexts(ctx context.Context, olderThan time.Time) ([]string, error) {
	records, err := c.read(ctx, "expired_session_contexts", `
		MATCH (m:SessionContext)
		WHERE m.created_at < $cutoff AND coalesce(m.tombstone, false) = false
		RETURN m.id AS id`,
		map[string]any{"cutoff": olderThan.UTC()})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, recordString(rec, "id"))
	}
	return ids, nil
}

// DeleteEntries physically removes the listed nodes. The caller has already
// applied the safety cap.
func (c *Client) DeleteEntries(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	records, err := c.write(ctx, "delete_entries", `
		MATCH (m:MemoryEntry)
		WHERE m.id IN $ids
		WITH collect(m) AS doomed
		FOREACH (m IN doomed | DETACH DELETE m)
		RETURN size(doomed) AS deleted`,
		map[string]any{"ids": ids})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "deleted")), nil
}

// OrphanEntries lists unprotected memory nodes with no relationships at all.
// Recent nodes (under 24h) and high-confidence beliefs never appear.
func (c *Client) OrphanEntries(ctx context.Context, limit int) ([]string, error) {
	records, err := c.read(ctx, "orphan_entries", `
		MATCH (m:MemoryEntry)
		WHERE COUNT { (m)--() } = 0
		  AND m.created_at < $cutoff
		  AND NOT (m:Belief AND coalesce(m.confidence, 0.0) >= 0.9)
		RETURN m.id AS id
		LIMIT $limit`,
		map[string]any{
			"cutoff": time.Now().UTC().Add(-24 * time.Hour),
			"limit":  limit,
		})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, recordString(rec, "id"))
	}
	return ids, nil
}

// PromoteRisingCold lifts COLD entries whose access counts have picked up
// back to WARM. Returns the number promoted.
func (c *Client) PromoteRisingCold(ctx context.Context, minAccess7d int) (int, error) {
	records, err := c.write(ctx, "promote_rising_cold", `
		MATCH (m:MemoryEntry {tier: 'COLD'})
		WHERE coalesce(m.access_count_7d, 0) >= $min_access
		  AND coalesce(m.tombstone, false) = false
		SET m.tier = 'WARM', m.last_curated_at = $now
		RETURN count(m) AS promoted`,
		map[string]any{"min_access": minAccess7d, "now": time.Now().UTC()})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "promoted")), nil
}

// DecayStaleConfidence multiplies confidence by 0.98 on nodes untouched for
// the given window. Returns the number decayed.
func (c *Client) DecayStaleConfidence(ctx context.Context, idleFor time.Duration) (int, error) {
	records, err := c.write(ctx, "decay_stale_confidence", `
		MATCH (m:MemoryEntry)
		WHERE m.confidence IS NOT NULL
		  AND m.last_accessed < $cutoff
		  AND coalesce(m.tombstone, false) = false
		SET m.confidence = m.confidence * 0.98
		RETURN count(m) AS decayed`,
		map[string]any{"cutoff": time.Now().UTC().Add(-idleFor)})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(recordInt(records[0], "decayed")), nil
}

// DedupCandidates returns a tier's live entries that carry an embedding
// vector, for cosine-similarity deduplication in the deep pass.
func (c *Client) DedupCandidates(ctx context.Context, tier Tier, limit int) ([]MemoryEntry, error) {
	if !ValidTier(tier) {
		return nil, fmt.Errorf("graph: dedup_candidates: tier %q: %w", tier, ErrInvalidInput)
	}
	records, err := c.read(ctx, "dedup_candidates", `
		MATCH (m:MemoryEntry {tier: $tier})
		WHERE m.embedding IS NOT NULL
		  AND coalesce(m.tombstone, false) = false
		RETURN m.id AS id,
		       [l IN labels(m) WHERE l <> 'MemoryEntry'][0] AS label,
		       coalesce(m.mvs_score, 0.0) AS mvs_score,
		       m.embedding AS embedding,
		       m.created_at AS created_at,
		       coalesce(m.confidence, 0.0) AS confidence
		LIMIT $limit`,
		map[string]any{"tier": string(tier), "limit": limit})
	if err != nil {
		return nil, err
	}

	out := make([]MemoryEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, MemoryEntry{
			ID:         recordString(rec, "id"),
			Label:      recordString(rec, "label"),
			Tier:       tier,
			MVSScore:   recordFloat(rec, "mvs_score"),
			Embedding:  recordFloats(rec, "embedding"),
			CreatedAt:  recordTime(rec, "created_at"),
			Confidence: recordFloat(rec, "confidence"),
		})
	}
	return out, nil
}
