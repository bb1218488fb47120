package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalDrainPreservesOrder(t *testing.T) {
	j := newJournal()
	for i := 0; i < 5; i++ {
		j.Append("record_result", "QUERY", map[string]any{"i": i})
	}
	require.Equal(t, 5, j.Len())

	var seen []int
	n, err := j.Drain(func(e journalEntry) error {
		seen = append(seen, e.Params["i"].(int))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	assert.Equal(t, 0, j.Len())
}

func TestJournalDrainStopsAtFirstFailure(t *testing.T) {
	j := newJournal()
	for i := 0; i < 4; i++ {
		j.Append("update_heartbeat", "QUERY", map[string]any{"i": i})
	}

	boom := errors.New("graph still down")
	n, err := j.Drain(func(e journalEntry) error {
		if e.Params["i"].(int) == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, n)

	// Entries 2 and 3 remain for the next attempt, still in order.
	assert.Equal(t, 2, j.Len())
	var seen []int
	_, err = j.Drain(func(e journalEntry) error {
		seen = append(seen, e.Params["i"].(int))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, seen)
}

func TestJournalBounded(t *testing.T) {
	j := newJournal()
	dropped := 0
	for i := 0; i < maxJournalEntries+7; i++ {
		dropped += j.Append("record_cycle", "QUERY", map[string]any{"i": i})
	}
	assert.Equal(t, maxJournalEntries, j.Len())
	assert.Equal(t, 7, dropped)

	// Oldest entries were evicted first.
	var first int
	_, err := j.Drain(func(e journalEntry) error {
		if first == 0 {
			first = e.Params["i"].(int)
		}
		return fmt.Errorf("stop after first")
	})
	require.Error(t, err)
	assert.Equal(t, 7, first)
}
