package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/test/util"
)

func TestSQLJournalAppendFetch(t *testing.T) {
	db := util.SetupTestDatabase(t)
	journal := eventbus.NewSQLJournal(db)
	ctx := context.Background()

	batch := []*eventbus.Event{
		eventbus.New("agent.registered", "node-a", map[string]any{"agent_id": "a1"}),
		eventbus.New("agent.state_changed", "node-a", map[string]any{"from": "pending", "to": "running"}),
		eventbus.New("team.created", "node-a", nil),
	}
	batch[0].Metadata.AgentID = "a1"
	batch[1].Metadata.AgentID = "a1"
	batch[1].Metadata.CorrelationID = "corr-1"

	require.NoError(t, journal.Append(ctx, batch))

	// Sequences are assigned in batch order and contiguous.
	for i, e := range batch {
		assert.Equal(t, batch[0].Sequence+int64(i), e.Sequence)
	}

	size, err := journal.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	page, err := journal.Fetch(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "agent.registered", page[0].Type)
	assert.Equal(t, "a1", page[0].Payload["agent_id"])
	assert.Equal(t, "corr-1", page[1].Metadata.CorrelationID)

	rest, err := journal.Fetch(ctx, page[1].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "team.created", rest[0].Type)
	assert.Nil(t, rest[0].Payload)
}

func TestSQLJournalOffsets(t *testing.T) {
	db := util.SetupTestDatabase(t)
	journal := eventbus.NewSQLJournal(db)
	ctx := context.Background()

	// Unknown subscriptions start from the beginning.
	seq, err := journal.LoadOffset(ctx, "dashboard")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, journal.SaveOffset(ctx, "dashboard", 5))
	seq, err = journal.LoadOffset(ctx, "dashboard")
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	// Offsets only move forward.
	require.NoError(t, journal.SaveOffset(ctx, "dashboard", 3))
	seq, err = journal.LoadOffset(ctx, "dashboard")
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)
}

func TestSQLJournalSeekTime(t *testing.T) {
	db := util.SetupTestDatabase(t)
	journal := eventbus.NewSQLJournal(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var batch []*eventbus.Event
	for i := 0; i < 3; i++ {
		e := eventbus.New("agent.registered", "node-a", nil)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		batch = append(batch, e)
	}
	require.NoError(t, journal.Append(ctx, batch))

	// Seeking the middle timestamp lands just before the second event.
	seq, err := journal.SeekTime(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, batch[1].Sequence-1, seq)

	page, err := journal.Fetch(ctx, seq, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, batch[1].Sequence, page[0].Sequence)

	// A time past the newest event seeks to the journal head.
	seq, err = journal.SeekTime(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, batch[2].Sequence, seq)
}

func TestSQLJournalPurge(t *testing.T) {
	db := util.SetupTestDatabase(t)
	journal := eventbus.NewSQLJournal(db)
	ctx := context.Background()

	old := eventbus.New("agent.registered", "node-a", nil)
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	fresh := eventbus.New("agent.registered", "node-a", nil)
	require.NoError(t, journal.Append(ctx, []*eventbus.Event{old, fresh}))

	n, err := journal.PurgeBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	size, err := journal.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}
