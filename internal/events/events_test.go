package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }

func TestEmitStampsAndRecords(t *testing.T) {
	p := &MemoryPublisher{}
	Emit(context.Background(), p, zap.NewNop(), Event{Type: TradeCompleted, Key: "trade-1"})

	got := p.Events()
	require.Len(t, got, 1)
	assert.Equal(t, TradeCompleted, got[0].Type)
	assert.False(t, got[0].OccurredAt.IsZero())
}

func TestEmitLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	Emit(context.Background(), brokenPublisher{}, zap.New(core), Event{Type: TransactionCompleted, Key: "TRX-1"})

	entries := logs.FilterMessage("event publish failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "TRX-1", entries[0].ContextMap()["key"])
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
