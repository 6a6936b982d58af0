package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-relay/pkg/relay/budget"
	"github.com/vango-go/vai-relay/pkg/relay/dedup"
	"github.com/vango-go/vai-relay/pkg/relay/turnbuf"
)

func newTestRegistry() *Registry {
	return NewRegistry(
		budget.NewTracker(budget.Limits{DailyTokenLimit: 1000, PerRequestTokenLimit: 100, MaxMessagesPerSession: 10}),
		turnbuf.NewStore(1<<20),
		dedup.New(time.Second),
	)
}

func TestRegistry_OpenReleaseClearsEveryStore(t *testing.T) {
	r := newTestRegistry()

	b := r.Open("s1")
	assert.Equal(t, 1000, b.DailyTokenLimit)
	assert.True(t, r.Holds("s1"))

	_, err := r.Turns.Append("s1", []byte{1, 2, 3})
	require.NoError(t, err)
	r.Dedup.Check("s1", dedup.TextSignature("hi"))
	_, ok := r.Budgets.RecordUsage("s1", 5, 0)
	require.True(t, ok)

	final, ok := r.Release("s1")
	require.True(t, ok)
	assert.Equal(t, 5, final.InputTokens)
	assert.Equal(t, 1, final.MessageCount)

	assert.False(t, r.Holds("s1"))
	assert.Equal(t, 0, r.Budgets.Len())
	assert.Equal(t, 0, r.Turns.Sessions())
	assert.Equal(t, 0, r.Dedup.Sessions())
}

func TestRegistry_ReleaseIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.Open("s1")

	_, ok := r.Release("s1")
	assert.True(t, ok)
	_, ok = r.Release("s1")
	assert.False(t, ok)
}

func TestRegistry_SessionsAreIsolated(t *testing.T) {
	r := newTestRegistry()
	r.Open("a")
	r.Open("b")
	_, _ = r.Budgets.RecordUsage("a", 50, 0)

	r.Release("a")
	assert.True(t, r.Holds("b"))
	bb, ok := r.Budgets.Snapshot("b")
	require.True(t, ok)
	assert.Zero(t, bb.TotalTokensUsed)
}
