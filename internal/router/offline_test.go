package router_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/router"
)

func cachedFrame(dest identity.NodeID, priority uint8, tag byte) *frame.Frame {
	f := &frame.Frame{
		Version:     frame.Version,
		Type:        frame.TypeData,
		Priority:    priority,
		TTL:         8,
		Source:      srcID(0xaa),
		Destination: dest,
		Timestamp:   time.Now().UnixMilli(),
		Payload:     []byte{tag},
	}
	f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, uint64(tag)<<8|uint64(priority))
	return f
}

func newCache(t *testing.T, clk clock.Clock, opts router.OfflineOptions) *router.OfflineCache {
	t.Helper()
	opts.Clock = clk
	c, err := router.NewOfflineCache(opts)
	require.NoError(t, err)
	return c
}

func TestOfflineEnqueueRetrieveDeliver(t *testing.T) {
	clk := clock.NewMock()
	c := newCache(t, clk, router.OfflineOptions{})
	dest := srcID(1)

	f1 := cachedFrame(dest, 128, 1)
	f2 := cachedFrame(dest, 128, 2)
	require.NoError(t, c.Enqueue(f1))
	require.NoError(t, c.Enqueue(f2))
	require.Equal(t, 2, c.Len())

	got := c.RetrieveCached(dest, 10)
	require.Len(t, got, 2)
	require.Equal(t, f1.MessageID, got[0].MessageID, "oldest first")

	require.Equal(t, 1, c.MarkDelivered([]frame.MessageID{f1.MessageID}))
	require.Equal(t, 1, c.Len())
	require.Len(t, c.RetrieveCached(dest, 10), 1)
}

func TestOfflineRetrieveLimit(t *testing.T) {
	clk := clock.NewMock()
	c := newCache(t, clk, router.OfflineOptions{})
	dest := srcID(2)
	for i := byte(0); i < 5; i++ {
		require.NoError(t, c.Enqueue(cachedFrame(dest, 100, i)))
	}
	require.Len(t, c.RetrieveCached(dest, 3), 3)
	require.Empty(t, c.RetrieveCached(srcID(3), 3))
}

func TestOfflinePerDestCapEvictsLowerPriority(t *testing.T) {
	clk := clock.NewMock()
	c := newCache(t, clk, router.OfflineOptions{PerDestCap: 3})
	dest := srcID(4)

	low := cachedFrame(dest, 30, 1)
	require.NoError(t, c.Enqueue(low))
	require.NoError(t, c.Enqueue(cachedFrame(dest, 120, 2)))
	require.NoError(t, c.Enqueue(cachedFrame(dest, 120, 3)))

	// At cap: a higher-priority arrival displaces the background one.
	urgent := cachedFrame(dest, 220, 4)
	require.NoError(t, c.Enqueue(urgent))
	require.Equal(t, 3, c.Len())
	for _, f := range c.RetrieveCached(dest, 10) {
		require.NotEqual(t, low.MessageID, f.MessageID)
	}

	// Nothing outranked by another background frame: rejected.
	require.ErrorIs(t, c.Enqueue(cachedFrame(dest, 10, 5)), router.ErrCacheFull)
}

func TestOfflineRetentionByPriority(t *testing.T) {
	clk := clock.NewMock()
	c := newCache(t, clk, router.OfflineOptions{})

	high := cachedFrame(srcID(5), 180, 1)     // 14 days
	normal := cachedFrame(srcID(6), 128, 2)   // 7 days
	background := cachedFrame(srcID(7), 8, 3) // 1 day
	require.NoError(t, c.Enqueue(high))
	require.NoError(t, c.Enqueue(normal))
	require.NoError(t, c.Enqueue(background))

	clk.Add(2 * 24 * time.Hour)
	c.ExpireSweep()
	require.Len(t, c.RetrieveCached(srcID(7), 10), 0, "background expired after a day")
	require.Len(t, c.RetrieveCached(srcID(6), 10), 1)

	clk.Add(6 * 24 * time.Hour)
	c.ExpireSweep()
	require.Len(t, c.RetrieveCached(srcID(6), 10), 0, "normal expired after a week")
	require.Len(t, c.RetrieveCached(srcID(5), 10), 1, "high still retained")

	clk.Add(7 * 24 * time.Hour)
	dead := c.ExpireSweep()
	require.Len(t, dead, 1)
	require.Equal(t, 0, c.Len())
}

func TestOfflineDueBackoff(t *testing.T) {
	clk := clock.NewMock()
	c := newCache(t, clk, router.OfflineOptions{MaxAttempts: 2, RetryBase: time.Minute})
	require.NoError(t, c.Enqueue(cachedFrame(srcID(8), 128, 1)))

	require.Len(t, c.Due(), 1, "first attempt immediate")
	require.Empty(t, c.Due(), "second attempt throttled by backoff")

	clk.Add(2 * time.Minute)
	require.Len(t, c.Due(), 1)

	clk.Add(time.Hour)
	require.Empty(t, c.Due(), "attempts exhausted")
	require.Len(t, c.ExpireSweep(), 1, "exhausted entry swept")
}

func TestOfflineJournalReplay(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())
	path := filepath.Join(t.TempDir(), "offline.jsonl")
	dest := srcID(9)

	c := newCache(t, clk, router.OfflineOptions{JournalPath: path})
	f1 := cachedFrame(dest, 128, 1)
	f2 := cachedFrame(dest, 128, 2)
	require.NoError(t, c.Enqueue(f1))
	require.NoError(t, c.Enqueue(f2))
	c.MarkDelivered([]frame.MessageID{f1.MessageID})

	reopened := newCache(t, clk, router.OfflineOptions{JournalPath: path})
	require.Equal(t, 1, reopened.Len())
	got := reopened.RetrieveCached(dest, 10)
	require.Len(t, got, 1)
	require.Equal(t, f2.MessageID, got[0].MessageID)
	require.Equal(t, f2.Payload, got[0].Payload)
}

func TestOfflineCompact(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())
	path := filepath.Join(t.TempDir(), "offline.jsonl")
	dest := srcID(10)

	c := newCache(t, clk, router.OfflineOptions{JournalPath: path})
	for i := byte(0); i < 4; i++ {
		require.NoError(t, c.Enqueue(cachedFrame(dest, 128, i)))
	}
	live := c.RetrieveCached(dest, 10)
	c.MarkDelivered([]frame.MessageID{live[0].MessageID, live[1].MessageID})
	require.NoError(t, c.Compact())

	reopened := newCache(t, clk, router.OfflineOptions{JournalPath: path})
	require.Equal(t, 2, reopened.Len())
}
