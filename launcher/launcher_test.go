package launcher

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

func TestArchiveWindowEnd(t *testing.T) {
	cutover := products.Day(20250115)

	// A whole interval fits before the cutover.
	closing, err := archiveWindowEnd(products.Day(20240101), 1, 0, cutover)
	require.NoError(t, err)
	require.Equal(t, products.Day(20240201), closing)

	// The interval overruns the cutover and is capped at the day before it.
	closing, err = archiveWindowEnd(products.Day(20250101), 1, 0, cutover)
	require.NoError(t, err)
	require.Equal(t, products.Day(20250114), closing)

	// Day-granular intervals move within the month.
	closing, err = archiveWindowEnd(products.Day(20240110), 0, 5, cutover)
	require.NoError(t, err)
	require.Equal(t, products.Day(20240115), closing)
}

func TestLostDispatch(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	none := map[uuid.UUID]struct{}{}
	seen := map[uuid.UUID]struct{}{id: {}}

	dispatched := func(age time.Duration, minutes int) store.DispatchedTask {
		return store.DispatchedTask{
			DispatchID:      id,
			DispatchDate:    now.Add(-age),
			DurationMinutes: minutes,
		}
	}

	// No exit code: lost only past three times the routine runtime.
	require.False(t, lostDispatch(dispatched(20*time.Minute, 10), seen, none, now))
	require.True(t, lostDispatch(dispatched(31*time.Minute, 10), seen, none, now))

	// Short routines are floored, so 3*7 minutes is the earliest sweep.
	require.False(t, lostDispatch(dispatched(20*time.Minute, 1), seen, none, now))
	require.True(t, lostDispatch(dispatched(22*time.Minute, 1), seen, none, now))

	// No callback at all: a flat hour of silence.
	require.False(t, lostDispatch(dispatched(59*time.Minute, 60), none, seen, now))
	require.True(t, lostDispatch(dispatched(61*time.Minute, 60), none, seen, now))

	// A dispatch that reported both is never swept.
	require.False(t, lostDispatch(dispatched(48*time.Hour, 10), seen, seen, now))
}

func TestWantsEventRoutesOnFlavour(t *testing.T) {
	l := Launcher{Flavour: products.FlavourEO1Large}

	require.True(t, l.wantsEvent(store.TaskEvent{ID: 7, Flavour: products.FlavourEO1Large}))
	require.False(t, l.wantsEvent(store.TaskEvent{ID: 7, Flavour: products.FlavourHMALarge}))
}

func TestClaimCollapsesConcurrentDispatches(t *testing.T) {
	var l Launcher

	require.True(t, l.claim(42))
	require.False(t, l.claim(42))
	require.True(t, l.claim(43))

	l.release(42)
	require.True(t, l.claim(42))
}
