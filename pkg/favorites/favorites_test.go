package favorites

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/parcelsync/parcelsync.go/pkg/kvstore"
)

func TestToggleFavorite(t *testing.T) {
	s, err := New(kvstore.NewMemory())
	require.NoError(t, err)
	defer s.Close()

	var snaps []Snapshot
	s.Subscribe(func(snap Snapshot) { snaps = append(snaps, snap) })

	on, err := s.ToggleFavorite("p1")
	require.NoError(t, err)
	assert.True(t, on)
	_, err = s.ToggleFavorite("p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, s.Favorites())
	assert.True(t, s.IsFavorite("p1"))

	on, err = s.ToggleFavorite("p1")
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, []string{"p2"}, s.Favorites())

	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"p2"}, snaps[2].Favorites)
}

func TestMarkViewed(t *testing.T) {
	s, err := New(kvstore.NewMemory(), WithMaxRecent(3))
	require.NoError(t, err)
	defer s.Close()

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		require.NoError(t, s.MarkViewed(id))
	}
	assert.Equal(t, []string{"p4", "p3", "p2"}, s.RecentlyViewed())

	require.NoError(t, s.MarkViewed("p2"))
	assert.Equal(t, []string{"p2", "p4", "p3"}, s.RecentlyViewed())

	calls := 0
	s.Subscribe(func(Snapshot) { calls++ })
	require.NoError(t, s.MarkViewed("p2"))
	assert.Zero(t, calls, "viewing the most recent plot again changes nothing")
}

func TestDefaultMaxRecent(t *testing.T) {
	s, err := New(kvstore.NewMemory())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 15; i++ {
		require.NoError(t, s.MarkViewed(fmt.Sprintf("p%d", i)))
	}
	recent := s.RecentlyViewed()
	assert.Len(t, recent, DefaultMaxRecent)
	assert.Equal(t, "p14", recent[0])
}

func TestStatePersists(t *testing.T) {
	store := kvstore.NewMemory()
	first, err := New(store)
	require.NoError(t, err)
	_, err = first.ToggleFavorite("p1")
	require.NoError(t, err)
	require.NoError(t, first.MarkViewed("p9"))
	require.NoError(t, first.Close())

	second, err := New(store)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, Snapshot{Favorites: []string{"p1"}, RecentlyViewed: []string{"p9"}}, second.Snapshot())
}

func TestSessionsShareStore(t *testing.T) {
	store := kvstore.NewMemory()
	a, err := New(store)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(store)
	require.NoError(t, err)
	defer b.Close()

	var seen []Snapshot
	b.Subscribe(func(snap Snapshot) { seen = append(seen, snap) })

	_, err = a.ToggleFavorite("p3")
	require.NoError(t, err)

	assert.True(t, b.IsFavorite("p3"))
	require.Len(t, seen, 1)
	assert.Equal(t, []string{"p3"}, seen[0].Favorites)
}

func TestClose(t *testing.T) {
	s, err := New(kvstore.NewMemory())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.ToggleFavorite("p1")
	assert.ErrorIs(t, err, constants.ErrClosed)
	assert.ErrorIs(t, s.MarkViewed("p1"), constants.ErrClosed)
}
