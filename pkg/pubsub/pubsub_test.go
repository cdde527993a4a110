package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	t.Run("delivers to every subscriber of the topic", func(t *testing.T) {
		b := New[int](nil)
		var a, c []int

		_, err := b.Subscribe(TopicProvenanceRecovered, func(_ string, m int) { a = append(a, m) })
		require.NoError(t, err)
		_, err = b.Subscribe(TopicProvenanceRecovered, func(_ string, m int) { c = append(c, m) })
		require.NoError(t, err)
		_, err = b.Subscribe(TopicDataOutdated, func(_ string, m int) { t.Fatal("wrong topic") })
		require.NoError(t, err)

		assert.Equal(t, 2, b.Publish(TopicProvenanceRecovered, 7))
		assert.Equal(t, []int{7}, a)
		assert.Equal(t, []int{7}, c)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		b := New[string](nil)
		got := 0
		unsubscribe, err := b.Subscribe("t", func(string, string) { got++ })
		require.NoError(t, err)

		b.Publish("t", "x")
		unsubscribe()
		unsubscribe()
		b.Publish("t", "x")

		assert.Equal(t, 1, got)
		assert.Equal(t, 0, b.Subscribers("t"))
	})

	t.Run("panicking handler does not stop delivery", func(t *testing.T) {
		b := New[int](nil)
		got := 0
		_, _ = b.Subscribe("t", func(string, int) { panic("boom") })
		_, _ = b.Subscribe("t", func(string, int) { got++ })

		assert.Equal(t, 1, b.Publish("t", 1))
		assert.Equal(t, 1, got)
	})

	t.Run("validation", func(t *testing.T) {
		b := New[int](nil)
		_, err := b.Subscribe("", func(string, int) {})
		assert.Error(t, err)
		_, err = b.Subscribe("t", nil)
		assert.Error(t, err)

		var nilBus *Bus[int]
		assert.Equal(t, 0, nilBus.Publish("t", 1))
	})
}
