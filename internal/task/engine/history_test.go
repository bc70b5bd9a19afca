package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func keys(items []HistoryItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()

	h := newHistory(3)
	require.Empty(t, h.items())
	for i := 0; i < 5; i++ {
		h.add(HistoryItem{Key: fmt.Sprintf("k%d", i)})
	}
	require.Equal(t, []string{"k2", "k3", "k4"}, keys(h.items()))

	h.resize(2)
	require.Equal(t, []string{"k3", "k4"}, keys(h.items()))
	h.add(HistoryItem{Key: "k5"})
	require.Equal(t, []string{"k4", "k5"}, keys(h.items()))

	h.resize(4)
	h.add(HistoryItem{Key: "k6"})
	require.Equal(t, []string{"k4", "k5", "k6"}, keys(h.items()))

	h.resize(0)
	h.add(HistoryItem{Key: "k7"})
	require.Empty(t, h.items())
}
