package preservation

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func block(id string, score float64, age time.Duration, size int) types.MemoryBlock {
	return types.MemoryBlock{
		ID:              id,
		Content:         strings.Repeat("x", size),
		ImportanceScore: score,
		CreatedAt:       t0.Add(-age),
	}
}

func ids(blocks []types.MemoryBlock) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.ID
	}
	return out
}

func TestRankBlocks(t *testing.T) {
	blocks := []types.MemoryBlock{
		block("low", 0.40, time.Minute, 1),
		block("top-old", 0.95, time.Hour, 1),
		block("top-new", 0.90, time.Minute, 1),
		block("mid", 0.70, 2*time.Minute, 1),
	}

	t.Run("tie window orders by recency", func(t *testing.T) {
		ranked := RankBlocks(blocks, 0.1)
		assert.Equal(t, []string{"top-new", "top-old", "mid", "low"}, ids(ranked))
	})

	t.Run("zero window is strict score order", func(t *testing.T) {
		ranked := RankBlocks(blocks, 0)
		assert.Equal(t, []string{"top-old", "top-new", "mid", "low"}, ids(ranked))
	})

	t.Run("groups anchor on the highest score", func(t *testing.T) {
		chain := []types.MemoryBlock{
			block("a", 0.90, 3*time.Minute, 1),
			block("b", 0.82, 2*time.Minute, 1),
			block("c", 0.75, time.Minute, 1),
		}
		// c is within 0.1 of b but not of a, so it starts the next group.
		assert.Equal(t, []string{"b", "a", "c"}, ids(RankBlocks(chain, 0.1)))
	})

	t.Run("input is not mutated", func(t *testing.T) {
		in := []types.MemoryBlock{block("x", 0.1, 0, 1), block("y", 0.9, 0, 1)}
		_ = RankBlocks(in, 0.1)
		assert.Equal(t, "x", in[0].ID)
	})
}

func TestCompress(t *testing.T) {
	t.Run("fits budget", func(t *testing.T) {
		blocks := []types.MemoryBlock{block("a", 0.9, 0, 10), block("b", 0.1, 0, 10)}
		c := Compress(blocks, 100, 0.8)
		assert.False(t, c.Compressed)
		assert.Equal(t, 1.0, c.Ratio)
		assert.Equal(t, int64(20), c.SizeBytes)
		assert.Equal(t, []string{"a", "b"}, ids(c.Blocks))
	})

	t.Run("keeps important then most recent", func(t *testing.T) {
		ranked := RankBlocks([]types.MemoryBlock{
			block("imp-1", 0.95, time.Hour, 40),
			block("imp-2", 0.85, 2*time.Hour, 40),
			block("old", 0.50, 3*time.Hour, 10),
			block("newer", 0.30, time.Minute, 10),
			block("newest", 0.20, 0, 10),
			block("big", 0.60, 30*time.Second, 50),
		}, 0.1)

		c := Compress(ranked, 110, 0.8)
		assert.True(t, c.Compressed)
		// big is the second most recent but does not fit, so filling stops there.
		assert.ElementsMatch(t, []string{"imp-1", "imp-2", "newest"}, ids(c.Blocks))
		assert.Equal(t, int64(90), c.SizeBytes)
		assert.InDelta(t, 3.0/6.0, c.Ratio, 1e-9)
	})

	t.Run("important blocks kept even over budget", func(t *testing.T) {
		blocks := []types.MemoryBlock{
			block("a", 0.9, 0, 100),
			block("b", 0.8, 0, 100),
			block("c", 0.1, 0, 1),
		}
		c := Compress(blocks, 50, 0.8)
		assert.Equal(t, []string{"a", "b"}, ids(c.Blocks))
		assert.Equal(t, int64(200), c.SizeBytes)
	})

	t.Run("empty input", func(t *testing.T) {
		c := Compress(nil, 10, 0.8)
		assert.Empty(t, c.Blocks)
		assert.Equal(t, 1.0, c.Ratio)
	})
}

func TestProperty_CompressionInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const threshold = 0.8

	build := func(scores []float64, sizes []int) []types.MemoryBlock {
		blocks := make([]types.MemoryBlock, len(scores))
		for i, s := range scores {
			size := 1
			if len(sizes) > 0 {
				size = 1 + sizes[i%len(sizes)]
			}
			blocks[i] = block(fmt.Sprintf("b%03d", i), s, time.Duration(i)*time.Second, size)
		}
		return RankBlocks(blocks, 0.1)
	}

	properties.Property("important blocks are never dropped", prop.ForAll(
		func(scores []float64, sizes []int, budget int64) bool {
			c := Compress(build(scores, sizes), budget, threshold)
			kept := make(map[string]bool, len(c.Blocks))
			for _, b := range c.Blocks {
				kept[b.ID] = true
			}
			for i, s := range scores {
				if s >= threshold && !kept[fmt.Sprintf("b%03d", i)] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.IntRange(0, 200)),
		gen.Int64Range(1, 5000),
	))

	properties.Property("compression ratio never exceeds 1", prop.ForAll(
		func(scores []float64, sizes []int, budget int64) bool {
			c := Compress(build(scores, sizes), budget, threshold)
			return c.Ratio >= 0 && c.Ratio <= 1.0 && len(c.Blocks) <= len(scores)
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.IntRange(0, 200)),
		gen.Int64Range(1, 5000),
	))

	properties.Property("low importance blocks only use remaining budget", prop.ForAll(
		func(scores []float64, sizes []int, budget int64) bool {
			ranked := build(scores, sizes)
			c := Compress(ranked, budget, threshold)
			if !c.Compressed {
				return true
			}
			var important, low int64
			for _, b := range c.Blocks {
				if b.ImportanceScore >= threshold {
					important += b.SizeBytes()
				} else {
					low += b.SizeBytes()
				}
			}
			return low == 0 || important+low <= budget
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.IntRange(0, 200)),
		gen.Int64Range(1, 5000),
	))

	properties.TestingRun(t)
}
