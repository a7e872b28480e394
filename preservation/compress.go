package preservation

import (
	"sort"

	"github.com/BaSui01/agentrelay/types"
)

// RankBlocks 按 (importanceScore desc, createdAt desc) 排序，分数差在 window 内视为相同。
//
// 分组以组内最高分为锚点：从锚点向下 window 范围内的块归为一组，组内按时间倒序。
// 下一组以第一个超出范围的块为新锚点。结果与输入顺序无关。
func RankBlocks(blocks []types.MemoryBlock, window float64) []types.MemoryBlock {
	out := make([]types.MemoryBlock, len(blocks))
	copy(out, blocks)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if window <= 0 {
		return out
	}

	for start := 0; start < len(out); {
		anchor := out[start].ImportanceScore
		end := start + 1
		for end < len(out) && anchor-out[end].ImportanceScore <= window {
			end++
		}
		group := out[start:end]
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.After(group[j].CreatedAt)
			}
			if group[i].ImportanceScore != group[j].ImportanceScore {
				return group[i].ImportanceScore > group[j].ImportanceScore
			}
			return group[i].ID < group[j].ID
		})
		start = end
	}
	return out
}

// Compression 压缩结果
type Compression struct {
	Blocks     []types.MemoryBlock
	SizeBytes  int64
	Total      int
	Compressed bool
	// Ratio = len(Blocks) / Total，未压缩或没有块时为 1
	Ratio float64
}

// Compress 在 budget 字节内选择保留的块。
//
// 总大小不超过 budget 时全部保留。否则保留所有 importanceScore >= threshold 的块
// （即使它们本身已超出预算），剩余预算按创建时间从新到旧填充其它块，
// 遇到第一个放不下的块即停止。保留块维持 ranked 中的相对顺序。
func Compress(ranked []types.MemoryBlock, budget int64, threshold float64) Compression {
	var total int64
	for _, b := range ranked {
		total += b.SizeBytes()
	}
	if budget <= 0 || total <= budget {
		blocks := make([]types.MemoryBlock, len(ranked))
		copy(blocks, ranked)
		return Compression{Blocks: blocks, SizeBytes: total, Total: len(ranked), Ratio: 1}
	}

	keep := make([]bool, len(ranked))
	var used int64
	var rest []int
	for i, b := range ranked {
		if b.ImportanceScore >= threshold {
			keep[i] = true
			used += b.SizeBytes()
			continue
		}
		rest = append(rest, i)
	}

	sort.SliceStable(rest, func(i, j int) bool {
		return ranked[rest[i]].CreatedAt.After(ranked[rest[j]].CreatedAt)
	})
	for _, i := range rest {
		size := ranked[i].SizeBytes()
		if used+size > budget {
			break
		}
		keep[i] = true
		used += size
	}

	kept := make([]types.MemoryBlock, 0, len(ranked))
	for i, b := range ranked {
		if keep[i] {
			kept = append(kept, b)
		}
	}

	return Compression{
		Blocks:     kept,
		SizeBytes:  used,
		Total:      len(ranked),
		Compressed: len(kept) < len(ranked),
		Ratio:      float64(len(kept)) / float64(len(ranked)),
	}
}
