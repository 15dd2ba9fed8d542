package render

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ats-tailor/internal/types"
)

// ErrPlacementMismatch 放置信息与内容块不一一对应
var ErrPlacementMismatch = errors.New("放置信息与内容块不一致")

// Renderer 把内容块按放置信息渲染为文档。调用方保证每个块都有放置信息，反之亦然
type Renderer interface {
	Render(ctx context.Context, blocks []types.ContentBlock, placement types.Placement, templateName string) ([]byte, error)
}

// CheckPlacement 校验 blocks 与 placement 的覆盖关系
func CheckPlacement(blocks []types.ContentBlock, placement types.Placement) error {
	seen := make(map[string]bool, len(blocks))
	var unplaced []string
	for _, b := range blocks {
		seen[b.ID] = true
		if _, ok := placement[b.ID]; !ok {
			unplaced = append(unplaced, b.ID)
		}
	}
	var unknown []string
	for id := range placement {
		if !seen[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unplaced) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: 未放置 %v，多余 %v", ErrPlacementMismatch, unplaced, unknown)
}
