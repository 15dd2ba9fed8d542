package generation

import (
	"ats-tailor/internal/render"
	"ats-tailor/internal/types"
)

// PlacementReport 转换过程中发现的布局问题
type PlacementReport struct {
	Unplaced   []string `json:"unplaced,omitempty"`   // 布局未覆盖、被追加到主栏末尾的块
	Unknown    []string `json:"unknown,omitempty"`    // 布局中引用了不存在的块，已忽略
	Duplicated []string `json:"duplicated,omitempty"` // 布局中重复出现的块，保留第一次
}

// Clean 布局与块集合完全一致
func (r PlacementReport) Clean() bool {
	return len(r.Unplaced) == 0 && len(r.Unknown) == 0 && len(r.Duplicated) == 0
}

// BuildPlacement 把布局决策转换为扁平的放置信息。
// 区域按 header, main, sidebar, footer 遍历，区域内保持原顺序，Order 为跨区域递增的全局序号。
// footer 并入 main；单栏模板的 sidebar 也并入 main。布局遗漏的块追加到 main 末尾，保证每个块都被渲染。
func BuildPlacement(decision types.LayoutDecision, blocks []types.ContentBlock, tc render.TemplateConstraints) (types.Placement, PlacementReport) {
	known := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		known[b.ID] = true
	}

	placement := make(types.Placement, len(blocks))
	var report PlacementReport
	order := 0
	place := func(id string, section types.Section) {
		placement[id] = types.BlockPlacement{
			Section:  section,
			Order:    order,
			FontSize: tc.FontSizeFor(section),
		}
		order++
	}

	for _, section := range types.SectionOrder {
		target := targetSection(section, tc)
		for _, id := range decision.Layout.IDsIn(section) {
			if !known[id] {
				report.Unknown = append(report.Unknown, id)
				continue
			}
			if _, dup := placement[id]; dup {
				report.Duplicated = append(report.Duplicated, id)
				continue
			}
			place(id, target)
		}
	}

	for _, b := range blocks {
		if _, ok := placement[b.ID]; !ok {
			report.Unplaced = append(report.Unplaced, b.ID)
			place(b.ID, types.SectionMain)
		}
	}
	return placement, report
}

func targetSection(s types.Section, tc render.TemplateConstraints) types.Section {
	switch s {
	case types.SectionFooter:
		return types.SectionMain
	case types.SectionSidebar:
		if !tc.HasSidebar() {
			return types.SectionMain
		}
	}
	return s
}
