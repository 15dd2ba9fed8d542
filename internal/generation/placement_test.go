package generation

import (
	"testing"

	"ats-tailor/internal/render"
	"ats-tailor/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blocksWithIDs(ids ...string) []types.ContentBlock {
	out := make([]types.ContentBlock, 0, len(ids))
	for i, id := range ids {
		out = append(out, types.ContentBlock{
			ID:       id,
			Category: types.CategorySummary,
			Content:  types.BlockContent{Items: []string{id}},
			Priority: types.IntPtr(10 - i%10),
		})
	}
	return out
}

func constraints(t *testing.T, name string) render.TemplateConstraints {
	t.Helper()
	tc, err := render.Constraints(name)
	require.NoError(t, err)
	return tc
}

func TestBuildPlacementOrderAcrossSections(t *testing.T) {
	decision := types.LayoutDecision{Layout: types.Layout{
		Header:  []string{"contact"},
		Main:    []string{"summary", "exp-1", "exp-2"},
		Sidebar: []string{"skills"},
		Footer:  []string{"interests", "awards"},
	}}
	blocks := blocksWithIDs("exp-2", "awards", "skills", "contact", "interests", "exp-1", "summary")

	placement, report := BuildPlacement(decision, blocks, constraints(t, "B"))
	assert.True(t, report.Clean())
	require.Len(t, placement, 7)

	want := []struct {
		id      string
		section types.Section
		order   int
	}{
		{"contact", types.SectionHeader, 0},
		{"summary", types.SectionMain, 1},
		{"exp-1", types.SectionMain, 2},
		{"exp-2", types.SectionMain, 3},
		{"skills", types.SectionSidebar, 4},
		{"interests", types.SectionMain, 5},
		{"awards", types.SectionMain, 6},
	}
	for _, w := range want {
		p := placement[w.id]
		assert.Equal(t, w.section, p.Section, w.id)
		assert.Equal(t, w.order, p.Order, w.id)
	}
	for _, p := range placement {
		assert.NotEqual(t, types.SectionFooter, p.Section)
	}
	assert.Equal(t, 12.0, placement["contact"].FontSize)
	assert.Equal(t, 10.0, placement["skills"].FontSize)
}

func TestBuildPlacementSingleColumnFoldsSidebar(t *testing.T) {
	decision := types.LayoutDecision{Layout: types.Layout{
		Header:  []string{"contact"},
		Main:    []string{"summary"},
		Sidebar: []string{"skills"},
	}}
	placement, report := BuildPlacement(decision, blocksWithIDs("contact", "summary", "skills"), constraints(t, "A"))
	assert.True(t, report.Clean())
	assert.Equal(t, types.SectionMain, placement["skills"].Section)
	assert.Equal(t, 2, placement["skills"].Order)
	assert.Equal(t, 14.0, placement["contact"].FontSize)
	assert.Equal(t, 10.5, placement["skills"].FontSize)
}

func TestBuildPlacementRepairsCoverage(t *testing.T) {
	decision := types.LayoutDecision{Layout: types.Layout{
		Header: []string{"contact", "ghost"},
		Main:   []string{"summary", "contact"},
	}}
	blocks := blocksWithIDs("contact", "summary", "low-1", "low-2")

	placement, report := BuildPlacement(decision, blocks, constraints(t, "C"))
	assert.False(t, report.Clean())
	assert.Equal(t, []string{"ghost"}, report.Unknown)
	assert.Equal(t, []string{"contact"}, report.Duplicated)
	assert.Equal(t, []string{"low-1", "low-2"}, report.Unplaced)

	require.Len(t, placement, len(blocks), "每个块都必须有放置信息")
	assert.Equal(t, types.SectionHeader, placement["contact"].Section)
	assert.Equal(t, 0, placement["contact"].Order)
	assert.Equal(t, 1, placement["summary"].Order)
	assert.Equal(t, types.BlockPlacement{Section: types.SectionMain, Order: 2, FontSize: 10}, placement["low-1"])
	assert.Equal(t, 3, placement["low-2"].Order)
	_, ok := placement["ghost"]
	assert.False(t, ok)
	assert.NoError(t, render.CheckPlacement(blocks, placement))
}

func TestBuildPlacementEmpty(t *testing.T) {
	placement, report := BuildPlacement(types.LayoutDecision{}, nil, constraints(t, "A"))
	assert.Empty(t, placement)
	assert.True(t, report.Clean())
}
