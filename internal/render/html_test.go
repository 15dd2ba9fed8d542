package render

import (
	"strings"
	"testing"

	"ats-tailor/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBlocks() []types.ContentBlock {
	return []types.ContentBlock{
		{ID: "contact-1", Category: types.CategoryContact, Content: types.BlockContent{Items: []string{"Jane Doe", "jane@example.com"}}, Priority: types.IntPtr(10)},
		{ID: "exp-1", Category: types.CategoryExperience, Content: types.BlockContent{Fields: map[string]any{
			"title":     "Senior Engineer",
			"company":   "Acme",
			"startDate": "2020",
			"endDate":   "2024",
			"team":      "Payments",
			"bullets":   []any{"Built <ledger> service", "Cut p99 by 40%"},
		}}, Priority: types.IntPtr(9)},
		{ID: "exp-2", Category: types.CategoryExperience, Content: types.BlockContent{Fields: map[string]any{
			"title":   "Engineer",
			"company": "Initech",
		}}, Priority: types.IntPtr(3)},
		{ID: "skills-1", Category: types.CategorySkills, Content: types.BlockContent{Items: []string{"Go", "MySQL"}}, Priority: types.IntPtr(8)},
		{ID: "int-1", Category: types.CategoryInterests, Content: types.BlockContent{Items: []string{"Chess"}}, Priority: types.IntPtr(1)},
	}
}

func samplePlacement(sidebar types.Section) types.Placement {
	return types.Placement{
		"contact-1": {Section: types.SectionHeader, Order: 0, FontSize: 12},
		"exp-2":     {Section: types.SectionMain, Order: 1, FontSize: 10},
		"exp-1":     {Section: types.SectionMain, Order: 2, FontSize: 10},
		"skills-1":  {Section: sidebar, Order: 3, FontSize: 10},
		"int-1":     {Section: types.SectionMain, Order: 4, FontSize: 10},
	}
}

func TestBuildHTMLRendersEveryBlockInOrder(t *testing.T) {
	html, err := BuildHTML(sampleBlocks(), samplePlacement(types.SectionSidebar), "B")
	require.NoError(t, err)

	for _, id := range []string{"contact-1", "exp-1", "exp-2", "skills-1", "int-1"} {
		assert.Contains(t, html, `id="`+id+`"`)
	}
	// Order 小的先出现，不看优先级
	assert.Less(t, strings.Index(html, `id="exp-2"`), strings.Index(html, `id="exp-1"`))
	assert.Less(t, strings.Index(html, `id="exp-1"`), strings.Index(html, `id="int-1"`))
	assert.Contains(t, html, `class="columns"`)
	assert.Contains(t, html, `class="sidebar"`)

	assert.Contains(t, html, "Senior Engineer")
	assert.Contains(t, html, "2020 · 2024")
	assert.Contains(t, html, "team: Payments")
	assert.Contains(t, html, "Built &lt;ledger&gt; service")
	assert.Contains(t, html, "Go | MySQL")
	assert.Equal(t, 1, strings.Count(html, "<h2>Experience</h2>"), "连续同类块只出一个标题")
}

func TestBuildHTMLSingleColumn(t *testing.T) {
	html, err := BuildHTML(sampleBlocks(), samplePlacement(types.SectionMain), "A")
	require.NoError(t, err)
	assert.NotContains(t, html, `class="columns"`)
	assert.Contains(t, html, `id="skills-1"`)
	assert.Contains(t, html, "font-size: 10.5pt")
}

func TestBuildHTMLRejectsMismatch(t *testing.T) {
	placement := samplePlacement(types.SectionSidebar)
	delete(placement, "int-1")
	_, err := BuildHTML(sampleBlocks(), placement, "B")
	assert.ErrorIs(t, err, ErrPlacementMismatch)

	placement = samplePlacement(types.SectionSidebar)
	placement["ghost"] = types.BlockPlacement{Section: types.SectionMain, Order: 9}
	_, err = BuildHTML(sampleBlocks(), placement, "B")
	assert.ErrorIs(t, err, ErrPlacementMismatch)

	_, err = BuildHTML(sampleBlocks(), samplePlacement(types.SectionSidebar), "Z")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestCheckPlacement(t *testing.T) {
	assert.NoError(t, CheckPlacement(nil, types.Placement{}))
	assert.NoError(t, CheckPlacement(sampleBlocks(), samplePlacement(types.SectionMain)))
}
