package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"ats-tailor/internal/render"
	"ats-tailor/internal/types"
)

// 完整性告警代码
const (
	WarnEmptyExtraction       = "empty_extraction"
	WarnMissingCategory       = "missing_category"
	WarnRawPriority           = "raw_priority_present"
	WarnBlockCountMismatch    = "block_count_mismatch"
	WarnBlockMissing          = "block_missing"
	WarnUnexpectedBlock       = "unexpected_block"
	WarnCategoryChanged       = "category_changed"
	WarnItemCountMismatch     = "item_count_mismatch"
	WarnMissingPriority       = "missing_priority"
	WarnPriorityOutOfRange    = "priority_out_of_range"
	WarnScoreComponentClamped = "score_component_clamped"
	WarnScoreSumMismatch      = "score_sum_mismatch"
	WarnLayoutMissingBlocks   = "layout_missing_blocks"
	WarnLayoutDuplicateBlocks = "layout_duplicate_blocks"
	WarnLayoutUnknownBlocks   = "layout_unknown_blocks"
	WarnSidebarSingleColumn   = "sidebar_on_single_column"
)

// sectionKeywords 原文中出现这些关键词时，期望抽取出对应类别的块。只产生告警
var sectionKeywords = map[types.Category][]string{
	types.CategorySummary:        {"summary", "objective", "profile"},
	types.CategoryExperience:     {"experience", "employment", "work history"},
	types.CategoryEducation:      {"education", "degree", "university"},
	types.CategorySkills:         {"skill"},
	types.CategoryCertifications: {"certification", "certificate"},
	types.CategoryProjects:       {"project"},
	types.CategoryAwards:         {"award", "honor"},
	types.CategoryPublications:   {"publication"},
	types.CategoryVolunteer:      {"volunteer"},
	types.CategoryLanguages:      {"languages"},
}

// checkUniqueIDs 块ID必须非空且唯一，否则后续阶段无法对齐
func checkUniqueIDs(stage Stage, blocks []types.ContentBlock) error {
	seen := make(map[string]bool, len(blocks))
	var violations []string
	for i, b := range blocks {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			violations = append(violations, fmt.Sprintf("/blocks/%d/id: 为空", i))
			continue
		}
		if seen[id] {
			violations = append(violations, fmt.Sprintf("/blocks/%d/id: 重复的块ID %q", i, id))
		}
		seen[id] = true
	}
	if len(violations) > 0 {
		return &ValidationError{Stage: stage, Violations: violations}
	}
	return nil
}

// ValidateExtraction 检查原始抽取结果。关键词启发式只产生告警，不改变流程
func ValidateExtraction(resumeText string, raw *types.RawExtractedBlocks) ([]types.Warning, error) {
	if err := checkUniqueIDs(StageExtraction, raw.Blocks); err != nil {
		return nil, err
	}

	var warnings []types.Warning
	var withPriority []string
	for i := range raw.Blocks {
		if raw.Blocks[i].Priority != nil {
			withPriority = append(withPriority, raw.Blocks[i].ID)
			raw.Blocks[i].Priority = nil
		}
	}
	if len(withPriority) > 0 {
		warnings = append(warnings, types.Warning{
			Code:     WarnRawPriority,
			Severity: types.SeverityLow,
			Stage:    string(StageExtraction),
			Detail:   "原始抽取结果不应包含 priority，已移除",
			BlockIDs: withPriority,
		})
	}

	lower := strings.ToLower(resumeText)
	var absent []string
	for _, category := range types.AllCategories {
		keywords, ok := sectionKeywords[category]
		if !ok || !containsAny(lower, keywords) {
			continue
		}
		if len(types.BlocksByCategory(raw.Blocks, category)) == 0 {
			absent = append(absent, string(category))
		}
	}
	if len(absent) == 0 {
		return warnings, nil
	}

	if len(raw.Blocks) == 0 {
		return append(warnings, types.Warning{
			Code:     WarnEmptyExtraction,
			Severity: types.SeverityHigh,
			Stage:    string(StageExtraction),
			Detail:   fmt.Sprintf("未抽取到任何内容块，但原文中出现了以下章节关键词: %s", strings.Join(absent, ", ")),
		}), nil
	}
	for _, category := range absent {
		warnings = append(warnings, types.Warning{
			Code:     WarnMissingCategory,
			Severity: types.SeverityMedium,
			Stage:    string(StageExtraction),
			Detail:   fmt.Sprintf("原文似乎包含 %s 章节，但没有抽取到该类别的块", category),
		})
	}
	return warnings, nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// ValidateTailoring 检查块数一致、ID保留、子条目数量一致以及 priority。违规记为告警
func ValidateTailoring(raw types.RawExtractedBlocks, tailored types.TailoredBlocks) ([]types.Warning, error) {
	if err := checkUniqueIDs(StageTailoring, tailored.Blocks); err != nil {
		return nil, err
	}

	stage := string(StageTailoring)
	var warnings []types.Warning
	if len(tailored.Blocks) != len(raw.Blocks) {
		warnings = append(warnings, types.Warning{
			Code:     WarnBlockCountMismatch,
			Severity: types.SeverityHigh,
			Stage:    stage,
			Detail:   fmt.Sprintf("定制后块数 %d 与原始块数 %d 不一致", len(tailored.Blocks), len(raw.Blocks)),
		})
	}

	tailoredByID := make(map[string]types.ContentBlock, len(tailored.Blocks))
	for _, b := range tailored.Blocks {
		tailoredByID[b.ID] = b
	}
	rawIDs := make(map[string]bool, len(raw.Blocks))

	var missing, categoryChanged, countChanged []string
	var details []string
	for _, rb := range raw.Blocks {
		rawIDs[rb.ID] = true
		tb, ok := tailoredByID[rb.ID]
		if !ok {
			missing = append(missing, rb.ID)
			continue
		}
		if tb.Category != rb.Category {
			categoryChanged = append(categoryChanged, rb.ID)
		}
		if want, got := rb.Content.SubItemCount(), tb.Content.SubItemCount(); want != got {
			countChanged = append(countChanged, rb.ID)
			details = append(details, fmt.Sprintf("%s: %d -> %d", rb.ID, want, got))
		}
	}

	var unexpected, noPriority, outOfRange []string
	for _, tb := range tailored.Blocks {
		if !rawIDs[tb.ID] {
			unexpected = append(unexpected, tb.ID)
		}
		switch {
		case tb.Priority == nil:
			noPriority = append(noPriority, tb.ID)
		case !tb.HasPriority():
			outOfRange = append(outOfRange, tb.ID)
		}
	}

	add := func(code string, sev types.Severity, detail string, ids []string) {
		if len(ids) == 0 {
			return
		}
		warnings = append(warnings, types.Warning{Code: code, Severity: sev, Stage: stage, Detail: detail, BlockIDs: ids})
	}
	add(WarnBlockMissing, types.SeverityHigh, "定制结果缺少原始块", missing)
	add(WarnUnexpectedBlock, types.SeverityMedium, "定制结果出现原始抽取中不存在的块", unexpected)
	add(WarnCategoryChanged, types.SeverityMedium, "块类别在定制中被改变", categoryChanged)
	add(WarnItemCountMismatch, types.SeverityMedium, "子条目数量变化: "+strings.Join(details, ", "), countChanged)
	add(WarnMissingPriority, types.SeverityMedium, "定制块缺少 priority", noPriority)
	add(WarnPriorityOutOfRange, types.SeverityMedium, "priority 超出 1-10 范围", outOfRange)
	return warnings, nil
}

// NormalizeFitScore 分项超过上限时截断，总分与分项之和不一致时以分项之和为准
func NormalizeFitScore(fs *types.FitScore) []types.Warning {
	stage := string(StageScoring)
	var warnings []types.Warning

	clamp := func(name string, v *int, max int) {
		if *v > max {
			warnings = append(warnings, types.Warning{
				Code:     WarnScoreComponentClamped,
				Severity: types.SeverityMedium,
				Stage:    stage,
				Detail:   fmt.Sprintf("%s 分项 %d 超过上限 %d，已截断", name, *v, max),
			})
			*v = max
		}
	}
	clamp("keywords", &fs.Breakdown.Keywords, types.MaxKeywordsScore)
	clamp("experience", &fs.Breakdown.Experience, types.MaxExperienceScore)
	clamp("qualifications", &fs.Breakdown.Qualifications, types.MaxQualificationsScore)

	if sum := fs.Breakdown.Sum(); sum != fs.Score {
		warnings = append(warnings, types.Warning{
			Code:     WarnScoreSumMismatch,
			Severity: types.SeverityMedium,
			Stage:    stage,
			Detail:   fmt.Sprintf("总分 %d 与分项之和 %d 不一致，采用分项之和", fs.Score, sum),
		})
		fs.Score = sum
	}
	return warnings
}

// CoverageReport 布局覆盖检查结果
type CoverageReport struct {
	Missing    []string // 未被放置的块
	Duplicated []string // 出现多次的块
	Unknown    []string // 布局中出现但不存在的块
}

// OK 每个块恰好出现一次且没有未知ID
func (r CoverageReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Duplicated) == 0 && len(r.Unknown) == 0
}

// CheckCoverage 比较布局各区域的ID多重集合与块ID集合
func CheckCoverage(blocks []types.ContentBlock, layout types.Layout) CoverageReport {
	known := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		known[b.ID] = true
	}

	counts := make(map[string]int)
	var report CoverageReport
	for _, id := range layout.AllIDs() {
		counts[id]++
		if counts[id] == 2 {
			report.Duplicated = append(report.Duplicated, id)
		}
		if !known[id] && counts[id] == 1 {
			report.Unknown = append(report.Unknown, id)
		}
	}
	for _, b := range blocks {
		if counts[b.ID] == 0 {
			report.Missing = append(report.Missing, b.ID)
		}
	}
	sort.Strings(report.Duplicated)
	sort.Strings(report.Unknown)
	return report
}

// LayoutWarnings 把覆盖问题转换为告警；缺失块是严重缺陷，但不会在这里补位
func LayoutWarnings(report CoverageReport, layout types.Layout, tc render.TemplateConstraints) []types.Warning {
	stage := string(StageLayout)
	var warnings []types.Warning
	if len(report.Missing) > 0 {
		warnings = append(warnings, types.Warning{
			Code:     WarnLayoutMissingBlocks,
			Severity: types.SeverityCritical,
			Stage:    stage,
			Detail:   fmt.Sprintf("布局遗漏了 %d 个块", len(report.Missing)),
			BlockIDs: report.Missing,
		})
	}
	if len(report.Duplicated) > 0 {
		warnings = append(warnings, types.Warning{
			Code:     WarnLayoutDuplicateBlocks,
			Severity: types.SeverityHigh,
			Stage:    stage,
			Detail:   "同一块在布局中出现多次",
			BlockIDs: report.Duplicated,
		})
	}
	if len(report.Unknown) > 0 {
		warnings = append(warnings, types.Warning{
			Code:     WarnLayoutUnknownBlocks,
			Severity: types.SeverityHigh,
			Stage:    stage,
			Detail:   "布局引用了不存在的块",
			BlockIDs: report.Unknown,
		})
	}
	if !tc.HasSidebar() && len(layout.Sidebar) > 0 {
		warnings = append(warnings, types.Warning{
			Code:     WarnSidebarSingleColumn,
			Severity: types.SeverityMedium,
			Stage:    stage,
			Detail:   fmt.Sprintf("模板 %s 为单栏，侧栏中的块将按主栏处理", tc.Name),
			BlockIDs: layout.Sidebar,
		})
	}
	return warnings
}
