package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Category 内容块类别，取值固定
type Category string

const (
	CategoryContact        Category = "contact"
	CategorySummary        Category = "summary"
	CategoryExperience     Category = "experience"
	CategoryEducation      Category = "education"
	CategorySkills         Category = "skills"
	CategoryCertifications Category = "certifications"
	CategoryProjects       Category = "projects"
	CategoryAwards         Category = "awards"
	CategoryPublications   Category = "publications"
	CategoryVolunteer      Category = "volunteer"
	CategoryLanguages      Category = "languages"
	CategoryInterests      Category = "interests"
)

// AllCategories 类别词表，顺序即提示词中的展示顺序
var AllCategories = []Category{
	CategoryContact, CategorySummary, CategoryExperience, CategoryEducation,
	CategorySkills, CategoryCertifications, CategoryProjects, CategoryAwards,
	CategoryPublications, CategoryVolunteer, CategoryLanguages, CategoryInterests,
}

// Valid 判断类别是否在词表内
func (c Category) Valid() bool {
	for _, v := range AllCategories {
		if v == c {
			return true
		}
	}
	return false
}

// BulletKeys 对象形态内容中被视为子条目列表的字段
var BulletKeys = []string{"bullets", "highlights", "items"}

// BlockContent 内容块载荷：要么是有序字符串列表，要么是单个对象，不会混用
type BlockContent struct {
	Items  []string       // 列表形态，例如 skills
	Fields map[string]any // 对象形态，例如 experience
}

// IsList 是否为列表形态
func (c BlockContent) IsList() bool {
	return c.Fields == nil
}

// SubItemCount 返回子条目数量：列表形态为元素个数，对象形态为 bullets 数量
func (c BlockContent) SubItemCount() int {
	if c.IsList() {
		return len(c.Items)
	}
	return len(c.Bullets())
}

// Bullets 返回对象形态中的要点列表
func (c BlockContent) Bullets() []string {
	for _, key := range BulletKeys {
		raw, ok := c.Fields[key]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(list))
		for _, v := range list {
			out = append(out, fmt.Sprint(v))
		}
		return out
	}
	return nil
}

// Field 读取对象形态中的字符串字段
func (c BlockContent) Field(name string) string {
	if c.Fields == nil {
		return ""
	}
	if v, ok := c.Fields[name]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// MarshalJSON 列表形态输出数组，对象形态输出对象
func (c BlockContent) MarshalJSON() ([]byte, error) {
	if c.IsList() {
		if c.Items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Items)
	}
	return json.Marshal(c.Fields)
}

// UnmarshalJSON 根据首字符判断形态；字符串会被当作单元素列表
func (c *BlockContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = BlockContent{Items: []string{}}
		return nil
	}
	switch trimmed[0] {
	case '[':
		var raw []any
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		items := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				items = append(items, s)
				continue
			}
			return fmt.Errorf("列表形态内容只能包含字符串，实际为 %T", v)
		}
		*c = BlockContent{Items: items}
	case '{':
		fields := map[string]any{}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		*c = BlockContent{Fields: fields}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = BlockContent{Items: []string{s}}
	default:
		return fmt.Errorf("不支持的内容形态: %s", string(trimmed[:1]))
	}
	return nil
}

// ContentBlock 独立的简历内容单元
type ContentBlock struct {
	ID       string       `json:"id"`
	Category Category     `json:"category"`
	Content  BlockContent `json:"content"`
	Priority *int         `json:"priority,omitempty"` // 原始块为空，定制块必填 1-10
}

// HasPriority 优先级是否存在且在 1-10 之间
func (b ContentBlock) HasPriority() bool {
	return b.Priority != nil && *b.Priority >= 1 && *b.Priority <= 10
}

// PriorityValue 返回优先级，缺失时为 0
func (b ContentBlock) PriorityValue() int {
	if b.Priority == nil {
		return 0
	}
	return *b.Priority
}

// IntPtr 便捷构造优先级
func IntPtr(v int) *int {
	return &v
}

// RawExtractedBlocks 原始抽取结果，块不带优先级
type RawExtractedBlocks struct {
	Blocks             []ContentBlock `json:"blocks"`
	DetectedCategories []string       `json:"detectedCategories"`
}

// TailoredBlocks 定制后的块，与原始块一一对应并带优先级
type TailoredBlocks struct {
	Blocks             []ContentBlock `json:"blocks"`
	DetectedCategories []string       `json:"detectedCategories,omitempty"`
}

// IDs 返回块ID列表，保持原顺序
func IDs(blocks []ContentBlock) []string {
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.ID)
	}
	return ids
}

// BlocksByCategory 过滤指定类别的块
func BlocksByCategory(blocks []ContentBlock, category Category) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Category == category {
			out = append(out, b)
		}
	}
	return out
}
