package render

import (
	"errors"
	"fmt"

	"ats-tailor/internal/types"
)

// ErrUnknownTemplate 模板名不在 A/B/C 之内
var ErrUnknownTemplate = errors.New("未知模板")

// TemplateConstraints 模板排版约束，布局阶段和渲染器共用
type TemplateConstraints struct {
	Name               string  `json:"name"`
	Columns            int     `json:"columns"`
	BodyFontSize       float64 `json:"bodyFontSize"`
	HeadingFontSize    float64 `json:"headingFontSize"`
	HeaderFontSize     float64 `json:"headerFontSize"`
	MaxLinesPerSection int     `json:"maxLinesPerSection"`
}

var templates = map[string]TemplateConstraints{
	"A": {Name: "A", Columns: 1, BodyFontSize: 10.5, HeadingFontSize: 13, HeaderFontSize: 14, MaxLinesPerSection: 12},
	"B": {Name: "B", Columns: 2, BodyFontSize: 10, HeadingFontSize: 12, HeaderFontSize: 12, MaxLinesPerSection: 10},
	"C": {Name: "C", Columns: 2, BodyFontSize: 10, HeadingFontSize: 14, HeaderFontSize: 14, MaxLinesPerSection: 14},
}

// Constraints 查询模板约束
func Constraints(name string) (TemplateConstraints, error) {
	c, ok := templates[name]
	if !ok {
		return TemplateConstraints{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return c, nil
}

// HasSidebar 双栏模板才有侧栏
func (c TemplateConstraints) HasSidebar() bool {
	return c.Columns > 1
}

// FontSizeFor 区域字号：页眉使用模板的页眉字号，其余区域使用正文字号
func (c TemplateConstraints) FontSizeFor(section types.Section) float64 {
	if section == types.SectionHeader {
		return c.HeaderFontSize
	}
	return c.BodyFontSize
}
