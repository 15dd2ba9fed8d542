package types

// Section 渲染区域
type Section string

const (
	SectionHeader  Section = "header"
	SectionMain    Section = "main"
	SectionSidebar Section = "sidebar"
	SectionFooter  Section = "footer"
)

// SectionOrder 布局转换时遍历区域的固定顺序
var SectionOrder = []Section{SectionHeader, SectionMain, SectionSidebar, SectionFooter}

// Layout 各区域中的块ID，数组顺序即区域内顺序
type Layout struct {
	Header  []string `json:"header"`
	Main    []string `json:"main"`
	Sidebar []string `json:"sidebar,omitempty"`
	Footer  []string `json:"footer,omitempty"`
}

// IDsIn 返回指定区域的块ID
func (l Layout) IDsIn(section Section) []string {
	switch section {
	case SectionHeader:
		return l.Header
	case SectionMain:
		return l.Main
	case SectionSidebar:
		return l.Sidebar
	case SectionFooter:
		return l.Footer
	}
	return nil
}

// AllIDs 按区域固定顺序展开全部块ID，保留重复项
func (l Layout) AllIDs() []string {
	var ids []string
	for _, s := range SectionOrder {
		ids = append(ids, l.IDsIn(s)...)
	}
	return ids
}

// LayoutDecision 布局决策
type LayoutDecision struct {
	Layout    Layout `json:"layout"`
	Reasoning string `json:"reasoning"`
}

// BlockPlacement 单个块的渲染位置
type BlockPlacement struct {
	Section  Section `json:"section"`
	Order    int     `json:"order"`
	FontSize float64 `json:"fontSize"`
}

// Placement 块ID到渲染位置的映射
type Placement map[string]BlockPlacement
