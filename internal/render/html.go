package render

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"ats-tailor/internal/types"
)

// 类别标题
var categoryHeadings = map[types.Category]string{
	types.CategoryContact:        "Contact",
	types.CategorySummary:        "Summary",
	types.CategoryExperience:     "Experience",
	types.CategoryEducation:      "Education",
	types.CategorySkills:         "Skills",
	types.CategoryCertifications: "Certifications",
	types.CategoryProjects:       "Projects",
	types.CategoryAwards:         "Awards",
	types.CategoryPublications:   "Publications",
	types.CategoryVolunteer:      "Volunteer",
	types.CategoryLanguages:      "Languages",
	types.CategoryInterests:      "Interests",
}

// 列表形态下以行内方式展示的类别
var inlineCategories = map[types.Category]bool{
	types.CategoryContact:   true,
	types.CategorySkills:    true,
	types.CategoryLanguages: true,
	types.CategoryInterests: true,
}

// 对象形态中有专门位置的字段，其余字段按 key 排序追加
var (
	titleKeys    = []string{"title", "role", "position", "degree", "name"}
	subtitleKeys = []string{"company", "organization", "institution", "school", "issuer", "publisher"}
	metaKeys     = []string{"location", "startDate", "endDate", "date", "year"}
)

type fieldView struct {
	Key   string
	Value string
}

type blockView struct {
	ID       string
	Category string
	Heading  string // 与上一个块类别相同时为空
	FontSize float64
	Items    []string
	Inline   bool
	Title    string
	Subtitle string
	Meta     string
	Bullets  []string
	Extra    []fieldView
}

type documentView struct {
	Template  TemplateConstraints
	TwoColumn bool
	Header    []blockView
	Main      []blockView
	Sidebar   []blockView
}

var documentTemplate = template.Must(template.New("resume").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
@page { size: A4; margin: 14mm 12mm; }
body { font-family: "Helvetica Neue", Arial, sans-serif; font-size: {{.Template.BodyFontSize}}pt; color: #222; margin: 0; }
h2 { font-size: {{.Template.HeadingFontSize}}pt; margin: 10pt 0 4pt; border-bottom: 1px solid #999; text-transform: uppercase; }
.header { text-align: center; margin-bottom: 8pt; }
.columns { display: flex; gap: 14pt; }
.main { flex: 1 1 auto; }
.sidebar { flex: 0 0 32%; }
.block { margin-bottom: 6pt; }
.title { font-weight: bold; }
.subtitle { font-style: italic; }
.meta { color: #555; }
ul { margin: 2pt 0 0 14pt; padding: 0; }
</style>
</head>
<body>
{{define "block"}}{{if .Heading}}<h2>{{.Heading}}</h2>{{end}}
<div class="block {{.Category}}" id="{{.ID}}" style="font-size: {{.FontSize}}pt">
{{- if .Inline}}<p>{{range $i, $v := .Items}}{{if $i}} | {{end}}{{$v}}{{end}}</p>
{{- else if .Items}}<ul>{{range .Items}}<li>{{.}}</li>{{end}}</ul>
{{- else}}
{{- if .Title}}<div class="title">{{.Title}}</div>{{end}}
{{- if .Subtitle}}<div class="subtitle">{{.Subtitle}}</div>{{end}}
{{- if .Meta}}<div class="meta">{{.Meta}}</div>{{end}}
{{- range .Extra}}<div class="field">{{.Key}}: {{.Value}}</div>{{end}}
{{- if .Bullets}}<ul>{{range .Bullets}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{- end}}
</div>
{{end}}
<div class="header">{{range .Header}}{{template "block" .}}{{end}}</div>
{{if .TwoColumn}}<div class="columns">
<div class="main">{{range .Main}}{{template "block" .}}{{end}}</div>
<div class="sidebar">{{range .Sidebar}}{{template "block" .}}{{end}}</div>
</div>
{{else}}<div class="main">{{range .Main}}{{template "block" .}}{{end}}{{range .Sidebar}}{{template "block" .}}{{end}}</div>
{{end}}
</body>
</html>
`))

// BuildHTML 生成文档 HTML。每个区域内按 Order 升序排列，页脚并入主栏
func BuildHTML(blocks []types.ContentBlock, placement types.Placement, templateName string) (string, error) {
	tc, err := Constraints(templateName)
	if err != nil {
		return "", err
	}
	if err := CheckPlacement(blocks, placement); err != nil {
		return "", err
	}

	ordered := make([]types.ContentBlock, len(blocks))
	copy(ordered, blocks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return placement[ordered[i].ID].Order < placement[ordered[j].ID].Order
	})

	doc := documentView{Template: tc, TwoColumn: tc.HasSidebar()}
	for _, b := range ordered {
		p := placement[b.ID]
		switch p.Section {
		case types.SectionHeader:
			doc.Header = appendBlock(doc.Header, b, p)
		case types.SectionSidebar:
			doc.Sidebar = appendBlock(doc.Sidebar, b, p)
		default:
			doc.Main = appendBlock(doc.Main, b, p)
		}
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("生成HTML失败: %w", err)
	}
	return buf.String(), nil
}

func appendBlock(views []blockView, b types.ContentBlock, p types.BlockPlacement) []blockView {
	v := blockView{
		ID:       b.ID,
		Category: string(b.Category),
		FontSize: p.FontSize,
	}
	if len(views) == 0 || views[len(views)-1].Category != v.Category {
		v.Heading = headingFor(b.Category)
	}
	// 联系方式放在页眉时不需要标题
	if b.Category == types.CategoryContact && p.Section == types.SectionHeader {
		v.Heading = ""
	}

	if b.Content.IsList() {
		v.Items = b.Content.Items
		v.Inline = inlineCategories[b.Category]
		return append(views, v)
	}

	used := map[string]bool{}
	v.Title = firstField(b.Content, titleKeys, used)
	v.Subtitle = firstField(b.Content, subtitleKeys, used)
	v.Meta = joinFields(b.Content, metaKeys, used)
	v.Bullets = b.Content.Bullets()
	for _, k := range types.BulletKeys {
		if _, ok := b.Content.Fields[k].([]any); ok {
			used[k] = true
		}
	}
	var rest []string
	for k := range b.Content.Fields {
		if !used[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		if val := b.Content.Field(k); val != "" {
			v.Extra = append(v.Extra, fieldView{Key: k, Value: val})
		}
	}
	return append(views, v)
}

func headingFor(c types.Category) string {
	if h, ok := categoryHeadings[c]; ok {
		return h
	}
	return strings.ToUpper(string(c))
}

func firstField(c types.BlockContent, keys []string, used map[string]bool) string {
	for _, k := range keys {
		if s := c.Field(k); s != "" {
			used[k] = true
			return s
		}
	}
	return ""
}

func joinFields(c types.BlockContent, keys []string, used map[string]bool) string {
	var parts []string
	for _, k := range keys {
		if s := c.Field(k); s != "" {
			used[k] = true
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " · ")
}
