package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"ats-tailor/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 各阶段输出的结构约束。这里只检查形状，语义层面的完整性检查在各阶段的校验函数中完成
var stageSchemas = map[Stage]*jsonschema.Schema{}

func init() {
	categories := make([]any, 0, len(types.AllCategories))
	for _, c := range types.AllCategories {
		categories = append(categories, string(c))
	}
	stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	block := map[string]any{
		"type":     "object",
		"required": []any{"id", "category", "content"},
		"properties": map[string]any{
			"id":       map[string]any{"type": "string", "minLength": 1},
			"category": map[string]any{"enum": categories},
			"content":  map[string]any{"type": []any{"array", "object", "string"}},
			"priority": map[string]any{"type": []any{"integer", "null"}},
		},
	}
	blocks := map[string]any{
		"type":     "object",
		"required": []any{"blocks"},
		"properties": map[string]any{
			"blocks":             map[string]any{"type": "array", "items": block},
			"detectedCategories": stringArray,
		},
	}
	nonNegativeInt := map[string]any{"type": "integer", "minimum": 0}

	defs := map[Stage]map[string]any{
		StageCompatibility: {
			"type":     "object",
			"required": []any{"overlapAreas", "gapAreas", "strategicFocus"},
			"properties": map[string]any{
				"overlapAreas":   stringArray,
				"gapAreas":       stringArray,
				"strategicFocus": stringArray,
			},
		},
		StageExtraction: blocks,
		StageTailoring:  blocks,
		StageScoring: {
			"type":     "object",
			"required": []any{"score", "breakdown"},
			"properties": map[string]any{
				"score": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
				"breakdown": map[string]any{
					"type":     "object",
					"required": []any{"keywords", "experience", "qualifications"},
					"properties": map[string]any{
						"keywords":       nonNegativeInt,
						"experience":     nonNegativeInt,
						"qualifications": nonNegativeInt,
					},
				},
				"reasoning": map[string]any{"type": "string"},
			},
		},
		StageGaps: {
			"type":     "object",
			"required": []any{"missingSkills"},
			"properties": map[string]any{
				"missingSkills": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":       "object",
						"required":   []any{"skill"},
						"properties": map[string]any{"skill": map[string]any{"type": "string", "minLength": 1}},
					},
				},
			},
		},
		StageRecommendations: {
			"type":     "object",
			"required": []any{"recommendations"},
			"properties": map[string]any{
				"recommendations": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []any{"title", "description"},
						"properties": map[string]any{
							"title":       map[string]any{"type": "string"},
							"description": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
		StageLayout: {
			"type":     "object",
			"required": []any{"layout"},
			"properties": map[string]any{
				"layout": map[string]any{
					"type":     "object",
					"required": []any{"header", "main"},
					"properties": map[string]any{
						"header":  stringArray,
						"main":    stringArray,
						"sidebar": map[string]any{"type": []any{"array", "null"}, "items": map[string]any{"type": "string"}},
						"footer":  map[string]any{"type": []any{"array", "null"}, "items": map[string]any{"type": "string"}},
					},
				},
				"reasoning": map[string]any{"type": "string"},
			},
		},
	}

	for stage, def := range defs {
		stageSchemas[stage] = mustCompileSchema(string(stage)+".json", def)
	}
}

func mustCompileSchema(name string, def map[string]any) *jsonschema.Schema {
	b, err := json.Marshal(def)
	if err != nil {
		panic(fmt.Sprintf("序列化 schema %s 失败: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		panic(fmt.Sprintf("加载 schema %s 失败: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("编译 schema %s 失败: %v", name, err))
	}
	return schema
}

// validateShape 按阶段 schema 校验原始 JSON，返回 ValidationError 列出所有违规位置
func validateShape(stage Stage, raw json.RawMessage) error {
	schema, ok := stageSchemas[stage]
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &ValidationError{Stage: stage, Violations: []string{err.Error()}}
	}
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Stage: stage, Violations: []string{err.Error()}}
	}
	return &ValidationError{Stage: stage, Violations: leafViolations(ve, nil)}
}

func leafViolations(ve *jsonschema.ValidationError, out []string) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return append(out, fmt.Sprintf("%s: %s", loc, ve.Message))
	}
	for _, c := range ve.Causes {
		out = leafViolations(c, out)
	}
	return out
}
