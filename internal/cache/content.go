// Package cache 实现两级生成缓存：一级按 (简历, 岗位) 保存定制内容，二级按 (内容, 模板) 保存渲染结果。
// 两级都是一次写入，MySQL 唯一键保证同一个 key 只有一行，Redis 只做热数据前置。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ats-tailor/internal/constants"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/metrics"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"
	"ats-tailor/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("ats-tailor/cache")

// 缓存层名称，用于指标
const (
	LayerContent = "content"
	LayerRender  = "render"
)

// HotCache Redis 前置层。Get 不存在时返回 storage.ErrNotFound
type HotCache interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
}

// ContentStore 一级缓存持久层
type ContentStore interface {
	FindContentCache(ctx context.Context, resumeID, jobID string) (*models.ContentCacheEntry, error)
	InsertContentCache(ctx context.Context, entry *models.ContentCacheEntry) (*models.ContentCacheEntry, bool, error)
}

// ContentEntry 一级缓存条目
type ContentEntry struct {
	ID             string              `json:"id"`
	ResumeID       string              `json:"resumeId"`
	JobID          string              `json:"jobId"`
	LayoutTemplate string              `json:"layoutTemplate"`
	Bundle         types.ContentBundle `json:"bundle"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// ContentCache 一级缓存
type ContentCache struct {
	store ContentStore
	hot   HotCache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewContentCache hot 可以为 nil，此时只使用 MySQL
func NewContentCache(store ContentStore, hot HotCache, ttl time.Duration) *ContentCache {
	return &ContentCache{store: store, hot: hot, ttl: ttl, log: logger.Component("content_cache")}
}

func contentKey(resumeID, jobID string) string {
	return fmt.Sprintf(constants.KeyContentCache, resumeID, jobID)
}

// Lookup 查询一级缓存，未命中返回 (nil, false, nil)
func (c *ContentCache) Lookup(ctx context.Context, resumeID, jobID string) (*ContentEntry, bool, error) {
	ctx, span := tracer.Start(ctx, "ContentCache.Lookup")
	defer span.End()

	entry, err := c.lookup(ctx, resumeID, jobID)
	hit := entry != nil
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if err != nil {
		return nil, false, err
	}
	metrics.ObserveCacheLookup(LayerContent, hit)
	return entry, hit, nil
}

func (c *ContentCache) lookup(ctx context.Context, resumeID, jobID string) (*ContentEntry, error) {
	key := contentKey(resumeID, jobID)
	if c.hot != nil {
		raw, err := c.hot.Get(ctx, key)
		switch {
		case err == nil:
			var entry ContentEntry
			if jerr := json.Unmarshal([]byte(raw), &entry); jerr == nil && entry.ID != "" {
				return &entry, nil
			}
			c.log.Warn().Str("key", key).Msg("热缓存内容无法解析，回退到MySQL")
		case !errors.Is(err, storage.ErrNotFound):
			c.log.Warn().Err(err).Str("key", key).Msg("读取热缓存失败，回退到MySQL")
		}
	}

	row, err := c.store.FindContentCache(ctx, resumeID, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询内容缓存失败: %w", err)
	}
	entry, err := contentEntryFromRow(row)
	if err != nil {
		return nil, err
	}
	c.warm(ctx, key, entry)
	return entry, nil
}

// Store 写入一级缓存。key 已存在时不覆盖，返回已存在的条目
func (c *ContentCache) Store(ctx context.Context, resumeID, jobID, layoutTemplate string, bundle types.ContentBundle) (*ContentEntry, error) {
	ctx, span := tracer.Start(ctx, "ContentCache.Store")
	defer span.End()

	row, err := contentRowFromBundle(resumeID, jobID, layoutTemplate, bundle)
	if err != nil {
		return nil, err
	}
	saved, inserted, err := c.store.InsertContentCache(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("写入内容缓存失败: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache.inserted", inserted))
	if !inserted {
		c.log.Info().Str("resume_id", resumeID).Str("job_id", jobID).Str("cache_id", saved.ID).
			Msg("内容缓存已被并发请求写入，沿用已有条目")
	}

	entry, err := contentEntryFromRow(saved)
	if err != nil {
		return nil, err
	}
	c.warm(ctx, contentKey(resumeID, jobID), entry)
	return entry, nil
}

func (c *ContentCache) warm(ctx context.Context, key string, entry *ContentEntry) {
	if c.hot == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := c.hot.SetNX(ctx, key, string(data), c.ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("写入热缓存失败")
	}
}

func contentRowFromBundle(resumeID, jobID, layoutTemplate string, b types.ContentBundle) (*models.ContentCacheEntry, error) {
	row := &models.ContentCacheEntry{ResumeID: resumeID, JobID: jobID, LayoutTemplate: layoutTemplate}
	var err error
	if row.TailoredBlocksJSON, err = marshalJSON("tailored_blocks", b.TailoredBlocks); err != nil {
		return nil, err
	}
	if row.LayoutDecisionJSON, err = marshalJSON("layout_decision", b.LayoutDecision); err != nil {
		return nil, err
	}
	if row.FitScoreJSON, err = marshalJSON("fit_score", b.FitScore); err != nil {
		return nil, err
	}
	if row.MissingSkillsJSON, err = marshalJSON("missing_skills", b.MissingSkills); err != nil {
		return nil, err
	}
	if row.RecommendationsJSON, err = marshalJSON("recommendations", b.Recommendations); err != nil {
		return nil, err
	}
	if row.CompatibilityJSON, err = marshalJSON("compatibility", b.Compatibility); err != nil {
		return nil, err
	}
	if row.WarningsJSON, err = marshalJSON("warnings", b.Warnings); err != nil {
		return nil, err
	}
	return row, nil
}

func contentEntryFromRow(row *models.ContentCacheEntry) (*ContentEntry, error) {
	entry := &ContentEntry{
		ID:             row.ID,
		ResumeID:       row.ResumeID,
		JobID:          row.JobID,
		LayoutTemplate: row.LayoutTemplate,
		CreatedAt:      row.CreatedAt,
	}
	b := &entry.Bundle
	for _, p := range []struct {
		name string
		raw  datatypes.JSON
		dst  any
	}{
		{"tailored_blocks", row.TailoredBlocksJSON, &b.TailoredBlocks},
		{"layout_decision", row.LayoutDecisionJSON, &b.LayoutDecision},
		{"fit_score", row.FitScoreJSON, &b.FitScore},
		{"missing_skills", row.MissingSkillsJSON, &b.MissingSkills},
		{"recommendations", row.RecommendationsJSON, &b.Recommendations},
		{"compatibility", row.CompatibilityJSON, &b.Compatibility},
		{"warnings", row.WarningsJSON, &b.Warnings},
	} {
		if len(p.raw) == 0 || string(p.raw) == "null" {
			continue
		}
		if err := json.Unmarshal(p.raw, p.dst); err != nil {
			return nil, fmt.Errorf("解析内容缓存字段 %s 失败: %w", p.name, err)
		}
	}
	return entry, nil
}

func marshalJSON(name string, v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化内容缓存字段 %s 失败: %w", name, err)
	}
	return datatypes.JSON(data), nil
}
