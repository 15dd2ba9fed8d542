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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// RenderStore 二级缓存持久层
type RenderStore interface {
	FindRenderCache(ctx context.Context, contentCacheID, templateName string) (*models.RenderCacheEntry, error)
	InsertRenderCache(ctx context.Context, entry *models.RenderCacheEntry) (*models.RenderCacheEntry, bool, error)
}

// RenderEntry 二级缓存条目，指向已上传的文档
type RenderEntry struct {
	ID             string    `json:"id"`
	ContentCacheID string    `json:"contentCacheId"`
	TemplateName   string    `json:"templateName"`
	ObjectKey      string    `json:"objectKey"`
	PDFURL         string    `json:"pdfUrl"`
	URLExpiresAt   time.Time `json:"urlExpiresAt"`
	SizeBytes      int64     `json:"sizeBytes"`
}

// URLExpired 预签名链接是否已过期，留出一分钟余量
func (e *RenderEntry) URLExpired(now time.Time) bool {
	if e.URLExpiresAt.IsZero() {
		return false
	}
	return !now.Add(time.Minute).Before(e.URLExpiresAt)
}

// RenderCache 二级缓存
type RenderCache struct {
	store RenderStore
	hot   HotCache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewRenderCache hot 可以为 nil
func NewRenderCache(store RenderStore, hot HotCache, ttl time.Duration) *RenderCache {
	return &RenderCache{store: store, hot: hot, ttl: ttl, log: logger.Component("render_cache")}
}

func renderKey(contentCacheID, templateName string) string {
	return fmt.Sprintf(constants.KeyRenderCache, contentCacheID, templateName)
}

// Lookup 查询二级缓存，未命中返回 (nil, false, nil)
func (c *RenderCache) Lookup(ctx context.Context, contentCacheID, templateName string) (*RenderEntry, bool, error) {
	ctx, span := tracer.Start(ctx, "RenderCache.Lookup")
	defer span.End()

	entry, err := c.lookup(ctx, contentCacheID, templateName)
	hit := entry != nil
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if err != nil {
		return nil, false, err
	}
	metrics.ObserveCacheLookup(LayerRender, hit)
	return entry, hit, nil
}

func (c *RenderCache) lookup(ctx context.Context, contentCacheID, templateName string) (*RenderEntry, error) {
	key := renderKey(contentCacheID, templateName)
	if c.hot != nil {
		raw, err := c.hot.Get(ctx, key)
		switch {
		case err == nil:
			var entry RenderEntry
			if jerr := json.Unmarshal([]byte(raw), &entry); jerr == nil && entry.ID != "" {
				return &entry, nil
			}
			c.log.Warn().Str("key", key).Msg("热缓存内容无法解析，回退到MySQL")
		case !errors.Is(err, storage.ErrNotFound):
			c.log.Warn().Err(err).Str("key", key).Msg("读取热缓存失败，回退到MySQL")
		}
	}

	row, err := c.store.FindRenderCache(ctx, contentCacheID, templateName)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询渲染缓存失败: %w", err)
	}
	entry := renderEntryFromRow(row)
	c.warm(ctx, key, entry)
	return entry, nil
}

// Store 写入二级缓存。key 已存在时不覆盖，返回已存在的条目
func (c *RenderCache) Store(ctx context.Context, e RenderEntry) (*RenderEntry, error) {
	ctx, span := tracer.Start(ctx, "RenderCache.Store")
	defer span.End()

	saved, inserted, err := c.store.InsertRenderCache(ctx, &models.RenderCacheEntry{
		ContentCacheID: e.ContentCacheID,
		TemplateName:   e.TemplateName,
		ObjectKey:      e.ObjectKey,
		PDFURL:         e.PDFURL,
		URLExpiresAt:   e.URLExpiresAt,
		SizeBytes:      e.SizeBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("写入渲染缓存失败: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache.inserted", inserted))
	if !inserted {
		c.log.Info().Str("content_cache_id", e.ContentCacheID).Str("template", e.TemplateName).
			Msg("渲染缓存已被并发请求写入，沿用已有条目")
	}

	entry := renderEntryFromRow(saved)
	c.warm(ctx, renderKey(e.ContentCacheID, e.TemplateName), entry)
	return entry, nil
}

func (c *RenderCache) warm(ctx context.Context, key string, entry *RenderEntry) {
	if c.hot == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ttl := c.ttl
	// 热数据不能比预签名链接活得更久
	if !entry.URLExpiresAt.IsZero() {
		left := time.Until(entry.URLExpiresAt)
		if left <= 0 {
			return
		}
		if ttl <= 0 || left < ttl {
			ttl = left
		}
	}
	if _, err := c.hot.SetNX(ctx, key, string(data), ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("写入热缓存失败")
	}
}

func renderEntryFromRow(row *models.RenderCacheEntry) *RenderEntry {
	return &RenderEntry{
		ID:             row.ID,
		ContentCacheID: row.ContentCacheID,
		TemplateName:   row.TemplateName,
		ObjectKey:      row.ObjectKey,
		PDFURL:         row.PDFURL,
		URLExpiresAt:   row.URLExpiresAt,
		SizeBytes:      row.SizeBytes,
	}
}
