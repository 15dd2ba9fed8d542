package models

import (
	"time"

	"gorm.io/datatypes"
)

// Resume 用户上传的简历。ParsedText 为空时需要从原始文件解析
type Resume struct {
	ResumeID         string    `gorm:"type:char(36);primaryKey"`
	UserID           string    `gorm:"type:varchar(64);not null;index:idx_resumes_user"`
	OriginalFilename string    `gorm:"type:varchar(255)"`
	ObjectKey        string    `gorm:"type:varchar(512)"` // 原始文件在 originals 桶中的路径
	ParsedText       string    `gorm:"type:longtext"`
	TextMD5          string    `gorm:"type:char(32)"`
	CreatedAt        time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Resume) TableName() string {
	return "resumes"
}

// Job 一次简历定制任务
type Job struct {
	JobID              string     `gorm:"type:char(36);primaryKey"`
	UserID             string     `gorm:"type:varchar(64);not null;index:idx_jobs_user_status"`
	ResumeID           string     `gorm:"type:char(36);not null;index:idx_jobs_resume"`
	JobTitle           string     `gorm:"type:varchar(255)"`
	Company            string     `gorm:"type:varchar(255)"`
	JobDescriptionText string     `gorm:"type:text;not null"`
	TemplateName       string     `gorm:"type:varchar(16)"`
	Status             string     `gorm:"type:varchar(20);default:'pending';not null;index:idx_jobs_user_status"`
	FailureReason      string     `gorm:"type:text"`
	PDFURL             string     `gorm:"type:text"`
	ObjectKey          string     `gorm:"type:varchar(512)"`
	FitScore           *int       `gorm:"type:int"`
	ContentCacheID     *string    `gorm:"type:char(36)"`
	RenderCacheID      *string    `gorm:"type:char(36)"`
	CreatedAt          time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt          time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	CompletedAt        *time.Time `gorm:"type:datetime(6);null"`
}

func (Job) TableName() string {
	return "jobs"
}

// ContentCacheEntry 一级缓存：(resume_id, job_id) 对应的完整流水线产物，写入后不再修改
type ContentCacheEntry struct {
	ID                  string         `gorm:"type:char(36);primaryKey"`
	ResumeID            string         `gorm:"type:char(36);not null;uniqueIndex:idx_content_cache_resume_job"`
	JobID               string         `gorm:"type:char(36);not null;uniqueIndex:idx_content_cache_resume_job"`
	TailoredBlocksJSON  datatypes.JSON `gorm:"type:json;not null"`
	LayoutDecisionJSON  datatypes.JSON `gorm:"type:json;not null"`
	FitScoreJSON        datatypes.JSON `gorm:"type:json;not null"`
	MissingSkillsJSON   datatypes.JSON `gorm:"type:json"`
	RecommendationsJSON datatypes.JSON `gorm:"type:json"`
	CompatibilityJSON   datatypes.JSON `gorm:"type:json"`
	WarningsJSON        datatypes.JSON `gorm:"type:json"`
	LayoutTemplate      string         `gorm:"type:varchar(16)"` // 布局决策时参照的模板
	CreatedAt           time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (ContentCacheEntry) TableName() string {
	return "content_cache"
}

// RenderCacheEntry 二级缓存：(content_cache_id, template_name) 对应的已渲染 PDF，写入后不再修改
type RenderCacheEntry struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	ContentCacheID string    `gorm:"type:char(36);not null;uniqueIndex:idx_render_cache_content_template"`
	TemplateName   string    `gorm:"type:varchar(16);not null;uniqueIndex:idx_render_cache_content_template"`
	ObjectKey      string    `gorm:"type:varchar(512);not null"`
	PDFURL         string    `gorm:"type:text;not null"`
	URLExpiresAt   time.Time `gorm:"type:datetime(6)"`
	SizeBytes      int64     `gorm:"type:bigint"`
	CreatedAt      time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (RenderCacheEntry) TableName() string {
	return "render_cache"
}

// Subscription 用户订阅状态
type Subscription struct {
	UserID           string     `gorm:"type:varchar(64);primaryKey"`
	Plan             string     `gorm:"type:varchar(32);not null"`
	Status           string     `gorm:"type:varchar(20);not null;index:idx_subscriptions_status"`
	CurrentPeriodEnd *time.Time `gorm:"type:datetime(6);null"`
	CreatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Active 订阅是否在有效期内
func (s Subscription) Active(now time.Time) bool {
	if s.Status != "active" && s.Status != "trialing" {
		return false
	}
	return s.CurrentPeriodEnd == nil || s.CurrentPeriodEnd.After(now)
}
