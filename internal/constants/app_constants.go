package constants

// 生成任务状态
const (
	JobStatusPending    = "pending"
	JobStatusGenerating = "generating"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// 模板名称
const (
	TemplateA = "A"
	TemplateB = "B"
	TemplateC = "C"
)

// ValidTemplate 模板名是否合法
func ValidTemplate(name string) bool {
	switch name {
	case TemplateA, TemplateB, TemplateC:
		return true
	}
	return false
}

// 消息队列
const (
	// JobEventsExchange 任务状态事件交换机 (topic)
	JobEventsExchange = "ats.jobs"
	// JobStatusRoutingKeyPrefix 路由键前缀，完整格式: job.status.{status}
	JobStatusRoutingKeyPrefix = "job.status."
	// JobStatusQueue 默认的状态事件队列
	JobStatusQueue = "q.job_status"
)

// AICallsSavedOnContentHit 内容缓存命中时节省的模型调用次数
const AICallsSavedOnContentHit = 5

// PipelineStageCount 流水线阶段数
const PipelineStageCount = 7
