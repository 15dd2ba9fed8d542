package storage

import "time"

// EventTypeJobStatusChanged 任务状态变更事件
const EventTypeJobStatusChanged = "job.status_changed"

// JobStatusMessage 任务状态变更消息，经发件箱投递到 job events 交换机
type JobStatusMessage struct {
	JobID      string    `json:"job_id"`
	UserID     string    `json:"user_id"`
	ResumeID   string    `json:"resume_id"`
	FromStatus string    `json:"from_status,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`  // 失败原因
	PDFURL     string    `json:"pdf_url,omitempty"` // 仅 completed
	FitScore   *int      `json:"fit_score,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
