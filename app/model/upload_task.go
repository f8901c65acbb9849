package model

import (
	"time"
)

// TaskStatus 上传任务状态（封闭集合）
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"    // 等待调度
	TaskStatusProcessing TaskStatus = "processing" // 预处理中
	TaskStatusUploading  TaskStatus = "uploading"  // 传输中
	TaskStatusPaused     TaskStatus = "paused"     // 已暂停
	TaskStatusCompleted  TaskStatus = "completed"  // 已完成
	TaskStatusError      TaskStatus = "error"      // 失败（重试耗尽或终态错误）
	TaskStatusCancelled  TaskStatus = "cancelled"  // 已取消
)

// IsTerminal 是否为终态（终态任务不再参与调度）
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusError, TaskStatusCancelled:
		return true
	case TaskStatusPending, TaskStatusProcessing, TaskStatusUploading, TaskStatusPaused:
		return false
	}
	return false
}

// IsActive 是否占用并发槽位
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusProcessing || s == TaskStatusUploading
}

// FileBlob 内存中的一份文件内容及其声明信息
type FileBlob struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// ImageMeta 预处理时探测到的图片元信息
type ImageMeta struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Format      string  `json:"format"`
	Bytes       int64   `json:"bytes"`
}

// PreprocessResult 预处理产物；非图片文件三个字段均为空（原样透传）
type PreprocessResult struct {
	Processed *FileBlob
	Thumbnail *FileBlob
	Meta      *ImageMeta
}

// UploadTask 上传队列中的一个任务。所有字段仅由队列在持锁状态下修改，
// 对外只暴露值拷贝快照。
type UploadTask struct {
	ID            string     `json:"id"`
	OwnerID       uint       `json:"owner_id"`
	AssociationID string     `json:"association_id"`
	Source        FileBlob   `json:"source"`
	Processed     *FileBlob  `json:"processed,omitempty"`
	Thumbnail     *FileBlob  `json:"thumbnail,omitempty"`
	Meta          *ImageMeta `json:"meta,omitempty"`
	Status        TaskStatus `json:"status"`
	Progress      float64    `json:"progress"`
	RetryCount    int        `json:"retry_count"`
	MaxRetryCount int        `json:"max_retry_count"`
	LastError     string     `json:"last_error"`
	UploadedURL   string     `json:"uploaded_url"`
	ThumbnailURL  string     `json:"thumbnail_url"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`

	// Attempt 当前尝试序号，用于隔离上一次尝试残留的进度回调
	Attempt int `json:"-"`
	// NextAttemptAt 退避重试的就绪时间，零值表示可立即调度
	NextAttemptAt time.Time `json:"-"`
	// Preprocessed 预处理产物已生成，重试与恢复时直接复用
	Preprocessed bool `json:"-"`
}

// CanRetry 检查是否还有重试余量
func (t *UploadTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetryCount
}

// BeginAttempt 开始新一次尝试：清空上次错误与进度
func (t *UploadTask) BeginAttempt() {
	t.Attempt++
	t.LastError = ""
	t.Progress = 0
	t.NextAttemptAt = time.Time{}
}

// ScheduleRetry 记录失败并回到等待状态，readyAt 之前不参与调度
func (t *UploadTask) ScheduleRetry(reason string, readyAt time.Time) {
	t.RetryCount++
	t.LastError = reason
	t.Progress = 0
	t.Status = TaskStatusPending
	t.NextAttemptAt = readyAt
}

// FailTerminal 标记为终态失败
func (t *UploadTask) FailTerminal(reason string) {
	t.Status = TaskStatusError
	t.LastError = reason
}

// Complete 标记为完成并记录最终地址
func (t *UploadTask) Complete(url, thumbnailURL string) {
	t.Status = TaskStatusCompleted
	t.Progress = 100
	t.UploadedURL = url
	t.ThumbnailURL = thumbnailURL
	t.LastError = ""
}

// UploadBlob 返回实际参与传输的文件（压缩产物优先）
func (t *UploadTask) UploadBlob() FileBlob {
	if t.Processed != nil {
		return *t.Processed
	}
	return t.Source
}
