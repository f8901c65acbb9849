package model

import (
	"time"
)

// UploadRecord 已结束任务的落库记录，供历史查询；队列本身不持久化
type UploadRecord struct {
	ID            uint      `json:"id" gorm:"primarykey"`
	TaskID        string    `json:"task_id" gorm:"size:36;uniqueIndex;not null"`
	OwnerID       uint      `json:"owner_id" gorm:"not null;index"`
	AssociationID string    `json:"association_id" gorm:"size:64;index"`
	FileName      string    `json:"file_name" gorm:"size:255;not null"`
	ContentType   string    `json:"content_type" gorm:"size:128"`
	Size          int64     `json:"size"`
	Status        string    `json:"status" gorm:"size:20;index"` // completed / error / cancelled
	UploadedURL   string    `json:"uploaded_url" gorm:"type:text"`
	ThumbnailURL  string    `json:"thumbnail_url" gorm:"type:text"`
	LastError     string    `json:"last_error" gorm:"type:text"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName 指定表名
func (UploadRecord) TableName() string {
	return "upload_records"
}
