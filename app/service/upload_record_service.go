package service

import (
	"time"

	"media-flow/app/logger"
	"media-flow/app/model"
	"media-flow/app/uploadqueue"

	"gorm.io/gorm"
)

// UploadRecordService 上传历史持久化：队列中的任务是内存态，
// 终态结果落库后可跨重启查询。
type UploadRecordService struct {
	logger *logger.Logger
	db     *gorm.DB
}

// NewUploadRecordService 创建上传历史服务
func NewUploadRecordService(log *logger.Logger, db *gorm.DB) *UploadRecordService {
	return &UploadRecordService{
		logger: log,
		db:     db,
	}
}

// Save 将一次终态结果写入历史表
func (s *UploadRecordService) Save(result uploadqueue.CompleteResult) {
	record := &model.UploadRecord{
		TaskID:        result.TaskID,
		OwnerID:       result.OwnerID,
		AssociationID: result.AssociationID,
		FileName:      result.FileName,
		ContentType:   result.ContentType,
		Size:          result.Size,
		Status:        string(result.Status),
		UploadedURL:   result.URL,
		ThumbnailURL:  result.ThumbnailURL,
		LastError:     result.Error,
		RetryCount:    result.RetryCount,
	}

	if err := s.db.Create(record).Error; err != nil {
		s.logger.Errorf("保存上传记录失败: %s, 错误: %v", result.TaskID, err)
		return
	}
	s.logger.Debugf("上传记录已保存: %s (%s)", result.TaskID, result.Status)
}

// List 分页查询某个用户的上传历史，按时间倒序
func (s *UploadRecordService) List(ownerID uint, page, pageSize int) ([]model.UploadRecord, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	query := s.db.Model(&model.UploadRecord{}).Where("owner_id = ?", ownerID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []model.UploadRecord
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	return records, total, err
}

// Get 按任务 ID 查询单条历史记录
func (s *UploadRecordService) Get(ownerID uint, taskID string) (*model.UploadRecord, error) {
	var record model.UploadRecord
	err := s.db.Where("owner_id = ? AND task_id = ?", ownerID, taskID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Prune 清理早于保留期的历史记录，返回删除条数
func (s *UploadRecordService) Prune(before time.Time) int64 {
	result := s.db.Where("created_at < ?", before).Delete(&model.UploadRecord{})
	if result.Error != nil {
		s.logger.Errorf("清理上传记录失败: %v", result.Error)
		return 0
	}
	if result.RowsAffected > 0 {
		s.logger.Infof("已清理 %d 条过期上传记录", result.RowsAffected)
	}
	return result.RowsAffected
}
