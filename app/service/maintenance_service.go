package service

import (
	"time"

	"media-flow/app/config"
	"media-flow/app/logger"
	"media-flow/app/uploadqueue"

	"github.com/robfig/cron/v3"
)

// MaintenanceService 周期性清理：按保留期移除队列中的终态任务，
// 并裁剪数据库中的历史记录。清理由 cron 表达式驱动，时点可预测。
type MaintenanceService struct {
	logger    *logger.Logger
	config    *config.UploadConfig
	queue     *uploadqueue.Queue
	recordSvc *UploadRecordService
	cron      *cron.Cron
}

// NewMaintenanceService 创建清理服务
func NewMaintenanceService(log *logger.Logger, cfg *config.UploadConfig, queue *uploadqueue.Queue, recordSvc *UploadRecordService) *MaintenanceService {
	return &MaintenanceService{
		logger:    log,
		config:    cfg,
		queue:     queue,
		recordSvc: recordSvc,
		cron:      cron.New(),
	}
}

// Start 注册清理任务并启动调度器
func (s *MaintenanceService) Start() error {
	schedule := s.config.SweepSchedule
	if schedule == "" {
		schedule = "@every 10m"
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Infof("清理服务已启动, 调度周期: %s", schedule)
	return nil
}

// Stop 停止调度器并等待进行中的清理结束
func (s *MaintenanceService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("清理服务已停止")
}

// sweep 执行一轮清理
func (s *MaintenanceService) sweep() {
	now := time.Now()
	completedBefore := now.Add(-time.Duration(s.config.CompletedKeepHours) * time.Hour)
	failedBefore := now.Add(-time.Duration(s.config.FailedKeepHours) * time.Hour)

	if removed := s.queue.Sweep(completedBefore, failedBefore); removed > 0 {
		s.logger.Infof("已清理 %d 个终态任务", removed)
	}

	if s.recordSvc != nil && s.config.RecordKeepDays > 0 {
		s.recordSvc.Prune(now.AddDate(0, 0, -s.config.RecordKeepDays))
	}
}
