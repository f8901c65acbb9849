package service

import (
	"sync"
	"time"

	"media-flow/app/config"
	"media-flow/app/logger"
	"media-flow/app/uploadqueue"

	"resty.dev/v3"
)

// UploadNotifyService 在任务到达终态时向外部 Webhook 推送结果。
// 推送在独立协程中串行执行，通道满时丢弃并记日志，不阻塞队列回调。
type UploadNotifyService struct {
	logger   *logger.Logger
	config   *config.NotifyConfig
	client   *resty.Client
	events   chan uploadqueue.CompleteResult
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewUploadNotifyService 创建 Webhook 推送服务
func NewUploadNotifyService(log *logger.Logger, cfg *config.NotifyConfig) *UploadNotifyService {
	timeout := 10 * time.Second
	if cfg != nil && cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(2)

	return &UploadNotifyService{
		logger:   log,
		config:   cfg,
		client:   client,
		events:   make(chan uploadqueue.CompleteResult, 128),
		stopChan: make(chan struct{}),
	}
}

// Enabled 是否启用了 Webhook 推送
func (s *UploadNotifyService) Enabled() bool {
	return s.config != nil && s.config.Enabled && s.config.WebhookURL != ""
}

// Start 启动推送协程
func (s *UploadNotifyService) Start() {
	if !s.Enabled() {
		s.logger.Debug("未配置 Webhook，跳过上传结果推送")
		return
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Infof("上传结果推送服务已启动: %s", s.config.WebhookURL)
}

// Stop 停止推送协程，已入队的事件会尽量发完
func (s *UploadNotifyService) Stop() {
	if !s.Enabled() {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("上传结果推送服务已停止")
}

// Notify 投递一条终态结果。通道满时丢弃，推送只是尽力而为。
func (s *UploadNotifyService) Notify(result uploadqueue.CompleteResult) {
	if !s.Enabled() {
		return
	}
	select {
	case s.events <- result:
	default:
		s.logger.Warnf("推送队列已满，丢弃任务结果: %s", result.TaskID)
	}
}

func (s *UploadNotifyService) run() {
	defer s.wg.Done()

	for {
		select {
		case result := <-s.events:
			s.push(result)
		case <-s.stopChan:
			// 排空剩余事件后退出
			for {
				select {
				case result := <-s.events:
					s.push(result)
				default:
					return
				}
			}
		}
	}
}

func (s *UploadNotifyService) push(result uploadqueue.CompleteResult) {
	req := s.client.R().SetBody(result)
	if s.config.AuthToken != "" {
		req.SetHeader("Authorization", "Bearer "+s.config.AuthToken)
	}

	resp, err := req.Post(s.config.WebhookURL)
	if err != nil {
		s.logger.Errorf("推送上传结果失败: %s, 错误: %v", result.TaskID, err)
		return
	}
	if resp.StatusCode() >= 300 {
		s.logger.Warnf("推送上传结果被拒绝: %s, 状态码: %d", result.TaskID, resp.StatusCode())
		return
	}
	s.logger.Debugf("已推送上传结果: %s (%s)", result.TaskID, result.Status)
}
