package server

import (
	"context"
	"net/http"
	"time"

	"media-flow/app/config"
	"media-flow/app/database"
	"media-flow/app/filewatcher"
	"media-flow/app/handler"
	"media-flow/app/logger"
	"media-flow/app/middleware"
	"media-flow/app/preprocess"
	"media-flow/app/service"
	"media-flow/app/storage"
	"media-flow/app/uploadqueue"

	"github.com/gin-gonic/gin"
)

// Server HTTP 服务器，持有上传队列与各后台服务的所有权
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	queue       *uploadqueue.Queue
	store       *storage.Client
	watcher     *filewatcher.Watcher
	recordSvc   *service.UploadRecordService
	notifySvc   *service.UploadNotifyService
	maintenance *service.MaintenanceService
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	processor := preprocess.New(cfg.Image, log)
	queue := uploadqueue.New(cfg.Upload, store, processor, cfg.Storage.KeyPrefix, log)

	recordSvc := service.NewUploadRecordService(log, database.GetDB())
	notifySvc := service.NewUploadNotifyService(log, &cfg.Notify)
	maintenance := service.NewMaintenanceService(log, &cfg.Upload, queue, recordSvc)

	// 终态结果先落库，再尽力推送 Webhook
	queue.OnComplete(func(result uploadqueue.CompleteResult) {
		recordSvc.Save(result)
		notifySvc.Notify(result)
	})

	watcher, err := filewatcher.New(&cfg.Watcher, queue, log)
	if err != nil {
		return nil, err
	}

	router := gin.Default()

	s := &Server{
		Config: cfg,
		Logger: log,
		gin:    router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		queue:       queue,
		store:       store,
		watcher:     watcher,
		recordSvc:   recordSvc,
		notifySvc:   notifySvc,
		maintenance: maintenance,
	}

	s.setupRoutes()

	return s, nil
}

// Start 启动服务器与后台服务
func (s *Server) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.store.EnsureBucket(ctx); err != nil {
		return err
	}

	s.notifySvc.Start()
	if err := s.maintenance.Start(); err != nil {
		return err
	}
	if err := s.watcher.Start(); err != nil {
		return err
	}

	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 按依赖顺序关停：先停入口，再停队列，最后停下游服务
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.watcher.Stop(); err != nil {
		s.Logger.Errorf("停止目录监听器失败: %v", err)
	}

	if err := s.queue.Shutdown(ctx); err != nil {
		s.Logger.Errorf("关闭上传队列失败: %v", err)
	}

	s.maintenance.Stop()
	s.notifySvc.Stop()

	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	authHandler := handler.NewAuthHandler(s.Config)
	uploadHandler := handler.NewUploadHandler(s.queue, s.Logger)
	recordHandler := handler.NewRecordHandler(s.recordSvc)

	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/register", authHandler.Register)
		auth.POST("/refresh", authHandler.RefreshToken)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		protected.GET("/me", authHandler.Me)

		// 上传队列相关路由
		upload := protected.Group("/upload")
		{
			upload.POST("/", uploadHandler.Submit)
			upload.GET("/tasks", uploadHandler.ListTasks)
			upload.GET("/tasks/:id", uploadHandler.GetTask)
			upload.POST("/tasks/:id/cancel", uploadHandler.CancelTask)
			upload.GET("/stats", uploadHandler.Stats)
			upload.POST("/pause", uploadHandler.Pause)
			upload.POST("/resume", uploadHandler.Resume)
			upload.POST("/cancel-all", uploadHandler.CancelAll)
			upload.POST("/clear", uploadHandler.ClearCompleted)
			upload.POST("/association", uploadHandler.UpdateAssociation)
		}

		// 上传历史相关路由
		records := protected.Group("/records")
		{
			records.GET("/", recordHandler.List)
			records.GET("/:task_id", recordHandler.Get)
		}
	}
}
