// Package filewatcher 监听本地目录，把落盘的新媒体文件自动提交到上传队列。
package filewatcher

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"media-flow/app/config"
	"media-flow/app/logger"
	"media-flow/app/model"
	"media-flow/app/uploadqueue"

	"github.com/fsnotify/fsnotify"
)

// Watcher 目录监听器。检测到新文件后等待写入稳定，再读入内存提交上传。
type Watcher struct {
	config  *config.WatcherConfig
	queue   *uploadqueue.Queue
	watcher *fsnotify.Watcher
	logger  *logger.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	watching  bool
	submitted map[string]time.Time // 已提交文件及其修改时间，避免重复提交
}

// New 创建目录监听器；未启用时返回 nil，调用方按 nil 跳过
func New(cfg *config.WatcherConfig, queue *uploadqueue.Queue, log *logger.Logger) (*Watcher, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Dirs) == 0 {
		return nil, fmt.Errorf("目录监听已启用但没有配置监听目录")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建目录监听器失败: %w", err)
	}

	return &Watcher{
		config:    cfg,
		queue:     queue,
		watcher:   fsw,
		logger:    log,
		stopCh:    make(chan struct{}),
		submitted: make(map[string]time.Time),
	}, nil
}

// Start 启动监听
func (w *Watcher) Start() error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return fmt.Errorf("目录监听器已经在运行")
	}

	for _, dir := range w.config.Dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("监听目录不存在: %s", dir)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("添加监听目录失败: %s, %w", dir, err)
		}
	}

	w.watching = true
	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Infof("目录监听器已启动，监听 %d 个目录", len(w.config.Dirs))
	return nil
}

// Stop 停止监听
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.watching {
		return nil
	}

	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
	w.watching = false

	w.logger.Info("目录监听器已停止")
	return nil
}

// watchLoop 监听事件循环
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("目录监听器错误: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

// handleEvent 处理文件系统事件，只关心新建文件
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		w.logger.Warnf("获取文件信息失败: %s, 错误: %v", event.Name, err)
		return
	}
	if info.IsDir() {
		return
	}

	// 等待与读取可能耗时，不阻塞事件循环
	w.wg.Add(1)
	go func(path string) {
		defer w.wg.Done()
		w.submitFile(path)
	}(event.Name)
}

// submitFile 等待文件写入稳定后读入内存并提交到上传队列
func (w *Watcher) submitFile(path string) {
	if err := w.waitForFileReady(path); err != nil {
		w.logger.Warnf("等待文件就绪失败: %s, 错误: %v", path, err)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		w.logger.Warnf("获取文件信息失败: %s, 错误: %v", path, err)
		return
	}

	w.mu.Lock()
	if mod, ok := w.submitted[path]; ok && mod.Equal(info.ModTime()) {
		w.mu.Unlock()
		return
	}
	w.submitted[path] = info.ModTime()
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Errorf("读取文件失败: %s, 错误: %v", path, err)
		return
	}

	blob := model.FileBlob{
		Name:        filepath.Base(path),
		ContentType: detectContentType(path, data),
		Size:        int64(len(data)),
		Data:        data,
	}

	_, rejected := w.queue.Submit(w.config.OwnerID, w.config.AssociationID, []model.FileBlob{blob})
	if len(rejected) > 0 {
		w.logger.Warnf("监听文件被拒绝入队: %s (%s)", path, rejected[0].Reason)
		return
	}
	w.logger.Infof("监听文件已提交上传: %s (%d 字节)", path, len(data))
}

// waitForFileReady 轮询文件大小直到连续两次无变化，认为写入完成
func (w *Watcher) waitForFileReady(path string) error {
	maxWait := 30 * time.Second
	checkInterval := 500 * time.Millisecond
	timeout := time.After(maxWait)

	var lastSize int64 = -1

	for {
		select {
		case <-timeout:
			return fmt.Errorf("等待文件就绪超时: %s", path)
		case <-w.stopCh:
			return fmt.Errorf("监听器已停止")
		case <-time.After(checkInterval):
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("获取文件信息失败: %w", err)
			}

			currentSize := info.Size()
			if currentSize == lastSize && currentSize > 0 {
				return nil
			}
			lastSize = currentSize
		}
	}
}

// detectContentType 优先按扩展名识别类型，识别不出再嗅探内容
func detectContentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
