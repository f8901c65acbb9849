// Package uploadqueue 实现有界并发的媒体上传队列：
// 按提交顺序准入、图片预处理、带进度的传输、指数退避重试，
// 以及暂停/恢复/取消语义。任务列表的全部变更都在同一把锁内完成。
package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"media-flow/app/config"
	"media-flow/app/logger"
	"media-flow/app/model"
	"media-flow/app/storage"

	"github.com/google/uuid"
)

// Preprocessor 图片预处理依赖
type Preprocessor interface {
	Process(blob model.FileBlob) (*model.PreprocessResult, error)
}

// CompleteResult 任务到达终态时回调的结果，每个任务恰好回调一次
type CompleteResult struct {
	TaskID        string           `json:"task_id"`
	OwnerID       uint             `json:"owner_id"`
	AssociationID string           `json:"association_id"`
	FileName      string           `json:"file_name"`
	ContentType   string           `json:"content_type"`
	Size          int64            `json:"size"`
	Success       bool             `json:"success"`
	Status        model.TaskStatus `json:"status"`
	URL           string           `json:"url,omitempty"`
	ThumbnailURL  string           `json:"thumbnail_url,omitempty"`
	Error         string           `json:"error,omitempty"`
	RetryCount    int              `json:"retry_count"`
}

// Rejected 提交时即被拒绝的文件，不会成为任务
type Rejected struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Batch 一次提交的任务集合，Wait 在最后一个任务到达终态时返回
type Batch struct {
	ids       []string
	remaining int
	done      chan struct{}
}

// TaskIDs 本批次创建的任务 ID，按提交顺序
func (b *Batch) TaskIDs() []string {
	return b.ids
}

// Wait 阻塞到批次内所有任务结束或 ctx 取消
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trackedTask 任务及其运行期资源；cancel 只在一次尝试存续期间有效
type trackedTask struct {
	task     *model.UploadTask
	cancel   context.CancelFunc
	batch    *Batch
	finished bool // 终态结果只结算一次
}

// Queue 上传队列。显式构造、显式关闭，不使用包级单例。
type Queue struct {
	log    *logger.Logger
	pre    Preprocessor
	exec   *Executor
	policy RetryPolicy

	maxConcurrent int
	maxRetries    int
	maxFileSize   int64
	allowedTypes  []string
	keyPrefix     string

	mu     sync.Mutex
	tasks  []*trackedTask
	index  map[string]*trackedTask
	timers map[string]*time.Timer
	active int
	paused bool
	closed bool
	wg     sync.WaitGroup

	onProgress func(model.UploadTask)
	onComplete func(CompleteResult)
}

// New 创建上传队列
func New(cfg config.UploadConfig, store ObjectStore, pre Preprocessor, keyPrefix string, log *logger.Logger) *Queue {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Queue{
		log:  log,
		pre:  pre,
		exec: NewExecutor(store, time.Duration(cfg.StallTimeoutSec)*time.Second, log),
		policy: RetryPolicy{
			BaseDelay: time.Duration(cfg.BaseDelayMs) * time.Millisecond,
			MaxDelay:  time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		},
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		allowedTypes:  cfg.AllowedTypes,
		keyPrefix:     keyPrefix,
		index:         make(map[string]*trackedTask),
		timers:        make(map[string]*time.Timer),
	}
}

// OnProgress 注册进度/状态变化回调，任务每次可见变化都会携带快照触发
func (q *Queue) OnProgress(fn func(model.UploadTask)) {
	q.mu.Lock()
	q.onProgress = fn
	q.mu.Unlock()
}

// OnComplete 注册终态回调，每个任务恰好触发一次
func (q *Queue) OnComplete(fn func(CompleteResult)) {
	q.mu.Lock()
	q.onComplete = fn
	q.mu.Unlock()
}

// Submit 批量提交文件。非法文件当场拒绝并出现在返回的拒绝列表中，
// 合法文件按提交顺序创建 pending 任务；本方法不等待传输。
func (q *Queue) Submit(ownerID uint, associationID string, files []model.FileBlob) (*Batch, []Rejected) {
	var rejected []Rejected
	var accepted []model.FileBlob
	for _, f := range files {
		if reason := q.validate(f); reason != "" {
			q.log.Warnf("文件被拒绝入队: %s (%s)", f.Name, reason)
			rejected = append(rejected, Rejected{Name: f.Name, Reason: reason})
			continue
		}
		accepted = append(accepted, f)
	}

	q.mu.Lock()
	if q.closed {
		for _, f := range accepted {
			rejected = append(rejected, Rejected{Name: f.Name, Reason: "队列已关闭"})
		}
		accepted = nil
	}

	batch := &Batch{done: make(chan struct{}), remaining: len(accepted)}
	if len(accepted) == 0 {
		close(batch.done)
	}

	now := time.Now()
	for _, f := range accepted {
		task := &model.UploadTask{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			AssociationID: associationID,
			Source:        f,
			Status:        model.TaskStatusPending,
			MaxRetryCount: q.maxRetries,
			CreatedAt:     now,
		}
		tt := &trackedTask{task: task, batch: batch}
		q.tasks = append(q.tasks, tt)
		q.index[task.ID] = tt
		batch.ids = append(batch.ids, task.ID)
	}
	started := q.admitLocked()
	q.mu.Unlock()

	if len(batch.ids) > 0 {
		q.log.Infof("已提交 %d 个上传任务（拒绝 %d 个）", len(batch.ids), len(rejected))
	}
	q.emitProgress(started...)
	return batch, rejected
}

// validate 提交期校验，返回非空字符串表示拒绝原因
func (q *Queue) validate(f model.FileBlob) string {
	if len(f.Data) == 0 {
		return "文件内容为空"
	}
	if q.maxFileSize > 0 && int64(len(f.Data)) > q.maxFileSize {
		return fmt.Sprintf("文件超过大小上限 %dMB", q.maxFileSize/(1024*1024))
	}
	if len(q.allowedTypes) > 0 {
		ok := false
		for _, prefix := range q.allowedTypes {
			if strings.HasPrefix(f.ContentType, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Sprintf("不支持的文件类型: %s", f.ContentType)
		}
	}
	return ""
}

// Pause 暂停队列：中断所有在途传输并将其置为 paused；
// 尚未开始传输的任务保持原状，但不再有新的准入。
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	var snaps []model.UploadTask
	for _, t := range q.tasks {
		if t.task.Status == model.TaskStatusUploading {
			if t.cancel != nil {
				t.cancel()
				t.cancel = nil
			}
			t.task.Status = model.TaskStatusPaused
			snaps = append(snaps, *t.task)
		}
	}
	q.mu.Unlock()

	q.log.Infof("队列已暂停，中断 %d 个在途传输", len(snaps))
	q.emitProgress(snaps...)
}

// Resume 恢复队列：paused 任务回到 pending 并重新参与准入
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	var snaps []model.UploadTask
	for _, t := range q.tasks {
		if t.task.Status == model.TaskStatusPaused {
			t.task.Status = model.TaskStatusPending
			snaps = append(snaps, *t.task)
		}
	}
	started := q.admitLocked()
	q.mu.Unlock()

	q.log.Info("队列已恢复")
	q.emitProgress(snaps...)
	q.emitProgress(started...)
}

// Cancel 取消单个任务。取消是终态且幂等：对终态任务再次调用无效果。
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	t, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("任务不存在: %s", id)
	}
	if t.task.Status.IsTerminal() {
		q.mu.Unlock()
		return nil
	}

	q.stopTimerLocked(id)
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.task.Status = model.TaskStatusCancelled
	completions := q.settleLocked(t)
	snap := *t.task
	q.mu.Unlock()

	q.log.Infof("任务已取消: %s (%s)", snap.ID, snap.Source.Name)
	q.emitProgress(snap)
	q.emitComplete(completions...)
	return nil
}

// CancelAll 取消所有未结束的任务
func (q *Queue) CancelAll() {
	q.mu.Lock()
	var ids []string
	for _, t := range q.tasks {
		if !t.task.Status.IsTerminal() {
			ids = append(ids, t.task.ID)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		_ = q.Cancel(id)
	}
}

// ClearCompleted 从任务列表移除所有已完成与已取消的任务，返回移除数量
func (q *Queue) ClearCompleted() int {
	return q.removeIf(func(t *model.UploadTask) bool {
		return t.Status == model.TaskStatusCompleted || t.Status == model.TaskStatusCancelled
	})
}

// Sweep 按保留期清理终态任务：完成/取消早于 completedBefore、
// 失败早于 failedBefore 的任务被移除，返回移除数量。
func (q *Queue) Sweep(completedBefore, failedBefore time.Time) int {
	return q.removeIf(func(t *model.UploadTask) bool {
		if t.FinishedAt == nil {
			return false
		}
		switch t.Status {
		case model.TaskStatusCompleted, model.TaskStatusCancelled:
			return t.FinishedAt.Before(completedBefore)
		case model.TaskStatusError:
			return t.FinishedAt.Before(failedBefore)
		}
		return false
	})
}

// removeIf 移除满足条件的任务；运行中的任务从不移除
func (q *Queue) removeIf(match func(*model.UploadTask) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.tasks[:0]
	removed := 0
	for _, t := range q.tasks {
		if t.task.Status.IsTerminal() && match(t.task) {
			delete(q.index, t.task.ID)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	return removed
}

// UpdateAssociationID 给所有仍在 pending 的任务补挂关联对象标识，
// 用于"先传文件、后建实体"的场景。
func (q *Queue) UpdateAssociationID(associationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	updated := 0
	for _, t := range q.tasks {
		if t.task.Status == model.TaskStatusPending {
			t.task.AssociationID = associationID
			updated++
		}
	}
	return updated
}

// Shutdown 关闭队列：停止准入，中断所有在途任务并等待协程退出
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	for _, t := range q.tasks {
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("上传队列已关闭")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitLocked 准入扫描：在并发上限内按提交顺序启动 pending 任务。
// 必须持锁调用；返回新启动任务的快照，由调用方在解锁后发进度回调。
func (q *Queue) admitLocked() []model.UploadTask {
	if q.paused || q.closed {
		return nil
	}

	var started []model.UploadTask
	now := time.Now()
	for _, t := range q.tasks {
		if q.active >= q.maxConcurrent {
			break
		}
		if t.task.Status != model.TaskStatusPending {
			continue
		}
		// 退避期内的任务暂不调度，到期定时器会重新触发扫描
		if !t.task.NextAttemptAt.IsZero() && now.Before(t.task.NextAttemptAt) {
			continue
		}

		t.task.BeginAttempt()
		t.task.Status = model.TaskStatusProcessing
		q.active++

		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel

		q.wg.Add(1)
		go q.runTask(ctx, t, t.task.Attempt)
		started = append(started, *t.task)
	}
	return started
}

// runTask 执行一次任务尝试：预处理 → 传输 → 结算
func (q *Queue) runTask(ctx context.Context, t *trackedTask, attempt int) {
	defer q.wg.Done()

	q.mu.Lock()
	needPre := !t.task.Preprocessed
	source := t.task.Source
	q.mu.Unlock()

	// 预处理是 CPU 密集操作，在任务自己的协程里执行，不阻塞准入
	var pres *model.PreprocessResult
	if needPre {
		var err error
		pres, err = q.pre.Process(source)
		if err != nil {
			q.finishAttempt(t, attempt, err)
			return
		}
	}

	// 传输边界：写回预处理产物，检查取消/暂停后进入 uploading
	q.mu.Lock()
	if t.task.Attempt != attempt || t.task.Status == model.TaskStatusCancelled {
		q.releaseLocked(t, attempt)
		started := q.admitLocked()
		q.mu.Unlock()
		q.emitProgress(started...)
		return
	}
	if pres != nil {
		t.task.Processed = pres.Processed
		t.task.Thumbnail = pres.Thumbnail
		t.task.Meta = pres.Meta
		t.task.Preprocessed = true
	}
	if q.paused || q.closed {
		// 暂停或关停期间不开始新的 I/O，在传输边界停靠
		t.task.Status = model.TaskStatusPaused
		q.releaseLocked(t, attempt)
		snap := *t.task
		q.mu.Unlock()
		q.emitProgress(snap)
		return
	}
	if t.task.OwnerID == 0 {
		q.mu.Unlock()
		q.finishAttempt(t, attempt, &TransferError{Kind: KindAuth, Err: errors.New("无法确定上传者身份")})
		return
	}

	t.task.Status = model.TaskStatusUploading
	blob := t.task.UploadBlob()
	thumb := t.task.Thumbnail
	ownerID, assoc, taskID := t.task.OwnerID, t.task.AssociationID, t.task.ID
	snap := *t.task
	q.mu.Unlock()
	q.emitProgress(snap)

	key := storage.BuildObjectKey(q.keyPrefix, ownerID, assoc, taskID, blob.Name)
	url, err := q.exec.Transfer(ctx, key, blob, func(pct float64) {
		q.reportProgress(t, attempt, pct)
	})
	if err != nil {
		q.finishAttempt(t, attempt, err)
		return
	}

	thumbnailURL := ""
	if thumb != nil {
		thumbKey := storage.BuildObjectKey(q.keyPrefix, ownerID, assoc, taskID, thumb.Name)
		thumbnailURL, err = q.exec.Transfer(ctx, thumbKey, *thumb, nil)
		if err != nil {
			q.finishAttempt(t, attempt, err)
			return
		}
	}

	q.completeTask(t, attempt, url, thumbnailURL)
}

// reportProgress 传输进度回调。只接受当前尝试、uploading 状态下的
// 单调递增值，保证重试重置后不会混入上一次尝试的残留进度。
func (q *Queue) reportProgress(t *trackedTask, attempt int, pct float64) {
	q.mu.Lock()
	if t.task.Attempt != attempt || t.task.Status != model.TaskStatusUploading || pct <= t.task.Progress {
		q.mu.Unlock()
		return
	}
	t.task.Progress = pct
	snap := *t.task
	q.mu.Unlock()
	q.emitProgress(snap)
}

// finishAttempt 处理一次尝试的失败：中断、重试或终态
func (q *Queue) finishAttempt(t *trackedTask, attempt int, err error) {
	kind := Classify(err)

	q.mu.Lock()
	// 过期尝试：任务已被重新调度，释放本次尝试的槽位后不再处理结果
	if t.task.Attempt != attempt {
		q.releaseLocked(t, attempt)
		started := q.admitLocked()
		q.mu.Unlock()
		q.emitProgress(started...)
		return
	}

	// 主动中断：状态已由 Pause/Cancel/Shutdown 设置，这里只释放槽位
	if kind == KindAborted {
		q.releaseLocked(t, attempt)
		if t.task.Status == model.TaskStatusUploading {
			// 关停路径上没有人改写状态，停靠为 paused
			t.task.Status = model.TaskStatusPaused
		}
		started := q.admitLocked()
		q.mu.Unlock()
		q.emitProgress(started...)
		return
	}

	if t.task.Status == model.TaskStatusCancelled {
		q.releaseLocked(t, attempt)
		started := q.admitLocked()
		q.mu.Unlock()
		q.emitProgress(started...)
		return
	}

	var completions []CompleteResult
	decision := q.policy.Decide(t.task.RetryCount, kind)
	if decision.Retry && t.task.CanRetry() {
		t.task.ScheduleRetry(err.Error(), time.Now().Add(decision.Delay))
		q.releaseLocked(t, attempt)
		q.scheduleReadmitLocked(t.task.ID, decision.Delay)
		q.log.Warnf("任务将重试: %s (%s), 第 %d/%d 次, %s 后重新入队, 原因: %v",
			t.task.ID, t.task.Source.Name, t.task.RetryCount, t.task.MaxRetryCount, decision.Delay, err)
	} else {
		t.task.FailTerminal(err.Error())
		q.releaseLocked(t, attempt)
		completions = q.settleLocked(t)
		q.log.Errorf("任务失败(%s): %s (%s), 重试 %d 次, 错误: %v",
			kind, t.task.ID, t.task.Source.Name, t.task.RetryCount, err)
	}
	started := q.admitLocked()
	snap := *t.task
	q.mu.Unlock()

	q.emitProgress(snap)
	q.emitProgress(started...)
	q.emitComplete(completions...)
}

// completeTask 一次尝试成功结束
func (q *Queue) completeTask(t *trackedTask, attempt int, url, thumbnailURL string) {
	q.mu.Lock()
	// 过期尝试：释放槽位即可，上传产物由当前尝试重新产生
	if t.task.Attempt != attempt {
		q.releaseLocked(t, attempt)
		started := q.admitLocked()
		q.mu.Unlock()
		q.emitProgress(started...)
		return
	}
	if t.task.Status == model.TaskStatusCancelled {
		q.releaseLocked(t, attempt)
		started := q.admitLocked()
		q.mu.Unlock()
		q.emitProgress(started...)
		return
	}

	t.task.Complete(url, thumbnailURL)
	q.releaseLocked(t, attempt)
	completions := q.settleLocked(t)
	started := q.admitLocked()
	snap := *t.task
	q.mu.Unlock()

	q.log.Infof("任务完成: %s (%s) -> %s", snap.ID, snap.Source.Name, url)
	q.emitProgress(snap)
	q.emitProgress(started...)
	q.emitComplete(completions...)
}

// releaseLocked 释放一次尝试占用的槽位。每次 dispatch 恰好对应一次
// release，全部发生在任务协程的退出路径上。中断句柄只在仍属于本次
// 尝试时作废，过期尝试不得碰下一次尝试的句柄。
func (q *Queue) releaseLocked(t *trackedTask, attempt int) {
	if t.task.Attempt == attempt {
		t.cancel = nil
	}
	q.active--
}

// settleLocked 结算终态：只允许一次，关联批次同步递减
func (q *Queue) settleLocked(t *trackedTask) []CompleteResult {
	if t.finished {
		return nil
	}
	t.finished = true

	now := time.Now()
	t.task.FinishedAt = &now
	q.stopTimerLocked(t.task.ID)

	if t.batch != nil {
		t.batch.remaining--
		if t.batch.remaining == 0 {
			close(t.batch.done)
		}
	}

	return []CompleteResult{{
		TaskID:        t.task.ID,
		OwnerID:       t.task.OwnerID,
		AssociationID: t.task.AssociationID,
		FileName:      t.task.Source.Name,
		ContentType:   t.task.Source.ContentType,
		Size:          t.task.Source.Size,
		Success:       t.task.Status == model.TaskStatusCompleted,
		Status:        t.task.Status,
		URL:           t.task.UploadedURL,
		ThumbnailURL:  t.task.ThumbnailURL,
		Error:         t.task.LastError,
		RetryCount:    t.task.RetryCount,
	}}
}

// scheduleReadmitLocked 退避到期后重新触发准入扫描
func (q *Queue) scheduleReadmitLocked(taskID string, delay time.Duration) {
	q.stopTimerLocked(taskID)
	q.timers[taskID] = time.AfterFunc(delay+time.Millisecond, func() {
		q.mu.Lock()
		delete(q.timers, taskID)
		started := q.admitLocked()
		q.mu.Unlock()
		q.emitProgress(started...)
	})
}

// stopTimerLocked 停掉任务的退避定时器（如果有）
func (q *Queue) stopTimerLocked(taskID string) {
	if timer, ok := q.timers[taskID]; ok {
		timer.Stop()
		delete(q.timers, taskID)
	}
}

// emitProgress 在持锁区外触发进度回调
func (q *Queue) emitProgress(snaps ...model.UploadTask) {
	q.mu.Lock()
	fn := q.onProgress
	q.mu.Unlock()
	if fn == nil {
		return
	}
	for _, s := range snaps {
		fn(s)
	}
}

// emitComplete 在持锁区外触发终态回调
func (q *Queue) emitComplete(results ...CompleteResult) {
	q.mu.Lock()
	fn := q.onComplete
	q.mu.Unlock()
	if fn == nil {
		return
	}
	for _, r := range results {
		fn(r)
	}
}
