package uploadqueue

import (
	"context"
	"errors"
	"io"
	"path"
	"sync"
	"testing"
	"time"

	"media-flow/app/config"
	"media-flow/app/logger"
	"media-flow/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

// fakeStore 内存对象存储，可注入失败次数与阻塞闸门
type fakeStore struct {
	mu          sync.Mutex
	puts        map[string]int64
	failLeft    map[string]int // 文件名 -> 剩余失败次数
	failErr     error
	gate        chan struct{} // 非 nil 时 Put 阻塞到闸门关闭或 ctx 取消
	inflight    int
	maxInflight int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		puts:     make(map[string]int64),
		failLeft: make(map[string]int),
		failErr:  &TransferError{Kind: KindNetwork, Err: errors.New("连接被重置")},
	}
}

func (f *fakeStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	gate := f.gate
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	name := path.Base(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failLeft[name]; n > 0 {
		f.failLeft[name] = n - 1
		return "", f.failErr
	}
	f.puts[key] = int64(len(data))
	return "https://store.test/" + key, nil
}

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

// passthroughPre 不做任何预处理
type passthroughPre struct{}

func (passthroughPre) Process(blob model.FileBlob) (*model.PreprocessResult, error) {
	return &model.PreprocessResult{}, nil
}

// failingPre 固定返回错误
type failingPre struct{ err error }

func (p failingPre) Process(blob model.FileBlob) (*model.PreprocessResult, error) {
	return nil, p.err
}

func testConfig() config.UploadConfig {
	return config.UploadConfig{
		MaxConcurrent: 2,
		MaxRetries:    3,
		BaseDelayMs:   1,
		MaxDelayMs:    5,
		MaxFileSizeMB: 10,
		AllowedTypes:  []string{"image/", "video/"},
	}
}

func newTestQueue(t *testing.T, store *fakeStore, pre Preprocessor) *Queue {
	t.Helper()
	q := New(testConfig(), store, pre, "uploads", testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func blobNamed(name, contentType string, size int) model.FileBlob {
	return model.FileBlob{
		Name:        name,
		ContentType: contentType,
		Size:        int64(size),
		Data:        make([]byte, size),
	}
}

func waitBatch(t *testing.T, batch *Batch) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, batch.Wait(ctx))
}

func TestSubmitAndComplete(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	var mu sync.Mutex
	var results []CompleteResult
	q.OnComplete(func(r CompleteResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	batch, rejected := q.Submit(7, "album-1", []model.FileBlob{
		blobNamed("a.mp4", "video/mp4", 1024),
		blobNamed("b.mp4", "video/mp4", 2048),
	})
	require.Empty(t, rejected)
	require.Len(t, batch.TaskIDs(), 2)

	waitBatch(t, batch)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, model.TaskStatusCompleted, r.Status)
		assert.Equal(t, uint(7), r.OwnerID)
		assert.Equal(t, "album-1", r.AssociationID)
		assert.NotEmpty(t, r.URL)
	}
	assert.Equal(t, 2, store.putCount())

	for _, id := range batch.TaskIDs() {
		task, ok := q.Task(id)
		require.True(t, ok)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
		assert.Equal(t, float64(100), task.Progress)
	}
}

func TestSubmitValidation(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	batch, rejected := q.Submit(1, "", []model.FileBlob{
		blobNamed("ok.jpg", "image/jpeg", 10),
		blobNamed("empty.jpg", "image/jpeg", 0),
		blobNamed("doc.pdf", "application/pdf", 10),
		blobNamed("huge.mp4", "video/mp4", 11*1024*1024),
	})

	require.Len(t, batch.TaskIDs(), 1)
	require.Len(t, rejected, 3)
	names := []string{rejected[0].Name, rejected[1].Name, rejected[2].Name}
	assert.ElementsMatch(t, []string{"empty.jpg", "doc.pdf", "huge.mp4"}, names)

	waitBatch(t, batch)
}

func TestSubmitAllRejectedBatchDone(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	batch, rejected := q.Submit(1, "", []model.FileBlob{
		blobNamed("doc.pdf", "application/pdf", 10),
	})
	require.Len(t, rejected, 1)
	require.Empty(t, batch.TaskIDs())

	// 空批次立即结束
	waitBatch(t, batch)
}

func TestConcurrencyLimit(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	q := newTestQueue(t, store, passthroughPre{})

	var files []model.FileBlob
	for _, n := range []string{"1.mp4", "2.mp4", "3.mp4", "4.mp4", "5.mp4"} {
		files = append(files, blobNamed(n, "video/mp4", 64))
	}
	batch, _ := q.Submit(1, "", files)

	// 两个任务进入传输并卡在闸门，其余保持 pending
	require.Eventually(t, func() bool {
		return q.Stats().Uploading == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, q.Stats().Pending)

	close(store.gate)
	waitBatch(t, batch)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.LessOrEqual(t, store.maxInflight, 2)
	assert.Equal(t, 5, len(store.puts))
}

func TestRetryThenSucceed(t *testing.T) {
	store := newFakeStore()
	store.failLeft["a.mp4"] = 2
	q := newTestQueue(t, store, passthroughPre{})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("a.mp4", "video/mp4", 64)})
	waitBatch(t, batch)

	task, ok := q.Task(batch.TaskIDs()[0])
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Empty(t, task.LastError)
}

func TestRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	store.failLeft["a.mp4"] = 100
	q := newTestQueue(t, store, passthroughPre{})

	var mu sync.Mutex
	var results []CompleteResult
	q.OnComplete(func(r CompleteResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("a.mp4", "video/mp4", 64)})
	waitBatch(t, batch)

	task, ok := q.Task(batch.TaskIDs()[0])
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.NotEmpty(t, task.LastError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 3, results[0].RetryCount)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	store := newFakeStore()
	store.failLeft["a.mp4"] = 100
	store.failErr = &TransferError{Kind: KindQuota, Err: errors.New("存储配额已满")}
	q := newTestQueue(t, store, passthroughPre{})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("a.mp4", "video/mp4", 64)})
	waitBatch(t, batch)

	task, ok := q.Task(batch.TaskIDs()[0])
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Equal(t, 0, task.RetryCount)
}

func TestPreprocessFailureTerminal(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, failingPre{err: &TransferError{Kind: KindCorrupt, Err: errors.New("坏文件")}})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("bad.jpg", "image/jpeg", 64)})
	waitBatch(t, batch)

	task, ok := q.Task(batch.TaskIDs()[0])
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusError, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 0, store.putCount())
}

func TestCancelPendingTask(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	q := newTestQueue(t, store, passthroughPre{})

	var mu sync.Mutex
	completions := 0
	q.OnComplete(func(r CompleteResult) {
		mu.Lock()
		completions++
		mu.Unlock()
	})

	batch, _ := q.Submit(1, "", []model.FileBlob{
		blobNamed("1.mp4", "video/mp4", 64),
		blobNamed("2.mp4", "video/mp4", 64),
		blobNamed("3.mp4", "video/mp4", 64),
	})

	require.Eventually(t, func() bool {
		return q.Stats().Uploading == 2
	}, 5*time.Second, 10*time.Millisecond)

	// 第三个任务仍在排队，取消后不应再被调度
	pendingID := batch.TaskIDs()[2]
	require.NoError(t, q.Cancel(pendingID))

	// 幂等：重复取消不报错也不重复计数
	require.NoError(t, q.Cancel(pendingID))

	close(store.gate)
	waitBatch(t, batch)

	task, ok := q.Task(pendingID)
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)
	assert.Equal(t, 2, store.putCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, completions)
}

func TestCancelUploadingTask(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	q := newTestQueue(t, store, passthroughPre{})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("1.mp4", "video/mp4", 64)})

	require.Eventually(t, func() bool {
		return q.Stats().Uploading == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Cancel(batch.TaskIDs()[0]))
	close(store.gate)
	waitBatch(t, batch)

	task, ok := q.Task(batch.TaskIDs()[0])
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)
	assert.Equal(t, 0, store.putCount())
}

func TestPauseResume(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	q.Pause()

	batch, _ := q.Submit(1, "", []model.FileBlob{
		blobNamed("1.mp4", "video/mp4", 64),
		blobNamed("2.mp4", "video/mp4", 64),
	})

	// 暂停期间不调度
	time.Sleep(50 * time.Millisecond)
	stats := q.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.True(t, stats.QueuePaused)
	assert.Equal(t, 0, store.putCount())

	q.Resume()
	waitBatch(t, batch)
	assert.Equal(t, 2, store.putCount())
}

func TestPauseInterruptsUpload(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	q := newTestQueue(t, store, passthroughPre{})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("1.mp4", "video/mp4", 64)})

	require.Eventually(t, func() bool {
		return q.Stats().Uploading == 1
	}, 5*time.Second, 10*time.Millisecond)

	q.Pause()

	// 在途传输被中断并停靠为 paused，不消耗重试次数
	require.Eventually(t, func() bool {
		task, _ := q.Task(batch.TaskIDs()[0])
		return task.Status == model.TaskStatusPaused
	}, 5*time.Second, 10*time.Millisecond)
	task, _ := q.Task(batch.TaskIDs()[0])
	assert.Equal(t, 0, task.RetryCount)

	close(store.gate)
	q.Resume()
	waitBatch(t, batch)

	task, _ = q.Task(batch.TaskIDs()[0])
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
}

func TestProgressMonotonicPerAttempt(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	var mu sync.Mutex
	progress := make(map[string][]float64)
	q.OnProgress(func(task model.UploadTask) {
		if task.Status != model.TaskStatusUploading {
			return
		}
		mu.Lock()
		progress[task.ID] = append(progress[task.ID], task.Progress)
		mu.Unlock()
	})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("1.mp4", "video/mp4", 4096)})
	waitBatch(t, batch)

	mu.Lock()
	defer mu.Unlock()
	seq := progress[batch.TaskIDs()[0]]
	require.NotEmpty(t, seq)
	for i := 1; i < len(seq); i++ {
		assert.GreaterOrEqual(t, seq[i], seq[i-1])
	}
}

func TestUpdateAssociationID(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	q.Pause()
	batch, _ := q.Submit(1, "", []model.FileBlob{
		blobNamed("1.mp4", "video/mp4", 64),
		blobNamed("2.mp4", "video/mp4", 64),
	})

	updated := q.UpdateAssociationID("album-9")
	assert.Equal(t, 2, updated)

	var mu sync.Mutex
	var results []CompleteResult
	q.OnComplete(func(r CompleteResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	q.Resume()
	waitBatch(t, batch)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "album-9", r.AssociationID)
	}
}

func TestClearCompleted(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	batch, _ := q.Submit(1, "", []model.FileBlob{
		blobNamed("1.mp4", "video/mp4", 64),
		blobNamed("2.mp4", "video/mp4", 64),
	})
	waitBatch(t, batch)

	removed := q.ClearCompleted()
	assert.Equal(t, 2, removed)
	assert.Empty(t, q.Tasks())

	_, ok := q.Task(batch.TaskIDs()[0])
	assert.False(t, ok)
}

func TestSweepRetention(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	batch, _ := q.Submit(1, "", []model.FileBlob{blobNamed("1.mp4", "video/mp4", 64)})
	waitBatch(t, batch)

	// 保留期内不清理
	removed := q.Sweep(time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	assert.Equal(t, 0, removed)

	// 结束时间早于清理线则移除
	removed = q.Sweep(time.Now().Add(time.Hour), time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)
	assert.Empty(t, q.Tasks())
}

func TestStatsOverallProgress(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	batch, _ := q.Submit(1, "", []model.FileBlob{
		blobNamed("1.mp4", "video/mp4", 64),
		blobNamed("2.mp4", "video/mp4", 64),
	})
	waitBatch(t, batch)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, float64(100), stats.OverallProgress)
}

func TestCancelUnknownTask(t *testing.T) {
	store := newFakeStore()
	q := newTestQueue(t, store, passthroughPre{})

	err := q.Cancel("no-such-task")
	assert.Error(t, err)
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	store := newFakeStore()
	q := New(testConfig(), store, passthroughPre{}, "uploads", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	batch, rejected := q.Submit(1, "", []model.FileBlob{blobNamed("1.mp4", "video/mp4", 64)})
	assert.Empty(t, batch.TaskIDs())
	require.Len(t, rejected, 1)
	assert.Equal(t, "队列已关闭", rejected[0].Reason)
	waitBatch(t, batch)
}
