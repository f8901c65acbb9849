package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusError, TaskStatusCancelled}
	active := []TaskStatus{TaskStatusPending, TaskStatusProcessing, TaskStatusUploading, TaskStatusPaused}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status=%s", s)
	}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), "status=%s", s)
	}
}

func TestRetryLifecycle(t *testing.T) {
	task := &UploadTask{Status: TaskStatusPending, MaxRetryCount: 2}

	task.BeginAttempt()
	assert.Equal(t, 1, task.Attempt)

	readyAt := time.Now().Add(time.Second)
	task.ScheduleRetry("连接被重置", readyAt)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "连接被重置", task.LastError)
	assert.Equal(t, readyAt, task.NextAttemptAt)
	assert.True(t, task.CanRetry())

	// 新一次尝试清空错误、进度与退避时间
	task.Progress = 40
	task.BeginAttempt()
	assert.Equal(t, 2, task.Attempt)
	assert.Empty(t, task.LastError)
	assert.Zero(t, task.Progress)
	assert.True(t, task.NextAttemptAt.IsZero())

	task.ScheduleRetry("又断了", time.Now())
	assert.False(t, task.CanRetry())

	task.FailTerminal("重试耗尽")
	assert.Equal(t, TaskStatusError, task.Status)
	assert.True(t, task.Status.IsTerminal())
}

func TestComplete(t *testing.T) {
	task := &UploadTask{Status: TaskStatusUploading, Progress: 80, LastError: "旧错误"}
	task.Complete("https://s.test/a.jpg", "https://s.test/a_thumb.jpg")

	assert.Equal(t, TaskStatusCompleted, task.Status)
	assert.Equal(t, float64(100), task.Progress)
	assert.Equal(t, "https://s.test/a.jpg", task.UploadedURL)
	assert.Equal(t, "https://s.test/a_thumb.jpg", task.ThumbnailURL)
	assert.Empty(t, task.LastError)
}

func TestUploadBlobPrefersProcessed(t *testing.T) {
	source := FileBlob{Name: "a.png", Size: 100}
	task := &UploadTask{Source: source}
	assert.Equal(t, source, task.UploadBlob())

	processed := &FileBlob{Name: "a.jpg", Size: 40}
	task.Processed = processed
	assert.Equal(t, *processed, task.UploadBlob())
}
