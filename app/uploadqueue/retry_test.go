package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"media-flow/app/preprocess"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 8 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second}, // 封顶
		{10, 8 * time.Second},
	}
	for _, c := range cases {
		d := p.Decide(c.attempt, KindNetwork)
		assert.True(t, d.Retry)
		assert.Equal(t, c.want, d.Delay, "attempt=%d", c.attempt)
	}
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 8 * time.Second}

	for _, kind := range []ErrorKind{KindValidation, KindCorrupt, KindAuth, KindQuota, KindAborted} {
		d := p.Decide(0, kind)
		assert.False(t, d.Retry, "kind=%s", kind)
	}
	for _, kind := range []ErrorKind{KindNetwork, KindTimeout, KindPreprocess} {
		d := p.Decide(0, kind)
		assert.True(t, d.Retry, "kind=%s", kind)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"传输错误携带分类", &TransferError{Kind: KindQuota, Err: errors.New("满了")}, KindQuota},
		{"包装后的传输错误", fmt.Errorf("上传失败: %w", &TransferError{Kind: KindTimeout, Err: errors.New("慢")}), KindTimeout},
		{"无法解码的图片", fmt.Errorf("%w: 坏数据", preprocess.ErrUndecodable), KindCorrupt},
		{"上下文取消", context.Canceled, KindAborted},
		{"上下文超时", context.DeadlineExceeded, KindTimeout},
		{"未知错误按网络处理", errors.New("连接被重置"), KindNetwork},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.err))
		})
	}
}

func TestClassifyMinioResponse(t *testing.T) {
	cases := []struct {
		code string
		want ErrorKind
	}{
		{"AccessDenied", KindAuth},
		{"InvalidAccessKeyId", KindAuth},
		{"QuotaExceeded", KindQuota},
		{"EntityTooLarge", KindQuota},
		{"SlowDown", KindNetwork},
	}
	for _, c := range cases {
		err := minio.ErrorResponse{Code: c.code, StatusCode: 400}
		assert.Equal(t, c.want, Classify(err), "code=%s", c.code)
	}
}
