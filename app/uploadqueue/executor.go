package uploadqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"media-flow/app/logger"
	"media-flow/app/model"
)

// ObjectStore 上传队列对对象存储的全部要求
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
}

// Executor 执行单个文件的传输并上报进度。
// 进度来自对 reader 的包装；连续 stallTimeout 无任何字节流动视为超时。
type Executor struct {
	store        ObjectStore
	stallTimeout time.Duration
	log          *logger.Logger
}

// NewExecutor 创建传输执行器，stallTimeout 为 0 时关闭无进度看门狗
func NewExecutor(store ObjectStore, stallTimeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		store:        store,
		stallTimeout: stallTimeout,
		log:          log,
	}
}

// Transfer 上传 blob 到 key，返回持久地址。
// onProgress 收到单调递增的百分比（0-100）；没有细粒度进度时至少在完成后收到 100。
// ctx 取消会中断传输并返回 KindAborted；无进度超时返回 KindTimeout。
func (e *Executor) Transfer(ctx context.Context, key string, blob model.FileBlob, onProgress func(float64)) (string, error) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	var watchdog *time.Timer
	if e.stallTimeout > 0 {
		watchdog = time.AfterFunc(e.stallTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	size := blob.Size
	if size <= 0 {
		size = int64(len(blob.Data))
	}

	reader := &progressReader{
		r:     bytes.NewBuffer(blob.Data),
		total: size,
		onChunk: func(read int64) {
			if watchdog != nil {
				watchdog.Reset(e.stallTimeout)
			}
			if onProgress != nil {
				onProgress(percent(read, size))
			}
		},
	}

	url, err := e.store.Put(tctx, key, reader, size, blob.ContentType)
	if err != nil {
		if stalled.Load() {
			return "", &TransferError{
				Kind: KindTimeout,
				Err:  fmt.Errorf("传输超过 %s 无进度: %w", e.stallTimeout, err),
			}
		}
		if tctx.Err() != nil && ctx.Err() != nil {
			// 外部取消，属于主动中断而非传输故障
			return "", &TransferError{Kind: KindAborted, Err: err}
		}
		return "", err
	}

	if onProgress != nil {
		onProgress(100)
	}
	return url, nil
}

// progressReader 包装 reader，按读取字节数上报进度
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	onChunk func(read int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onChunk != nil {
			p.onChunk(p.read)
		}
	}
	return n, err
}

// percent 计算百分比，上限 100
func percent(read, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(read) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
