package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"net"

	"media-flow/app/preprocess"

	"github.com/minio/minio-go/v7"
)

// ErrorKind 传输/预处理失败的分类，重试策略据此决定是否重试
type ErrorKind int

const (
	KindNone       ErrorKind = iota
	KindValidation           // 提交时即拒绝的非法输入，不会成为任务
	KindCorrupt              // 源文件损坏，重试无意义
	KindPreprocess           // 预处理的瞬时失败（如资源紧张）
	KindNetwork              // 网络错误或服务端 5xx
	KindTimeout              // 传输超时 / 无进度
	KindAuth                 // 认证或权限失败
	KindQuota                // 存储配额不足
	KindAborted              // 用户主动中断，不算失败
)

// String 返回分类名称
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCorrupt:
		return "corrupt"
	case KindPreprocess:
		return "preprocess"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindAborted:
		return "aborted"
	}
	return "none"
}

// Retryable 该分类是否允许重试
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindPreprocess:
		return true
	}
	return false
}

// TransferError 带分类的传输错误
type TransferError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Classify 推断错误分类。已携带分类的错误直接返回；
// 其余按上下文取消、存储服务响应码、网络错误依次判断。
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, preprocess.ErrUndecodable) {
		return KindCorrupt
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	// S3 兼容服务的错误响应码
	resp := minio.ToErrorResponse(err)
	if resp.Code != "" {
		switch resp.Code {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "AccountProblem":
			return KindAuth
		case "QuotaExceeded", "ServiceQuotaExceeded", "EntityTooLarge":
			return KindQuota
		case "RequestTimeout":
			return KindTimeout
		}
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			return KindAuth
		}
		if resp.StatusCode >= 500 {
			// 服务端暂时性故障按网络错误重试
			return KindNetwork
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindNetwork
}
