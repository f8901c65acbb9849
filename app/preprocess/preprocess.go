// Package preprocess 实现图片的压缩与缩略图生成。
// 纯内存转换，不做网络 I/O，也绝不修改源文件内容。
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"media-flow/app/config"
	"media-flow/app/logger"
	"media-flow/app/model"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // 注册 webp 解码器
)

// ErrUndecodable 源数据损坏或编码不受支持，无法解码
var ErrUndecodable = errors.New("图片数据无法解码")

// 支持预处理的图片 Content-Type；其余类型原样透传
var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Processor 图片预处理器
type Processor struct {
	cfg config.ImageConfig
	log *logger.Logger
}

// New 创建预处理器
func New(cfg config.ImageConfig, log *logger.Logger) *Processor {
	if cfg.MaxSizeKB <= 0 {
		cfg.MaxSizeKB = 1024
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 1920
	}
	if cfg.ThumbDimension <= 0 {
		cfg.ThumbDimension = 300
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	return &Processor{cfg: cfg, log: log}
}

// Supported 判断该 Content-Type 是否参与预处理
func Supported(contentType string) bool {
	return supportedTypes[strings.ToLower(strings.TrimSpace(contentType))]
}

// Process 对图片生成压缩产物与缩略图。
// 非图片输入不算错误，返回空结果表示原样透传；
// 解码失败返回包装了 ErrUndecodable 的错误。
func (p *Processor) Process(blob model.FileBlob) (*model.PreprocessResult, error) {
	if !p.cfg.Enabled || !Supported(blob.ContentType) {
		return &model.PreprocessResult{}, nil
	}

	src, format, err := image.Decode(bytes.NewReader(blob.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	bounds := src.Bounds()
	meta := &model.ImageMeta{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
		Bytes:  int64(len(blob.Data)),
	}
	if meta.Height > 0 {
		meta.AspectRatio = float64(meta.Width) / float64(meta.Height)
	}

	// 压缩产物：长边不超过 MaxDimension，体积不超过 MaxSizeKB
	compressed, outType, err := p.compress(src, format)
	if err != nil {
		return nil, fmt.Errorf("压缩图片失败: %w", err)
	}

	processed := &model.FileBlob{
		Name:        renameForType(blob.Name, outType),
		ContentType: outType,
		Size:        int64(len(compressed)),
		Data:        compressed,
	}

	// 缩略图：统一编码为 JPEG，保证下游处理可预期
	thumbData, err := p.thumbnail(src)
	if err != nil {
		return nil, fmt.Errorf("生成缩略图失败: %w", err)
	}
	thumbnail := &model.FileBlob{
		Name:        thumbName(blob.Name),
		ContentType: "image/jpeg",
		Size:        int64(len(thumbData)),
		Data:        thumbData,
	}

	return &model.PreprocessResult{
		Processed: processed,
		Thumbnail: thumbnail,
		Meta:      meta,
	}, nil
}

// compress 生成受体积与尺寸双重约束的压缩产物，返回数据与 Content-Type
func (p *Processor) compress(src image.Image, format string) ([]byte, string, error) {
	maxBytes := p.cfg.MaxSizeKB * 1024

	img := fitWithin(src, p.cfg.MaxDimension)

	// PNG 先尝试保持无损；超出体积上限再降级为 JPEG
	if format == "png" {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", err
		}
		if buf.Len() <= maxBytes {
			return buf.Bytes(), "image/png", nil
		}
	}

	// JPEG 不支持透明通道，先铺白底
	flat := flattenWhite(img)

	// 逐级降低质量
	var last []byte
	for q := p.cfg.Quality; q >= 30; q -= 10 {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
			return nil, "", err
		}
		last = buf.Bytes()
		if len(last) <= maxBytes {
			return last, "image/jpeg", nil
		}
	}

	// 质量已到下限仍超限，继续缩小尺寸（尺寸与体积上限优先于质量）
	for dim := p.cfg.MaxDimension / 2; dim >= 320; dim /= 2 {
		smaller := flattenWhite(fitWithin(src, dim))
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, smaller, imaging.JPEG, imaging.JPEGQuality(30)); err != nil {
			return nil, "", err
		}
		last = buf.Bytes()
		if len(last) <= maxBytes {
			return last, "image/jpeg", nil
		}
	}

	p.log.Warnf("图片压缩后仍超出体积上限 %dKB，按最小产物返回", p.cfg.MaxSizeKB)
	return last, "image/jpeg", nil
}

// thumbnail 生成长边不超过 ThumbDimension 的 JPEG 缩略图
func (p *Processor) thumbnail(src image.Image) ([]byte, error) {
	thumb := flattenWhite(fitWithin(src, p.cfg.ThumbDimension))
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fitWithin 等比缩放到长边不超过 maxDim，绝不放大
func fitWithin(src image.Image, maxDim int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return src
	}
	return imaging.Fit(src, maxDim, maxDim, imaging.Lanczos)
}

// flattenWhite 把可能带透明通道的图像铺到白色背景上
func flattenWhite(src image.Image) image.Image {
	bounds := src.Bounds()
	bg := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.OverlayCenter(bg, src, 1.0)
}

// renameForType 按输出类型调整文件扩展名
func renameForType(name, contentType string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	switch contentType {
	case "image/jpeg":
		return base + ".jpg"
	case "image/png":
		return base + ".png"
	}
	return name
}

// thumbName 缩略图文件名
func thumbName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return base + "_thumb.jpg"
}
