package storage

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// BuildObjectKey 根据 (上传者, 关联对象, 任务) 生成对象 key，
// 同一任务的所有产物（原件、缩略图）落在同一目录下。
func BuildObjectKey(prefix string, ownerID uint, associationID, taskID, filename string) string {
	assoc := associationID
	if assoc == "" {
		assoc = "unassigned"
	}
	return path.Join(prefix, fmt.Sprintf("user-%d", ownerID), sanitizeSegment(assoc), taskID, SanitizeFileName(filename))
}

// SanitizeFileName 规范化文件名：NFC 归一，剔除路径分隔符与控制字符
func SanitizeFileName(name string) string {
	name = norm.NFC.String(name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// 丢弃控制字符
		case r == '/' || r == '\\':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	return out
}

// sanitizeSegment 处理 key 中的目录段
func sanitizeSegment(seg string) string {
	seg = SanitizeFileName(seg)
	return strings.ReplaceAll(seg, " ", "-")
}
