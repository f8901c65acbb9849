package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildObjectKey(t *testing.T) {
	key := BuildObjectKey("uploads", 7, "album-1", "task-abc", "photo.jpg")
	assert.Equal(t, "uploads/user-7/album-1/task-abc/photo.jpg", key)
}

func TestBuildObjectKeyWithoutAssociation(t *testing.T) {
	key := BuildObjectKey("uploads", 7, "", "task-abc", "photo.jpg")
	assert.Equal(t, "uploads/user-7/unassigned/task-abc/photo.jpg", key)
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{"dir\\evil.png", "evil.png"},
		{"带 空格 的文件.png", "带 空格 的文件.png"},
		{"ctrl\x00char.gif", "ctrlchar.gif"},
		{"", "file"},
		{"..", "file"},
		{"  ", "file"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SanitizeFileName(c.in), "in=%q", c.in)
	}
}

func TestBuildObjectKeySanitizesSegments(t *testing.T) {
	key := BuildObjectKey("uploads", 1, "my album", "t1", "../../../x.png")
	assert.Equal(t, "uploads/user-1/my-album/t1/x.png", key)
}
