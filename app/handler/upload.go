package handler

import (
	"io"
	"net/http"

	"media-flow/app/logger"
	"media-flow/app/model"
	"media-flow/app/uploadqueue"

	"github.com/gin-gonic/gin"
)

// UploadHandler 上传队列处理器
type UploadHandler struct {
	queue  *uploadqueue.Queue
	logger *logger.Logger
}

// NewUploadHandler 创建上传队列处理器
func NewUploadHandler(queue *uploadqueue.Queue, log *logger.Logger) *UploadHandler {
	return &UploadHandler{
		queue:  queue,
		logger: log,
	}
}

// currentUserID 从认证中间件注入的上下文取用户 ID
func currentUserID(c *gin.Context) (uint, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}

// SubmitResponse 提交响应：已入队的任务 ID 与被拒绝的文件
type SubmitResponse struct {
	TaskIDs  []string               `json:"task_ids"`
	Rejected []uploadqueue.Rejected `json:"rejected"`
}

// Submit 批量提交上传，multipart 表单，files 字段可多值
func (h *UploadHandler) Submit(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		fail(c, http.StatusBadRequest, 400, "解析表单失败: "+err.Error())
		return
	}

	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		fail(c, http.StatusBadRequest, 400, "没有上传文件")
		return
	}

	associationID := c.PostForm("association_id")

	var blobs []model.FileBlob
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			fail(c, http.StatusBadRequest, 400, "读取文件失败: "+fh.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			fail(c, http.StatusBadRequest, 400, "读取文件失败: "+fh.Filename)
			return
		}

		blobs = append(blobs, model.FileBlob{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        int64(len(data)),
			Data:        data,
		})
	}

	batch, rejected := h.queue.Submit(userID, associationID, blobs)

	success(c, SubmitResponse{
		TaskIDs:  batch.TaskIDs(),
		Rejected: rejected,
	}, "提交成功")
}

// ListTasks 查询当前用户的任务快照，按提交顺序
func (h *UploadHandler) ListTasks(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	var tasks []model.UploadTask
	for _, t := range h.queue.Tasks() {
		if t.OwnerID == userID {
			tasks = append(tasks, t)
		}
	}

	success(c, tasks, "success")
}

// GetTask 查询单个任务
func (h *UploadHandler) GetTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	task, found := h.queue.Task(c.Param("id"))
	if !found || task.OwnerID != userID {
		fail(c, http.StatusNotFound, 404, "任务不存在")
		return
	}

	success(c, task, "success")
}

// Stats 队列聚合统计
func (h *UploadHandler) Stats(c *gin.Context) {
	success(c, h.queue.Stats(), "success")
}

// Pause 暂停队列
func (h *UploadHandler) Pause(c *gin.Context) {
	h.queue.Pause()
	success(c, nil, "队列已暂停")
}

// Resume 恢复队列
func (h *UploadHandler) Resume(c *gin.Context) {
	h.queue.Resume()
	success(c, nil, "队列已恢复")
}

// CancelTask 取消单个任务
func (h *UploadHandler) CancelTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	id := c.Param("id")
	task, found := h.queue.Task(id)
	if !found || task.OwnerID != userID {
		fail(c, http.StatusNotFound, 404, "任务不存在")
		return
	}

	if err := h.queue.Cancel(id); err != nil {
		fail(c, http.StatusInternalServerError, 500, "取消任务失败: "+err.Error())
		return
	}
	success(c, nil, "任务已取消")
}

// CancelAll 取消所有未结束的任务
func (h *UploadHandler) CancelAll(c *gin.Context) {
	h.queue.CancelAll()
	success(c, nil, "已取消全部任务")
}

// ClearCompleted 清理已完成与已取消的任务
func (h *UploadHandler) ClearCompleted(c *gin.Context) {
	removed := h.queue.ClearCompleted()
	success(c, gin.H{"removed": removed}, "清理完成")
}

// UpdateAssociationRequest 补挂关联标识请求
type UpdateAssociationRequest struct {
	AssociationID string `json:"association_id" binding:"required"`
}

// UpdateAssociation 给仍在等待的任务补挂关联对象标识
func (h *UploadHandler) UpdateAssociation(c *gin.Context) {
	var req UpdateAssociationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	updated := h.queue.UpdateAssociationID(req.AssociationID)
	success(c, gin.H{"updated": updated}, "关联标识已更新")
}
