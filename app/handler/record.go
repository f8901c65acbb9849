package handler

import (
	"net/http"
	"strconv"

	"media-flow/app/service"

	"github.com/gin-gonic/gin"
)

// RecordHandler 上传历史处理器
type RecordHandler struct {
	recordSvc *service.UploadRecordService
}

// NewRecordHandler 创建上传历史处理器
func NewRecordHandler(recordSvc *service.UploadRecordService) *RecordHandler {
	return &RecordHandler{recordSvc: recordSvc}
}

// List 分页查询当前用户的上传历史
func (h *RecordHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	records, total, err := h.recordSvc.List(userID, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, "查询上传记录失败: "+err.Error())
		return
	}

	success(c, gin.H{
		"records":   records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}, "success")
}

// Get 按任务 ID 查询单条上传历史
func (h *RecordHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	record, err := h.recordSvc.Get(userID, c.Param("task_id"))
	if err != nil {
		fail(c, http.StatusNotFound, 404, "记录不存在")
		return
	}

	success(c, record, "success")
}
