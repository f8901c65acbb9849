package uploadqueue

import (
	"media-flow/app/model"
)

// Stats 队列聚合统计
type Stats struct {
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Uploading       int     `json:"uploading"`
	Paused          int     `json:"paused"`
	Completed       int     `json:"completed"`
	Error           int     `json:"error"`
	Cancelled       int     `json:"cancelled"`
	Total           int     `json:"total"`
	QueuePaused     bool    `json:"queue_paused"`
	OverallProgress float64 `json:"overall_progress"`
}

// Stats 统计当前列表中各状态的任务数与整体进度。
// 整体进度是列表内全部任务进度的算术平均，空列表为 0。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{QueuePaused: q.paused}
	sum := 0.0
	for _, t := range q.tasks {
		switch t.task.Status {
		case model.TaskStatusPending:
			s.Pending++
		case model.TaskStatusProcessing:
			s.Processing++
		case model.TaskStatusUploading:
			s.Uploading++
		case model.TaskStatusPaused:
			s.Paused++
		case model.TaskStatusCompleted:
			s.Completed++
		case model.TaskStatusError:
			s.Error++
		case model.TaskStatusCancelled:
			s.Cancelled++
		}
		sum += t.task.Progress
	}
	s.Total = len(q.tasks)
	if s.Total > 0 {
		s.OverallProgress = sum / float64(s.Total)
	}
	return s
}

// Tasks 返回全部任务的快照，按提交顺序
func (q *Queue) Tasks() []model.UploadTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.UploadTask, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t.task)
	}
	return out
}

// Task 按 ID 返回单个任务快照
func (q *Queue) Task(id string) (model.UploadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return model.UploadTask{}, false
	}
	return *t.task, true
}
