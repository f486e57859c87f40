package model

import "encoding/json"

// TaskKind 任务类型
type TaskKind string

const (
	TaskSingle    TaskKind = "single"
	TaskRecurring TaskKind = "recurring"
)

// ScheduledTask 持久化定时任务。成功即删；失败或周期任务在新ID下重排
// （任务键按ID字典序即时间序）。
type ScheduledTask struct {
	ID            string          `json:"id"`                      // 可排序单调ID
	ScheduledAt   int64           `json:"scheduledAt"`             // 毫秒
	Attempt       int             `json:"attempt"`
	Kind          TaskKind        `json:"kind"`
	Interval      int64           `json:"interval,omitempty"`      // recurring 周期，毫秒
	RetryInterval int64           `json:"retryInterval,omitempty"` // 失败退避，毫秒
	Handler       string          `json:"handler"`                 // 注册的处理器名
	Context       json.RawMessage `json:"context,omitempty"`
	PreviousError string          `json:"previousError,omitempty"`
}
