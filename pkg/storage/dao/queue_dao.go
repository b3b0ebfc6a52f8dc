package dao

// QueuedTaskDAO ne_task_queue表的数据访问对象（内部使用）
// 时间字段统一为毫秒时间戳，由调用方的时钟写入
type QueuedTaskDAO struct {
	ID             string `db:"id"`
	ExecutionID    string `db:"execution_id"`
	TaskType       string `db:"task_type"`
	Priority       int    `db:"priority"`
	Body           string `db:"body"` // Task的JSON
	RetryCount     int    `db:"retry_count"`
	VisibleAt      int64  `db:"visible_at"`
	LeaseToken     string `db:"lease_token"`
	LeaseExpiresAt int64  `db:"lease_expires_at"`
	CreatedAt      int64  `db:"created_at"`
}

// QueueStatsDAO 队列统计查询结果
type QueueStatsDAO struct {
	Leased int64 `db:"leased"`
	Ready  int64 `db:"ready"`
	Total  int64 `db:"total"`
}
