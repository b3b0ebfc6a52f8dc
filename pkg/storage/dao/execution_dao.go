package dao

// ExecutionDAO ne_execution表的数据访问对象（内部使用）
type ExecutionDAO struct {
	ExecutionID     string `db:"execution_id"`
	WorkflowID      string `db:"workflow_id"`
	Status          string `db:"status"`
	Mode            string `db:"mode"`
	SnapshotRef     string `db:"snapshot_ref"` // PayloadRef的JSON
	NodeCount       int    `db:"node_count"`
	CancelRequested int    `db:"cancel_requested"`
	ErrorMessage    string `db:"error_message"`
	ResumedFrom     string `db:"resumed_from"`
	CreatedAt       int64  `db:"created_at"`
	StartedAt       int64  `db:"started_at"` // 0表示未开始
	EndedAt         int64  `db:"ended_at"`   // 0表示未结束
	UpdatedAt       int64  `db:"updated_at"`
}

// NodeResultDAO ne_node_result表的数据访问对象（内部使用）
type NodeResultDAO struct {
	ExecutionID    string `db:"execution_id"`
	NodeID         string `db:"node_id"`
	Status         string `db:"status"`
	OutputRef      string `db:"output_ref"` // PayloadRef的JSON
	ErrorMessage   string `db:"error_message"`
	AttemptHistory string `db:"attempt_history"` // []AttemptRecord的JSON
	UpdatedAt      int64  `db:"updated_at"`
}

// DeadLetterDAO ne_dead_letter表的数据访问对象（内部使用）
type DeadLetterDAO struct {
	ID           string `db:"id"`
	TaskID       string `db:"task_id"`
	ExecutionID  string `db:"execution_id"`
	ErrorKind    string `db:"error_kind"`
	ErrorMessage string `db:"error_message"`
	Body         string `db:"body"` // DeadLetterEntry的JSON
	CreatedAt    int64  `db:"created_at"`
}

// LockDAO ne_distributed_lock表的数据访问对象（内部使用）
type LockDAO struct {
	LockID    string `db:"lock_id"`
	Holder    string `db:"holder"`
	Token     int64  `db:"token"`
	ExpiresAt int64  `db:"expires_at"`
	UpdatedAt int64  `db:"updated_at"`
}
