package domain

type User struct {
	ID        int64  `json:"id"`
	Nickname  string `json:"nickname,omitempty"`
	Phone     string `json:"phone,omitempty"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Plan is a stored treatment plan. Content holds the serialized plan
// document (weeks or flat-tasks shape); FlowDataJSON holds the free-form
// creation context captured when the plan was generated.
type Plan struct {
	ID           int64   `json:"id"`
	UserID       int64   `json:"user_id"`
	Name         string  `json:"name"`
	Content      string  `json:"content"`
	FlowDataJSON *string `json:"flow_data_json,omitempty"`
	PlanType     string  `json:"plan_type" enum:"monthly,daily"`
	Status       string  `json:"status" enum:"active,completed,paused"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// TodayTask is one schedulable entry surfaced by the daily extractor,
// addressable through its composite ID for later status updates.
type TodayTask struct {
	ID        string   `json:"id"`
	PlanID    int64    `json:"plan_id"`
	PlanName  string   `json:"plan_name"`
	TaskText  string   `json:"task_text"`
	Completed bool     `json:"completed"`
	Day       int      `json:"day"`
	Date      string   `json:"date"`
	WeekInfo  WeekInfo `json:"week_info"`
}

type WeekInfo struct {
	Title      string `json:"title"`
	WeekNumber int    `json:"week_number"`
}

// TaskListStatus distinguishes "no tasks scheduled today" from a
// populated (even if fully incomplete) task list.
type TaskListStatus string

const (
	TaskListOK    TaskListStatus = "ok"
	TaskListEmpty TaskListStatus = "no_tasks"
)

type TaskList struct {
	Date       string         `json:"date"`
	Status     TaskListStatus `json:"status" enum:"ok,no_tasks"`
	TotalCount int            `json:"total_count"`
	Tasks      []TodayTask    `json:"tasks"`
}

type DayStats struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
}

// WeeklyStats is the rolling 21-day completion picture: 14 days of
// history through 6 days of upcoming commitments, today inclusive.
type WeeklyStats struct {
	DateList       []string            `json:"date_list"`
	DailyStats     map[string]DayStats `json:"daily_stats"`
	TotalCount     int                 `json:"total_count"`
	CompletedCount int                 `json:"completed_count"`
}

type TodayPlanItem struct {
	ID        string `json:"id"`
	PlanName  string `json:"plan_name"`
	Text      string `json:"text"`
	Date      string `json:"date"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PlanSummary is the list-view projection of a Plan. Relationship is
// pulled out of the stored flow data when present.
type PlanSummary struct {
	ID           int64          `json:"id"`
	Title        string         `json:"title"`
	Date         string         `json:"date"`
	Relationship string         `json:"relationship"`
	Progress     string         `json:"progress"`
	PlanType     string         `json:"plan_type"`
	FlowData     map[string]any `json:"flow_data,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type Dashboard struct {
	WeeklyStats WeeklyStats     `json:"weekly_stats"`
	TodayPlans  []TodayPlanItem `json:"today_plans"`
	AllPlans    []PlanSummary   `json:"all_plans"`
}

// TaskStatusUpdate reports a persisted completion-flag change.
type TaskStatusUpdate struct {
	PlanID    int64  `json:"plan_id"`
	Date      string `json:"date"`
	Day       int    `json:"day"`
	Completed bool   `json:"completed"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     int64  `json:"user_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
