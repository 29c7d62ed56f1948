package server

// Request payloads

type SavePlanRequest struct {
	UserID   int64          `json:"user_id,omitempty"`
	Name     string         `json:"name"`
	Content  string         `json:"content"`
	FlowData map[string]any `json:"flow_data,omitempty"`
	PlanType string         `json:"plan_type,omitempty"`
}

type UpdateTaskStatusRequest struct {
	UserID    int64  `json:"user_id,omitempty"`
	PlanID    int64  `json:"plan_id"`
	Date      string `json:"date"`
	Day       int    `json:"day"`
	Completed bool   `json:"completed"`
}

type GeneratePlanRequest struct {
	UserID   int64          `json:"user_id,omitempty"`
	PlanType string         `json:"plan_type" enum:"monthly,daily"`
	Prompt   string         `json:"prompt"`
	FlowData map[string]any `json:"flow_data,omitempty"`
}

type DevLoginRequest struct {
	UserID int64 `json:"user_id"`
}

// Response payloads

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type DeleteDailyPlansResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
