package mindwellsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Mindwell HTTP API client.
type Client struct {
	BaseURL      string
	BearerToken  string
	LegacyUserID int64
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Plan represents the API plan model.
type Plan struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	PlanType  string `json:"plan_type"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// PlanSummary is the list-view row for a plan.
type PlanSummary struct {
	ID           int64          `json:"id"`
	Title        string         `json:"title"`
	Date         string         `json:"date"`
	Relationship string         `json:"relationship"`
	Progress     string         `json:"progress"`
	PlanType     string         `json:"plan_type"`
	FlowData     map[string]any `json:"flow_data,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// TodayTask is one schedulable entry for a date.
type TodayTask struct {
	ID        string `json:"id"`
	PlanID    int64  `json:"plan_id"`
	PlanName  string `json:"plan_name"`
	TaskText  string `json:"task_text"`
	Completed bool   `json:"completed"`
	Day       int    `json:"day"`
	Date      string `json:"date"`
	WeekInfo  struct {
		Title      string `json:"title"`
		WeekNumber int    `json:"week_number"`
	} `json:"week_info"`
}

// TaskList is a date's extracted tasks.
type TaskList struct {
	Date       string      `json:"date"`
	Status     string      `json:"status"`
	TotalCount int         `json:"total_count"`
	Tasks      []TodayTask `json:"tasks"`
}

// DayStats is one day's completion numbers.
type DayStats struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
}

// Dashboard is the aggregated statistics response.
type Dashboard struct {
	WeeklyStats struct {
		DateList       []string            `json:"date_list"`
		DailyStats     map[string]DayStats `json:"daily_stats"`
		TotalCount     int                 `json:"total_count"`
		CompletedCount int                 `json:"completed_count"`
	} `json:"weekly_stats"`
	TodayPlans []map[string]any `json:"today_plans"`
	AllPlans   []PlanSummary    `json:"all_plans"`
}

// TaskStatusUpdate reports a persisted completion-flag change.
type TaskStatusUpdate struct {
	PlanID    int64  `json:"plan_id"`
	Date      string `json:"date"`
	Day       int    `json:"day"`
	Completed bool   `json:"completed"`
	UpdatedAt string `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a JWT from the dev endpoint and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID int64) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"user_id": userID}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// SavePlan stores a plan document.
func (c *Client) SavePlan(ctx context.Context, name, content, planType string, flowData map[string]any) (Plan, error) {
	body := map[string]any{
		"name":      name,
		"content":   content,
		"plan_type": planType,
	}
	if flowData != nil {
		body["flow_data"] = flowData
	}
	var resp Plan
	err := c.do(ctx, http.MethodPost, "v0/plans", body, &resp)
	return resp, err
}

// Plans lists the authenticated user's plans.
func (c *Client) Plans(ctx context.Context) ([]PlanSummary, error) {
	var resp struct {
		Plans []PlanSummary `json:"plans"`
	}
	err := c.do(ctx, http.MethodGet, "v0/plans", nil, &resp)
	return resp.Plans, err
}

// DeletePlan removes one plan.
func (c *Client) DeletePlan(ctx context.Context, planID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("v0/plans/%d", planID), nil, nil)
}

// DeleteDailyPlans removes all daily plans and returns the deleted count.
func (c *Client) DeleteDailyPlans(ctx context.Context) (int64, error) {
	var resp struct {
		DeletedCount int64 `json:"deleted_count"`
	}
	err := c.do(ctx, http.MethodDelete, "v0/plans/daily", nil, &resp)
	return resp.DeletedCount, err
}

// TodayTasks returns tasks for a date; empty date means today.
func (c *Client) TodayTasks(ctx context.Context, date string) (TaskList, error) {
	endpoint := "v0/tasks/today"
	if date != "" {
		endpoint += "?date=" + url.QueryEscape(date)
	}
	var resp TaskList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateTaskStatus flips one task's completed flag.
func (c *Client) UpdateTaskStatus(ctx context.Context, planID int64, date string, day int, completed bool) (TaskStatusUpdate, error) {
	body := map[string]any{
		"plan_id":   planID,
		"date":      date,
		"day":       day,
		"completed": completed,
	}
	var resp TaskStatusUpdate
	err := c.do(ctx, http.MethodPut, "v0/tasks/status", body, &resp)
	return resp, err
}

// Dashboard returns the rolling statistics view.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "v0/dashboard", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.LegacyUserID > 0:
		req.Header.Set("X-User-Id", fmt.Sprintf("%d", c.LegacyUserID))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
