package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"mindwell/internal/config"
	"mindwell/internal/domain"
	"mindwell/internal/events"
	"mindwell/internal/llm"
	"mindwell/internal/plandoc"
	"mindwell/internal/repo"
)

var (
	ErrOwnerNotFound = errors.New("user not found")
	ErrPlanNotFound  = errors.New("plan not found")
	// ErrTaskNotFound means the plan exists but holds no entry at the
	// requested (date, day) key.
	ErrTaskNotFound = plandoc.ErrTaskNotFound
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	LLM    *llm.Client
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		LLM:    llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// localNow is the clock shifted into the configured timezone. Every
// "today" decision runs here, never in the server's local zone.
func (e Engine) localNow() time.Time {
	return e.now().In(e.Config.Location())
}

func (e Engine) timestamp() string {
	return e.localNow().Format(time.RFC3339)
}

func (e Engine) today() string {
	return e.localNow().Format("2006-01-02")
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (e Engine) requireUser(ctx context.Context, userID int64) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return u, ErrOwnerNotFound
	}
	return u, err
}

// CreateUser registers an account. Phone is optional but unique.
func (e Engine) CreateUser(ctx context.Context, nickname, phone string) (domain.User, error) {
	if nickname == "" {
		return domain.User{}, errors.New("nickname is required")
	}
	ts := e.timestamp()
	u := domain.User{
		Nickname:  nickname,
		Phone:     phone,
		IsActive:  true,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	id, err := e.Repo.InsertUser(ctx, u)
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	u.ID = id
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	return e.requireUser(ctx, userID)
}

// PlanSaveOptions are parameters for storing a plan.
type PlanSaveOptions struct {
	UserID   int64
	Name     string
	Content  string
	FlowData map[string]any
	PlanType string
}

// SavePlan stores a plan document for an owner. The payload is persisted
// as-is; malformed content surfaces later through aggregation skip logic
// or a mutation-path error, matching how documents arrive from clients.
func (e Engine) SavePlan(ctx context.Context, opts PlanSaveOptions) (domain.Plan, error) {
	if opts.Name == "" {
		return domain.Plan{}, errors.New("plan name is required")
	}
	if opts.PlanType == "" {
		opts.PlanType = "monthly"
	}
	if opts.PlanType != "monthly" && opts.PlanType != "daily" {
		return domain.Plan{}, fmt.Errorf("invalid plan type %q", opts.PlanType)
	}
	if _, err := e.requireUser(ctx, opts.UserID); err != nil {
		return domain.Plan{}, err
	}

	ts := e.timestamp()
	p := domain.Plan{
		UserID:    opts.UserID,
		Name:      opts.Name,
		Content:   opts.Content,
		PlanType:  opts.PlanType,
		Status:    "active",
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if opts.FlowData != nil {
		data, err := json.Marshal(opts.FlowData)
		if err != nil {
			return domain.Plan{}, fmt.Errorf("marshal flow data: %w", err)
		}
		s := string(data)
		p.FlowDataJSON = &s
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	p.ID, err = e.Repo.InsertPlanTx(ctx, tx, p)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "plan.saved", p.UserID, "plan", fmt.Sprint(p.ID), events.EventPayload{
		"plan_type": p.PlanType,
		"name":      p.Name,
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

// ListPlans returns an owner's plans newest first, optionally filtered
// by status and plan type.
func (e Engine) ListPlans(ctx context.Context, userID int64, status, planType string) ([]domain.Plan, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListPlans(ctx, repo.PlanFilters{UserID: userID, Status: status, PlanType: planType})
}

func (e Engine) GetPlan(ctx context.Context, userID, planID int64) (domain.Plan, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return domain.Plan{}, err
	}
	p, err := e.Repo.GetPlanByIDAndOwner(ctx, planID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, ErrPlanNotFound
	}
	return p, err
}

func (e Engine) UpdatePlanStatus(ctx context.Context, userID, planID int64, status string) error {
	switch status {
	case "active", "completed", "paused":
	default:
		return fmt.Errorf("invalid plan status %q", status)
	}
	if _, err := e.requireUser(ctx, userID); err != nil {
		return err
	}
	err := e.Repo.UpdatePlanStatus(ctx, planID, userID, status, e.timestamp())
	if errors.Is(err, repo.ErrNotFound) {
		return ErrPlanNotFound
	}
	return err
}

func (e Engine) DeletePlan(ctx context.Context, userID, planID int64) error {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePlan(ctx, tx, planID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrPlanNotFound
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "plan.deleted", userID, "plan", fmt.Sprint(planID), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteDailyPlans removes all of an owner's daily plans and reports
// how many were removed. Zero is not an error.
func (e Engine) DeleteDailyPlans(ctx context.Context, userID int64) (int64, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.DeleteDailyPlans(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.Events.Append(ctx, tx, "plan.daily.cleared", userID, "plan", "", events.EventPayload{
			"deleted_count": n,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// TodayTasks extracts the owner's schedulable tasks for one date from
// every active plan. date defaults to today in the configured zone.
// Plans whose payload does not parse are skipped, not fatal.
func (e Engine) TodayTasks(ctx context.Context, userID int64, date string) (domain.TaskList, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return domain.TaskList{}, err
	}
	if date == "" {
		date = e.today()
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return domain.TaskList{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", date)
	}

	plans, err := e.Repo.ListPlans(ctx, repo.PlanFilters{UserID: userID, Status: "active"})
	if err != nil {
		return domain.TaskList{}, err
	}

	var tasks []domain.TodayTask
	for _, plan := range plans {
		doc, err := plandoc.Decode(plan.Content)
		if err != nil {
			e.logf("skipping plan %d: %v", plan.ID, err)
			continue
		}
		for _, entry := range doc.Entries(plan.ID, plan.Name, date) {
			if entry.Date != date {
				continue
			}
			tasks = append(tasks, taskFromEntry(entry))
		}
	}

	// Newest plans first. Plan ids are monotonic so the id orders them.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].PlanID > tasks[j].PlanID
	})

	list := domain.TaskList{
		Date:       date,
		Status:     domain.TaskListOK,
		TotalCount: len(tasks),
		Tasks:      tasks,
	}
	if len(tasks) == 0 {
		list.Status = domain.TaskListEmpty
		list.Tasks = []domain.TodayTask{}
	}
	return list, nil
}

// Flat entries keep their week-zero grouping but surface as day 1; the
// composite id still carries the task's own id so mutation can find it.
func taskFromEntry(entry plandoc.Entry) domain.TodayTask {
	t := domain.TodayTask{
		PlanID:    entry.PlanID,
		PlanName:  entry.PlanName,
		TaskText:  entry.Text,
		Completed: entry.Completed,
		Day:       entry.DayIndex,
		Date:      entry.Date,
		WeekInfo: domain.WeekInfo{
			Title:      entry.WeekTitle,
			WeekNumber: entry.WeekNumber,
		},
	}
	if entry.Flat {
		t.ID = fmt.Sprintf("daily_%d_%d", entry.PlanID, entry.DayIndex)
		t.Day = 1
	} else {
		t.ID = fmt.Sprintf("%d_%d", entry.PlanID, entry.DayIndex)
	}
	return t
}

// Dashboard aggregates the rolling 21-day completion statistics (14
// days back through 6 days ahead, today inclusive), today's plan items
// and the owner's full plan list. All plans count regardless of status;
// undated flat tasks count toward today only.
func (e Engine) Dashboard(ctx context.Context, userID int64) (domain.Dashboard, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return domain.Dashboard{}, err
	}
	plans, err := e.Repo.ListPlans(ctx, repo.PlanFilters{UserID: userID})
	if err != nil {
		return domain.Dashboard{}, err
	}

	today := e.today()
	start := e.localNow().AddDate(0, 0, -14)
	dateList := make([]string, 0, 21)
	dailyStats := make(map[string]domain.DayStats, 21)
	for i := 0; i < 21; i++ {
		d := start.AddDate(0, 0, i).Format("2006-01-02")
		dateList = append(dateList, d)
		dailyStats[d] = domain.DayStats{}
	}

	totalCount := 0
	completedCount := 0
	todayPlans := []domain.TodayPlanItem{}

	for _, plan := range plans {
		doc, err := plandoc.Decode(plan.Content)
		if err != nil {
			e.logf("skipping plan %d: %v", plan.ID, err)
			continue
		}
		for _, entry := range doc.Entries(plan.ID, plan.Name, today) {
			stats, inWindow := dailyStats[entry.Date]
			if inWindow {
				stats.Total++
				totalCount++
				if entry.Completed {
					stats.Completed++
					completedCount++
				}
				dailyStats[entry.Date] = stats
			}
			// Today's item feed carries scheduled (weeks) entries only.
			if !entry.Flat && entry.Date == today {
				todayPlans = append(todayPlans, domain.TodayPlanItem{
					ID:        fmt.Sprintf("%d_%d", plan.ID, entry.DayIndex),
					PlanName:  plan.Name,
					Text:      entry.Text,
					Date:      entry.Date,
					Completed: entry.Completed,
					CreatedAt: plan.CreatedAt,
				})
			}
		}
	}

	for d, stats := range dailyStats {
		if stats.Total > 0 {
			stats.CompletionRate = round2(float64(stats.Completed) / float64(stats.Total) * 100)
			dailyStats[d] = stats
		}
	}

	allPlans := make([]domain.PlanSummary, 0, len(plans))
	for _, plan := range plans {
		allPlans = append(allPlans, PlanSummaryOf(plan))
	}

	return domain.Dashboard{
		WeeklyStats: domain.WeeklyStats{
			DateList:       dateList,
			DailyStats:     dailyStats,
			TotalCount:     totalCount,
			CompletedCount: completedCount,
		},
		TodayPlans: todayPlans,
		AllPlans:   allPlans,
	}, nil
}

// PlanSummaryOf projects a stored plan into its list-view row.
func PlanSummaryOf(plan domain.Plan) domain.PlanSummary {
	s := domain.PlanSummary{
		ID:           plan.ID,
		Title:        plan.Name,
		Relationship: "unknown",
		Progress:     plan.Status,
		PlanType:     plan.PlanType,
		CreatedAt:    plan.CreatedAt,
	}
	if t, err := time.Parse(time.RFC3339, plan.CreatedAt); err == nil {
		s.Date = t.Format("2006-01-02 15:04")
	}
	if plan.FlowDataJSON != nil {
		var flow map[string]any
		if err := json.Unmarshal([]byte(*plan.FlowDataJSON), &flow); err == nil {
			s.FlowData = flow
			if rel, ok := flow["relationshipType"].(string); ok && rel != "" {
				s.Relationship = rel
			}
		}
	}
	return s
}

// UpdateTaskStatus sets one task's completed flag inside the stored
// document. The key is (date, day) for weeks documents and the task id
// (passed as day) for flat documents. The rewrite is idempotent: the
// same mutation applied twice stores identical bytes.
func (e Engine) UpdateTaskStatus(ctx context.Context, userID, planID int64, date string, day int, completed bool) (domain.TaskStatusUpdate, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return domain.TaskStatusUpdate{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskStatusUpdate{}, err
	}
	defer tx.Rollback()

	plan, err := e.Repo.GetPlanByIDAndOwnerTx(ctx, tx, planID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskStatusUpdate{}, ErrPlanNotFound
		}
		return domain.TaskStatusUpdate{}, err
	}

	content, err := plandoc.SetCompleted(plan.Content, date, day, completed)
	if err != nil {
		return domain.TaskStatusUpdate{}, err
	}

	updatedAt := e.timestamp()
	if err := e.Repo.UpdatePlanContent(ctx, tx, planID, content, updatedAt); err != nil {
		return domain.TaskStatusUpdate{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.status.updated", userID, "plan", fmt.Sprint(planID), events.EventPayload{
		"date":      date,
		"day":       day,
		"completed": completed,
	}); err != nil {
		return domain.TaskStatusUpdate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskStatusUpdate{}, err
	}
	return domain.TaskStatusUpdate{
		PlanID:    planID,
		Date:      date,
		Day:       day,
		Completed: completed,
		UpdatedAt: updatedAt,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
