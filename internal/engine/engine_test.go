package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mindwell/internal/config"
	"mindwell/internal/db"
	"mindwell/internal/domain"
	"mindwell/internal/engine"
	"mindwell/internal/migrate"
	"mindwell/internal/plandoc"
)

// Pinned instant: 2024-03-15 12:00 in Asia/Shanghai, so "today" is
// 2024-03-15 and the dashboard window runs 2024-03-01 .. 2024-03-21.
var pinnedNow = time.Date(2024, 3, 15, 4, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	UserID int64
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return pinnedNow }
	eng.Events.Now = eng.Now
	ctx := context.Background()
	u, err := eng.CreateUser(ctx, "tester", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, UserID: u.ID}
}

func (env testEnv) savePlan(t *testing.T, name, content, planType string) domain.Plan {
	t.Helper()
	p, err := env.Engine.SavePlan(env.Ctx, engine.PlanSaveOptions{
		UserID:   env.UserID,
		Name:     name,
		Content:  content,
		PlanType: planType,
	})
	if err != nil {
		t.Fatalf("save plan %s: %v", name, err)
	}
	return p
}

const weeksContent = `{
  "weeks": [
    {
      "week": 1,
      "title": "Grounding",
      "items": [
        {"day": 1, "date": "2024-03-15", "text": "Breathe for 10 minutes", "completed": false},
        {"day": 2, "date": "2024-03-16", "text": "Journal one page", "completed": false},
        {"day": 3, "text": "Undated leftover", "completed": false}
      ]
    },
    {
      "week": 2,
      "title": "Connection",
      "items": [
        {"day": 1, "date": "2024-03-22", "text": "Call a friend", "completed": true}
      ]
    }
  ]
}`

const flatContent = `{
  "title": "Today's healing",
  "theme": "rest",
  "tasks": [
    {"id": 1, "text": "Morning stretch", "completed": true},
    {"id": 2, "text": "Evening walk", "completed": false}
  ]
}`

func TestTodayTasksFromWeeksPlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.savePlan(t, "march-plan", weeksContent, "monthly")

	list, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "")
	if err != nil {
		t.Fatalf("today tasks: %v", err)
	}
	if list.Date != "2024-03-15" {
		t.Fatalf("date = %s", list.Date)
	}
	if list.Status != domain.TaskListOK || list.TotalCount != 1 || len(list.Tasks) != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}
	task := list.Tasks[0]
	wantID := formatID(plan.ID, 1)
	if task.ID != wantID {
		t.Fatalf("task id = %s, want %s", task.ID, wantID)
	}
	if task.TaskText != "Breathe for 10 minutes" || task.Completed || task.Day != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.WeekInfo.Title != "Grounding" || task.WeekInfo.WeekNumber != 1 {
		t.Fatalf("unexpected week info: %+v", task.WeekInfo)
	}
}

func TestTodayTasksExplicitDate(t *testing.T) {
	env := newTestEnv(t)
	env.savePlan(t, "march-plan", weeksContent, "monthly")

	list, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "2024-03-22")
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].TaskText != "Call a friend" || !list.Tasks[0].Completed {
		t.Fatalf("unexpected tasks: %+v", list.Tasks)
	}
	if _, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "not-a-date"); err == nil {
		t.Fatal("expected invalid date error")
	}
}

func TestTodayTasksFlatPlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.savePlan(t, "daily", flatContent, "daily")

	// Flat tasks carry no dates of their own, so they surface on every
	// queried date, stamped with that date.
	list, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "2024-04-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 2 {
		t.Fatalf("got %d tasks", len(list.Tasks))
	}
	first := list.Tasks[0]
	if first.ID != formatDailyID(plan.ID, 1) || first.Day != 1 || first.Date != "2024-04-01" {
		t.Fatalf("unexpected flat task: %+v", first)
	}
	if first.WeekInfo.Title != "Today's healing" || first.WeekInfo.WeekNumber != 0 {
		t.Fatalf("unexpected week info: %+v", first.WeekInfo)
	}
}

func TestTodayTasksOrderingAndStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	older := env.savePlan(t, "older", weeksContent, "monthly")
	newer := env.savePlan(t, "newer", weeksContent, "monthly")
	paused := env.savePlan(t, "paused", weeksContent, "monthly")
	if err := env.Engine.UpdatePlanStatus(env.Ctx, env.UserID, paused.ID, "paused"); err != nil {
		t.Fatal(err)
	}

	list, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 (paused plan excluded)", len(list.Tasks))
	}
	if list.Tasks[0].PlanID != newer.ID || list.Tasks[1].PlanID != older.ID {
		t.Fatalf("tasks not ordered newest plan first: %+v", list.Tasks)
	}
}

func TestTodayTasksEmptyAndSkipsMalformed(t *testing.T) {
	env := newTestEnv(t)
	env.savePlan(t, "broken", "{not json", "monthly")

	list, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "")
	if err != nil {
		t.Fatalf("malformed plan must be skipped, not fatal: %v", err)
	}
	if list.Status != domain.TaskListEmpty || list.TotalCount != 0 || len(list.Tasks) != 0 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestTodayTasksOwnerNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.TodayTasks(env.Ctx, env.UserID+100, "")
	if !errors.Is(err, engine.ErrOwnerNotFound) {
		t.Fatalf("err = %v, want ErrOwnerNotFound", err)
	}
}

func TestDashboardWindow(t *testing.T) {
	env := newTestEnv(t)
	env.savePlan(t, "stats-plan", `{
	  "weeks": [
	    {"week": 1, "title": "w1", "items": [
	      {"day": 1, "date": "2024-03-10", "text": "a", "completed": true},
	      {"day": 2, "date": "2024-03-10", "text": "b", "completed": true},
	      {"day": 3, "date": "2024-03-10", "text": "c", "completed": false},
	      {"day": 4, "date": "2024-02-28", "text": "before window", "completed": true},
	      {"day": 5, "date": "2024-03-22", "text": "after window", "completed": false}
	    ]}
	  ]
	}`, "monthly")

	d, err := env.Engine.Dashboard(env.Ctx, env.UserID)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if len(d.WeeklyStats.DateList) != 21 {
		t.Fatalf("date list has %d entries", len(d.WeeklyStats.DateList))
	}
	if d.WeeklyStats.DateList[0] != "2024-03-01" || d.WeeklyStats.DateList[20] != "2024-03-21" {
		t.Fatalf("window = %s .. %s", d.WeeklyStats.DateList[0], d.WeeklyStats.DateList[20])
	}
	// out-of-window items do not count
	if d.WeeklyStats.TotalCount != 3 || d.WeeklyStats.CompletedCount != 2 {
		t.Fatalf("totals = %d/%d", d.WeeklyStats.CompletedCount, d.WeeklyStats.TotalCount)
	}
	day := d.WeeklyStats.DailyStats["2024-03-10"]
	if day.Total != 3 || day.Completed != 2 || day.CompletionRate != 66.67 {
		t.Fatalf("day stats = %+v", day)
	}
	empty := d.WeeklyStats.DailyStats["2024-03-05"]
	if empty.Total != 0 || empty.CompletionRate != 0 {
		t.Fatalf("empty day stats = %+v", empty)
	}
}

func TestDashboardCountsAllStatusesAndFlatToday(t *testing.T) {
	env := newTestEnv(t)
	monthly := env.savePlan(t, "weeks-plan", weeksContent, "monthly")
	if err := env.Engine.UpdatePlanStatus(env.Ctx, env.UserID, monthly.ID, "completed"); err != nil {
		t.Fatal(err)
	}
	env.savePlan(t, "flat-plan", flatContent, "daily")
	env.savePlan(t, "broken", "][", "monthly")

	d, err := env.Engine.Dashboard(env.Ctx, env.UserID)
	if err != nil {
		t.Fatal(err)
	}
	// weeks plan contributes its in-window dated items even though it
	// is no longer active; flat tasks land on today.
	today := d.WeeklyStats.DailyStats["2024-03-15"]
	if today.Total != 3 || today.Completed != 1 {
		t.Fatalf("today stats = %+v", today)
	}
	// today's item feed carries scheduled entries only, never flat ones
	if len(d.TodayPlans) != 1 {
		t.Fatalf("today plans = %+v", d.TodayPlans)
	}
	if d.TodayPlans[0].ID != formatID(monthly.ID, 1) || d.TodayPlans[0].Text != "Breathe for 10 minutes" {
		t.Fatalf("unexpected today plan: %+v", d.TodayPlans[0])
	}
	// malformed plan still shows in the plan list even though it
	// contributes no statistics
	if len(d.AllPlans) != 3 {
		t.Fatalf("all plans = %d", len(d.AllPlans))
	}
}

func TestDashboardPlanSummaries(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.SavePlan(env.Ctx, engine.PlanSaveOptions{
		UserID:   env.UserID,
		Name:     "partner-plan",
		Content:  weeksContent,
		FlowData: map[string]any{"relationshipType": "partner"},
		PlanType: "monthly",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.savePlan(t, "plain", weeksContent, "monthly")

	d, err := env.Engine.Dashboard(env.Ctx, env.UserID)
	if err != nil {
		t.Fatal(err)
	}
	var withFlow, plain *domain.PlanSummary
	for i := range d.AllPlans {
		switch d.AllPlans[i].ID {
		case p.ID:
			withFlow = &d.AllPlans[i]
		default:
			plain = &d.AllPlans[i]
		}
	}
	if withFlow == nil || withFlow.Relationship != "partner" || withFlow.Progress != "active" {
		t.Fatalf("summary = %+v", withFlow)
	}
	if withFlow.Date != "2024-03-15 12:00" {
		t.Fatalf("summary date = %s", withFlow.Date)
	}
	if plain == nil || plain.Relationship != "unknown" {
		t.Fatalf("plain summary = %+v", plain)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	env := newTestEnv(t)
	plan := env.savePlan(t, "march-plan", weeksContent, "monthly")

	upd, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID, plan.ID, "2024-03-15", 1, true)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.PlanID != plan.ID || !upd.Completed || upd.UpdatedAt == "" {
		t.Fatalf("unexpected update: %+v", upd)
	}

	list, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "2024-03-15")
	if err != nil {
		t.Fatal(err)
	}
	if !list.Tasks[0].Completed {
		t.Fatal("flip not persisted")
	}
}

func TestUpdateTaskStatusIdempotent(t *testing.T) {
	env := newTestEnv(t)
	plan := env.savePlan(t, "march-plan", weeksContent, "monthly")

	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID, plan.ID, "2024-03-15", 1, true); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.GetPlan(env.Ctx, env.UserID, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID, plan.ID, "2024-03-15", 1, true); err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.GetPlan(env.Ctx, env.UserID, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Content != second.Content {
		t.Fatalf("repeat mutation changed stored bytes:\n%s\n%s", first.Content, second.Content)
	}
}

func TestUpdateTaskStatusFlatPlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.savePlan(t, "daily", flatContent, "daily")

	// flat documents address tasks by their own id, passed as day
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID, plan.ID, "2024-03-15", 2, true); err != nil {
		t.Fatal(err)
	}
	list, err := env.Engine.TodayTasks(env.Ctx, env.UserID, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range list.Tasks {
		if task.ID == formatDailyID(plan.ID, 2) && !task.Completed {
			t.Fatal("flat task flip not persisted")
		}
	}
}

func TestUpdateTaskStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	plan := env.savePlan(t, "march-plan", weeksContent, "monthly")
	broken := env.savePlan(t, "broken", "{oops", "monthly")

	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID+100, plan.ID, "2024-03-15", 1, true); !errors.Is(err, engine.ErrOwnerNotFound) {
		t.Fatalf("err = %v, want ErrOwnerNotFound", err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID, plan.ID+100, "2024-03-15", 1, true); !errors.Is(err, engine.ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID, plan.ID, "2024-03-15", 99, true); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
	var parseErr *plandoc.ParseError
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, env.UserID, broken.ID, "2024-03-15", 1, true); !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ParseError", err)
	}

	// failed mutations leave the document untouched
	got, err := env.Engine.GetPlan(env.Ctx, env.UserID, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != weeksContent {
		t.Fatal("failed update modified stored content")
	}
}

func TestDeleteDailyPlans(t *testing.T) {
	env := newTestEnv(t)
	env.savePlan(t, "daily-1", flatContent, "daily")
	env.savePlan(t, "daily-2", flatContent, "daily")
	monthly := env.savePlan(t, "monthly", weeksContent, "monthly")

	n, err := env.Engine.DeleteDailyPlans(env.Ctx, env.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	plans, err := env.Engine.ListPlans(env.Ctx, env.UserID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 || plans[0].ID != monthly.ID {
		t.Fatalf("remaining plans = %+v", plans)
	}

	// deleting when nothing is left is not an error
	n, err = env.Engine.DeleteDailyPlans(env.Ctx, env.UserID)
	if err != nil || n != 0 {
		t.Fatalf("second delete: n=%d err=%v", n, err)
	}
}

func TestDeletePlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.savePlan(t, "march-plan", weeksContent, "monthly")

	if err := env.Engine.DeletePlan(env.Ctx, env.UserID, plan.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeletePlan(env.Ctx, env.UserID, plan.ID); !errors.Is(err, engine.ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
}

func formatID(planID int64, day int) string {
	return fmt.Sprintf("%d_%d", planID, day)
}

func formatDailyID(planID int64, taskID int) string {
	return fmt.Sprintf("daily_%d_%d", planID, taskID)
}
