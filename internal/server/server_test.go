package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"mindwell/internal/config"
	"mindwell/internal/db"
	"mindwell/internal/domain"
	"mindwell/internal/engine"
	"mindwell/internal/migrate"
)

type testServer struct {
	URL    string
	UserID int64
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// Pinned instant: 2024-03-15 12:00 in Asia/Shanghai.
var pinnedNow = time.Date(2024, 3, 15, 4, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return pinnedNow }
	e.Events.Now = e.Now
	user, err := e.CreateUser(context.Background(), "tester", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             cfg.Auth.JWTSecret,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		UserID: user.ID,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func legacyHeaders(userID int64) map[string]string {
	return map[string]string{"X-User-Id": fmt.Sprintf("%d", userID)}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return envelope.Error.Code
}

const weeksContent = `{"weeks":[{"week":1,"title":"Grounding","items":[{"day":1,"date":"2024-03-15","text":"Breathe for 10 minutes","completed":false}]}]}`

func TestRequiresAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/today", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginBearerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": srv.UserID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("bad login response: %v %s", err, string(data))
	}
	auth := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans", map[string]any{
		"name":    "march-plan",
		"content": weeksContent,
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save plan status %d: %s", res.StatusCode, string(data))
	}
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if plan.UserID != srv.UserID || plan.Status != "active" {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/today", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("today tasks status %d: %s", res.StatusCode, string(data))
	}
	var list domain.TaskList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal task list: %v", err)
	}
	if list.Date != "2024-03-15" || list.TotalCount != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}
	wantID := fmt.Sprintf("%d_1", plan.ID)
	if list.Tasks[0].ID != wantID {
		t.Fatalf("task id = %s, want %s", list.Tasks[0].ID, wantID)
	}
}

func TestLegacyHeaderAndTaskStatusErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := legacyHeaders(srv.UserID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans", map[string]any{
		"name":    "march-plan",
		"content": weeksContent,
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save plan status %d: %s", res.StatusCode, string(data))
	}
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/status", map[string]any{
		"plan_id":   plan.ID,
		"date":      "2024-03-15",
		"day":       1,
		"completed": true,
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var upd domain.TaskStatusUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		t.Fatal(err)
	}
	if upd.PlanID != plan.ID || !upd.Completed {
		t.Fatalf("unexpected update: %+v", upd)
	}

	// unknown plan
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/status", map[string]any{
		"plan_id":   plan.ID + 100,
		"date":      "2024-03-15",
		"day":       1,
		"completed": true,
	}, auth)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "plan_not_found" {
		t.Fatalf("status %d code %s", res.StatusCode, errorCode(t, data))
	}

	// unknown task in a real plan
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/status", map[string]any{
		"plan_id":   plan.ID,
		"date":      "2024-03-15",
		"day":       99,
		"completed": true,
	}, auth)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "task_not_found" {
		t.Fatalf("status %d code %s", res.StatusCode, errorCode(t, data))
	}

	// malformed stored payload
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans", map[string]any{
		"name":    "broken",
		"content": "{not json",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save broken plan status %d: %s", res.StatusCode, string(data))
	}
	var broken domain.Plan
	if err := json.Unmarshal(data, &broken); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/status", map[string]any{
		"plan_id":   broken.ID,
		"date":      "2024-03-15",
		"day":       1,
		"completed": true,
	}, auth)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_plan_content" {
		t.Fatalf("status %d code %s", res.StatusCode, errorCode(t, data))
	}
}

func TestOwnerMismatchForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		fmt.Sprintf("%s/v0/tasks/today?user_id=%d", srv.URL, srv.UserID+1), nil, legacyHeaders(srv.UserID))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestDashboardAndDailyPlans(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := legacyHeaders(srv.UserID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/daily", map[string]any{
		"name":    "today",
		"content": `{"title":"Today","tasks":[{"id":1,"text":"Stretch","completed":true}]}`,
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save daily status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dashboard", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard status %d: %s", res.StatusCode, string(data))
	}
	var d domain.Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}
	if len(d.WeeklyStats.DateList) != 21 {
		t.Fatalf("date list len = %d", len(d.WeeklyStats.DateList))
	}
	today := d.WeeklyStats.DailyStats["2024-03-15"]
	if today.Total != 1 || today.Completed != 1 || today.CompletionRate != 100 {
		t.Fatalf("today stats = %+v", today)
	}
	if len(d.AllPlans) != 1 || d.AllPlans[0].PlanType != "daily" {
		t.Fatalf("all plans = %+v", d.AllPlans)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/plans/daily", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete daily status %d: %s", res.StatusCode, string(data))
	}
	var deleted DeleteDailyPlansResponse
	if err := json.Unmarshal(data, &deleted); err != nil {
		t.Fatal(err)
	}
	if deleted.DeletedCount != 1 {
		t.Fatalf("deleted_count = %d", deleted.DeletedCount)
	}
}

func TestListAndDeletePlans(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := legacyHeaders(srv.UserID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans", map[string]any{
		"name":      "partner-plan",
		"content":   weeksContent,
		"flow_data": map[string]any{"relationshipType": "partner"},
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save plan status %d: %s", res.StatusCode, string(data))
	}
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed struct {
		Plans []domain.PlanSummary `json:"plans"`
	}
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Plans) != 1 || listed.Plans[0].Relationship != "partner" {
		t.Fatalf("plans = %+v", listed.Plans)
	}

	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/plans/%d", srv.URL, plan.ID), nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/plans/%d", srv.URL, plan.ID), nil, auth)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "plan_not_found" {
		t.Fatalf("second delete status %d: %s", res.StatusCode, string(data))
	}
}
