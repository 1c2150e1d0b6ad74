package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"deviationsync/internal/db"
	"deviationsync/internal/domain"
	"deviationsync/internal/events"
	"deviationsync/internal/metrics"
	"deviationsync/internal/migrate"
	"deviationsync/internal/planner"
	"deviationsync/internal/repo"
)

const (
	testSecret = "test-secret"
	testSheet  = "Deviations"
)

var testNow = time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	registry := prometheus.NewRegistry()
	metrics.New(registry).Pass("succeeded", time.Second)

	handler, err := New(Config{
		Repo:     r,
		Sheet:    testSheet,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, Issuer: "dsync", Now: func() time.Time { return testNow }},
		Gatherer: registry,
		Plan: func(ctx context.Context) (domain.SyncPlan, planner.Summary, error) {
			return domain.SyncPlan{
				Creates: []domain.ParentCreation{{
					Record:   domain.ParentRecord{ID: 1042},
					Subtasks: []domain.SubtaskCreation{{Name: "Initial Assessment"}},
				}},
			}, planner.Summary{New: 1, Unchanged: 3}, nil
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) token(t *testing.T, issuedAt time.Time, ttl time.Duration) map[string]string {
	t.Helper()
	tok, _, err := IssueToken(testSecret, "dsync", "qa-lead", ttl, issuedAt)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) get(t *testing.T, path string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
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

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, data, &env)
	return env.Error.Code
}

func seedPass(t *testing.T, r repo.Repo) string {
	t.Helper()
	ctx := context.Background()
	if err := r.InsertPass(ctx, domain.Pass{ID: "pass-1", Sheet: testSheet}); err != nil {
		t.Fatalf("insert pass: %v", err)
	}
	w := events.Writer{DB: r.DB}
	for _, typ := range []string{events.PassStarted, events.PlanComputed, events.PassFinished} {
		if err := w.Append(ctx, nil, "pass-1", typ, 0, events.EventPayload{"n": 1}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := r.FinishPass(ctx, "pass-1", repo.PassSucceeded, `{"new":1,"created":1}`); err != nil {
		t.Fatalf("finish pass: %v", err)
	}
	return "pass-1"
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.get(t, "/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.get(t, "/v0/passes", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}

	res, data = srv.get(t, "/v0/passes", map[string]string{"Authorization": "Basic abc"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = srv.get(t, "/v0/passes", map[string]string{"X-Api-Key": "dsk_unknown"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials for unknown key, got %d %s", res.StatusCode, string(data))
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.get(t, "/v0/passes", srv.token(t, testNow.Add(-2*time.Hour), time.Hour))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "token_expired" {
		t.Fatalf("expected token_expired, got %q", code)
	}
}

func TestWrongIssuerRejected(t *testing.T) {
	srv := newTestServer(t)
	tok, _, err := IssueToken(testSecret, "someone-else", "qa-lead", time.Hour, testNow)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, _ := srv.get(t, "/v0/me", map[string]string{"Authorization": "Bearer " + tok})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestMeReportsTokenExpiry(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.get(t, "/v0/me", srv.token(t, testNow, time.Hour))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	decode(t, data, &me)
	if me.ActorID != "qa-lead" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
	if me.ExpiresAt == nil || *me.ExpiresAt != "2024-04-10T10:00:00Z" {
		t.Fatalf("unexpected expiry %v", me.ExpiresAt)
	}
}

func TestPassesAndEvents(t *testing.T) {
	srv := newTestServer(t)
	passID := seedPass(t, srv.Repo)
	auth := srv.token(t, testNow, time.Hour)

	res, data := srv.get(t, "/v0/passes", auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list paginatedPasses
	decode(t, data, &list)
	if len(list.Items) != 1 || list.Items[0].Status != repo.PassSucceeded {
		t.Fatalf("unexpected passes %+v", list.Items)
	}
	if list.Items[0].Summary["created"] != float64(1) {
		t.Fatalf("summary not decoded: %+v", list.Items[0].Summary)
	}

	res, _ = srv.get(t, "/v0/passes/missing", auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing pass, got %d", res.StatusCode)
	}

	res, data = srv.get(t, "/v0/passes/"+passID+"/events?limit=2", auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	decode(t, data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected first page with cursor, got %+v", page)
	}
	if page.Items[0].Type != events.PassStarted {
		t.Fatalf("expected events in order, got %s", page.Items[0].Type)
	}

	res, data = srv.get(t, "/v0/passes/"+passID+"/events?limit=2&cursor="+page.NextCursor, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var page2 paginatedEvents
	decode(t, data, &page2)
	if len(page2.Items) != 1 || page2.NextCursor != "" || page2.Items[0].Type != events.PassFinished {
		t.Fatalf("unexpected second page %+v", page2)
	}

	res, data = srv.get(t, "/v0/passes/"+passID+"/events?cursor=abc", auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRowsWithAPIKey(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	plain, _, err := srv.Repo.CreateAPIKey(ctx, "auditor", "read")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	parentID, err := srv.Repo.InsertSheetRow(ctx, testSheet, domain.ExternalRow{Level: 1, Cells: domain.Cells{
		domain.FieldTaskName:   domain.Text("1042"),
		domain.FieldAssignedTo: domain.ContactCell(domain.Contact{Name: "Ada Moreau", Email: "ada@example.com"}),
	}})
	if err != nil {
		t.Fatalf("insert parent: %v", err)
	}
	if _, err := srv.Repo.InsertSheetRow(ctx, testSheet, domain.ExternalRow{ParentRowID: parentID, Level: 2, Cells: domain.Cells{
		domain.FieldTaskName: domain.Text("Investigation"),
	}}); err != nil {
		t.Fatalf("insert child: %v", err)
	}
	auth := map[string]string{"X-Api-Key": plain}

	res, data := srv.get(t, "/v0/rows", auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rows status %d: %s", res.StatusCode, string(data))
	}
	var rows rowList
	decode(t, data, &rows)
	if len(rows.Items) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows.Items))
	}

	res, data = srv.get(t, "/v0/rows?parents_only=true", auth)
	decode(t, data, &rows)
	if res.StatusCode != http.StatusOK || len(rows.Items) != 1 {
		t.Fatalf("expected 1 parent row, got %d %s", res.StatusCode, string(data))
	}
	if rows.Items[0].Cells[string(domain.FieldAssignedTo)] != "ada@example.com" {
		t.Fatalf("contact cell rendered as %q", rows.Items[0].Cells[string(domain.FieldAssignedTo)])
	}

	res, data = srv.get(t, "/v0/rows/999", auth)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestArchivesFilter(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	err := srv.Repo.InsertArchivedRows(ctx, []domain.ArchivedRow{
		{Sheet: testSheet, RecordID: 7, RowID: 70, Level: 1, Category: "deviation", Fields: map[string]string{"Status": "Closed - Done"}},
		{Sheet: testSheet, RecordID: 8, RowID: 80, Level: 1, Category: "product_complaint", Fields: map[string]string{"Status": "Closed - Done"}},
	})
	if err != nil {
		t.Fatalf("insert archives: %v", err)
	}
	res, data := srv.get(t, "/v0/archives?category=product_complaint", srv.token(t, testNow, time.Hour))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archives status %d: %s", res.StatusCode, string(data))
	}
	var list archiveList
	decode(t, data, &list)
	if len(list.Items) != 1 || list.Items[0].RecordID != 8 {
		t.Fatalf("unexpected archives %+v", list.Items)
	}
}

func TestPlanPreview(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.get(t, "/v0/plan", srv.token(t, testNow, time.Hour))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	decode(t, data, &plan)
	if plan.Summary.New != 1 || plan.Operations != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if len(plan.Creates) != 1 || plan.Creates[0].Subtasks[0] != "Initial Assessment" {
		t.Fatalf("unexpected creates %+v", plan.Creates)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.get(t, "/metrics", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "dsync_passes_total") {
		t.Fatalf("metrics not exposed: %d %s", res.StatusCode, string(data))
	}
	res, data = srv.get(t, "/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/passes") {
		t.Fatalf("openapi not served: %d", res.StatusCode)
	}
}

func TestIssueTokenValidation(t *testing.T) {
	if _, _, err := IssueToken("", "dsync", "x", time.Hour, testNow); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, _, err := IssueToken(testSecret, "dsync", "x", 0, testNow); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
