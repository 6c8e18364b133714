package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/storage"
)

var reference = time.Date(2024, time.July, 17, 9, 30, 0, 0, time.UTC)

// fakeAuth treats the bearer value as the user id.
type fakeAuth struct{}

func (fakeAuth) UserIDFromAuthHeader(h string) (string, error) {
	if !strings.HasPrefix(h, bearerPrefix) || len(h) == len(bearerPrefix) {
		return "", &domain.AuthError{Code: domain.AuthInvalidCredentials, Err: errMissingAuthorization}
	}
	return strings.TrimPrefix(h, bearerPrefix), nil
}

type memDeduper struct{ seen map[string]bool }

func (d *memDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	k := userID + ":" + key
	if d.seen[k] {
		return false, nil
	}
	d.seen[k] = true
	return true, nil
}

func (d *memDeduper) Remove(ctx context.Context, userID, key string) error {
	delete(d.seen, userID+":"+key)
	return nil
}

type testEnv struct {
	e       *echo.Echo
	store   *storage.Memory
	deduper *memDeduper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()
	env := &testEnv{e: echo.New(), store: storage.NewMemory(), deduper: &memDeduper{seen: map[string]bool{}}}
	env.e.Use(middleware.Decompress())
	Register(env.e, env.store, fakeAuth{}, env.deduper, logger, Options{
		Location:        time.UTC,
		StreamHeartbeat: time.Hour,
		Now:             func() time.Time { return reference },
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, target, user string, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, bearerPrefix+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) seed(t *testing.T, userID string, tasks ...domain.NewTask) []string {
	t.Helper()
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		id, err := env.store.AddTask(context.Background(), userID, task)
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) viewResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp viewResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return resp
}

func titles(resp viewResponse) []string {
	out := make([]string, 0, len(resp.Tasks))
	for _, t := range resp.Tasks {
		out = append(out, t.Title)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestViewsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/views/all", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error != "Invalid email or password" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestTodayView(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "u1",
		domain.NewTask{Title: "Buy Milk", Priority: domain.PriorityLow, DueDate: "2024-07-17"},
		domain.NewTask{Title: "Report", Priority: domain.PriorityHigh, DueDate: "2024-07-10"},
		domain.NewTask{Title: "Plan trip", Priority: domain.PriorityMedium, DueDate: "2024-07-17", Description: "milk run on the way"},
	)
	env.seed(t, "u2", domain.NewTask{Title: "Someone else", Priority: domain.PriorityLow, DueDate: "2024-07-17"})

	resp := decodeView(t, env.do(t, http.MethodGet, "/api/views/today", "u1", ""))
	if resp.Visible != 2 || resp.Stats.Total != 3 || resp.Stats.Overdue != 1 {
		t.Fatalf("unexpected today view %+v", resp)
	}
	for _, task := range resp.Tasks {
		if task.DueLabel != "Today" || task.Overdue || task.DaysUntilDue == nil || *task.DaysUntilDue != 0 {
			t.Fatalf("unexpected decorations %+v", task)
		}
		if task.UserID != "u1" {
			t.Fatalf("leaked task from %s", task.UserID)
		}
	}

	resp = decodeView(t, env.do(t, http.MethodGet, "/api/views/today?q=MILK", "u1", ""))
	if resp.Visible != 2 {
		t.Fatalf("keyword must match title or description, got %v", titles(resp))
	}
	resp = decodeView(t, env.do(t, http.MethodGet, "/api/views/all?q=report", "u1", ""))
	if got := titles(resp); len(got) != 1 || got[0] != "Report" || !resp.Tasks[0].Overdue {
		t.Fatalf("unexpected all view %v", resp.Tasks)
	}
}

func TestMonthView(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "u1",
		domain.NewTask{Title: "a", DueDate: "2024-07-01"},
		domain.NewTask{Title: "b", DueDate: "2024-07-15"},
		domain.NewTask{Title: "c", DueDate: "2024-08-01"},
		domain.NewTask{Title: "d"},
	)
	resp := decodeView(t, env.do(t, http.MethodGet, "/api/views/month/2024-07", "u1", ""))
	if resp.Visible != 2 {
		t.Fatalf("expected two July tasks, got %v", titles(resp))
	}
	if rec := env.do(t, http.MethodGet, "/api/views/month/2024-7", "u1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed month, got %d", rec.Code)
	}
}

func TestTagAndCategoryViewsDecodeParams(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "u1",
		domain.NewTask{Title: "a", Tags: []string{"deep work"}, Category: "Home & Garden"},
		domain.NewTask{Title: "b", Tags: []string{"urgent"}},
	)
	resp := decodeView(t, env.do(t, http.MethodGet, "/api/views/tag/deep%20work", "u1", ""))
	if got := titles(resp); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected tag view %v", got)
	}
	resp = decodeView(t, env.do(t, http.MethodGet, "/api/views/category/Home%20%26%20Garden", "u1", ""))
	if got := titles(resp); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected category view %v", got)
	}
}

func TestTagViewDecodesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "u1",
		domain.NewTask{Title: "sale", Tags: []string{"50%25"}},
		domain.NewTask{Title: "half", Tags: []string{"50%"}},
	)
	resp := decodeView(t, env.do(t, http.MethodGet, "/api/views/tag/50%2525", "u1", ""))
	if got := titles(resp); len(got) != 1 || got[0] != "sale" {
		t.Fatalf("expected only the literal 50%%25 tag, got %v", got)
	}
	resp = decodeView(t, env.do(t, http.MethodGet, "/api/views/tag/50%25", "u1", ""))
	if got := titles(resp); len(got) != 1 || got[0] != "half" {
		t.Fatalf("expected only the 50%% tag, got %v", got)
	}
}

func TestSidebar(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "u1",
		domain.NewTask{Title: "a", Tags: []string{"work"}, Category: "office"},
		domain.NewTask{Title: "b", Tags: []string{"work", "home"}},
	)
	rec := env.do(t, http.MethodGet, "/api/sidebar", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Tags       []string `json:"tags"`
		Categories []string `json:"categories"`
		Months     []struct {
			YearMonth string `json:"yearMonth"`
			Path      string `json:"path"`
		} `json:"months"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Tags) != 2 || len(resp.Categories) != 1 || len(resp.Months) != 12 {
		t.Fatalf("unexpected sidebar %+v", resp)
	}
	if resp.Months[0].YearMonth != "2024-07" || resp.Months[0].Path != "/month/2024-07" {
		t.Fatalf("unexpected first month %+v", resp.Months[0])
	}
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/tasks", "u1", `{"title":"  Report ","priority":"high","dueDate":"2024-07-17T10:00","tags":[" work ",""]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp mutationResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.ID == "" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	records, _ := env.store.FetchTasks(context.Background(), "u1")
	if len(records) != 1 {
		t.Fatalf("expected one stored task, got %d", len(records))
	}
	got := records[0]
	if got.ID != resp.ID || got.Title != "Report" || got.DueDate != "2024-07-17" || got.Completed {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "work" {
		t.Fatalf("unexpected tags %v", got.Tags)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	for name, body := range map[string]string{
		"blank title":    `{"title":"   "}`,
		"bad priority":   `{"title":"Report","priority":"urgent"}`,
		"unknown field":  `{"title":"Report","owner":"u2"}`,
		"malformed json": `{"title":`,
	} {
		t.Run(name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/tasks", "u1", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
	if records, _ := env.store.FetchTasks(context.Background(), "u1"); len(records) != 0 {
		t.Fatalf("invalid requests must not write, got %d records", len(records))
	}
}

func TestCreateTaskIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	body := `{"title":"Report"}`
	first := env.do(t, http.MethodPost, "/api/tasks", "u1", body, headerIdempotencyKey, "k1")
	second := env.do(t, http.MethodPost, "/api/tasks", "u1", body, headerIdempotencyKey, "k1")
	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("unexpected statuses %d %d", first.Code, second.Code)
	}
	var resp mutationResponse
	if err := sonic.Unmarshal(second.Body.Bytes(), &resp); err != nil || !resp.Duplicate {
		t.Fatalf("expected duplicate response, got %s", second.Body.String())
	}
	if records, _ := env.store.FetchTasks(context.Background(), "u1"); len(records) != 1 {
		t.Fatalf("expected a single task, got %d", len(records))
	}
}

func TestCreateTaskFailureReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailWrites = errors.New("permission denied")
	rec := env.do(t, http.MethodPost, "/api/tasks", "u1", `{"title":"Report"}`, headerIdempotencyKey, "k1")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error != "Failed to add task" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if env.deduper.seen["u1:k1"] {
		t.Fatalf("failed create must release its idempotency key")
	}
}

func TestCreateTaskGzipBody(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"title":"Compressed"}`)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, bearerPrefix+"u1")
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateAndToggleTask(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "u1", domain.NewTask{Title: "Report", Priority: domain.PriorityLow, Tags: []string{"old"}})[0]

	rec := env.do(t, http.MethodPut, "/api/tasks/"+id, "u1", `{"title":"Final report","priority":"high","tags":["work"],"category":"office","completed":false}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("update: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/tasks/"+id+"/toggle", "u1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("toggle: expected 202, got %d", rec.Code)
	}

	records, _ := env.store.FetchTasks(context.Background(), "u1")
	got := records[0]
	if got.Title != "Final report" || got.Priority != string(domain.PriorityHigh) || got.Category != "office" || !got.Completed {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "work" {
		t.Fatalf("tags must be replaced, got %v", got.Tags)
	}

	if rec := env.do(t, http.MethodPost, "/api/tasks/missing/toggle", "u1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("toggle of an unknown task is a no-op, got %d", rec.Code)
	}
}

func TestUpdateWithoutCompletedKeepsDoneTask(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "u1", domain.NewTask{Title: "Report"})[0]

	if rec := env.do(t, http.MethodPost, "/api/tasks/"+id+"/toggle", "u1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("toggle: expected 202, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/api/tasks/"+id, "u1", `{"title":"Report v2"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("update: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	records, _ := env.store.FetchTasks(context.Background(), "u1")
	if got := records[0]; got.Title != "Report v2" || !got.Completed {
		t.Fatalf("expected a renamed task that stays completed, got %+v", got)
	}
}

func TestDeleteTaskRequiresConfirm(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "u1", domain.NewTask{Title: "Report"})[0]

	if rec := env.do(t, http.MethodDelete, "/api/tasks/"+id, "u1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without confirmation, got %d", rec.Code)
	}
	if records, _ := env.store.FetchTasks(context.Background(), "u1"); len(records) != 1 {
		t.Fatalf("unconfirmed delete must not remove the task")
	}

	if rec := env.do(t, http.MethodDelete, "/api/tasks/"+id+"?confirm=true", "u1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if records, _ := env.store.FetchTasks(context.Background(), "u1"); len(records) != 0 {
		t.Fatalf("expected task to be deleted")
	}
}

func TestMutationsAreScopedToCaller(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, "u1", domain.NewTask{Title: "Report"})[0]

	env.do(t, http.MethodDelete, "/api/tasks/"+id+"?confirm=true", "u2", "")
	if records, _ := env.store.FetchTasks(context.Background(), "u1"); len(records) != 1 {
		t.Fatalf("another user must not delete u1's task")
	}
}
