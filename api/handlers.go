// Package api exposes the derived task views, the sidebar and the mutation
// commands over HTTP, plus a server-sent event stream of live views.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/commands"
	"taskboard/dates"
	"taskboard/domain"
	"taskboard/session"
	"taskboard/views"
)

const (
	postTaskMaxSize      = 64 << 10
	headerIdempotencyKey = "Idempotency-Key"
)

var (
	errInvalidBody      = domain.Invalid("body", "is not a valid task")
	errInvalidView      = domain.Invalid("view", "must be today, all, month, tag or category")
	errInvalidYearMonth = domain.Invalid("yearMonth", "must be YYYY-MM")
	errMissingParam     = domain.Invalid("param", "is required for tag and category views")
)

type server struct {
	store   Store
	auth    Authenticator
	deduper Deduper
	logger  *log.Logger
	opts    Options
}

// Register wires up all API routes on the provided Echo instance. deduper
// may be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, store Store, auth Authenticator, deduper Deduper, logger *log.Logger, opts Options) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &server{store: store, auth: auth, deduper: deduper, logger: logger, opts: opts.withDefaults()}

	e.GET("/healthz", s.healthz)

	v := e.Group("/api/views")
	v.GET("/today", s.getView(views.ScopeToday))
	v.GET("/all", s.getView(views.ScopeAll))
	v.GET("/month/:yearMonth", s.getView(views.ScopeMonth))
	v.GET("/tag/:tagName", s.getView(views.ScopeTag))
	v.GET("/category/:categoryName", s.getView(views.ScopeCategory))

	e.GET("/api/sidebar", s.getSidebar)
	e.GET("/api/stream", s.streamView)

	e.POST("/api/tasks", s.createTask)
	e.PUT("/api/tasks/:id", s.updateTask)
	e.POST("/api/tasks/:id/toggle", s.toggleTask)
	e.DELETE("/api/tasks/:id", s.deleteTask)
}

type errorResponse struct {
	Error string `json:"error"`
}

type taskResponse struct {
	domain.Task
	DueLabel     string `json:"dueLabel,omitempty"`
	Overdue      bool   `json:"overdue"`
	DaysUntilDue *int   `json:"daysUntilDue,omitempty"`
}

type viewResponse struct {
	Tasks            []taskResponse `json:"tasks"`
	Stats            views.Stats    `json:"stats"`
	Visible          int            `json:"visible"`
	VisibleCompleted int            `json:"visibleCompleted"`
}

type mutationResponse struct {
	ID             string `json:"id,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

type updateRequest struct {
	Title       string   `json:"title"`
	Priority    string   `json:"priority,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Category    string   `json:"category,omitempty"`
	Completed   *bool    `json:"completed,omitempty"`
}

func (r updateRequest) draft() domain.TaskDraft {
	return domain.TaskDraft{
		Title:       r.Title,
		Priority:    r.Priority,
		DueDate:     r.DueDate,
		Description: r.Description,
		Tags:        r.Tags,
		Category:    r.Category,
	}
}

func (s *server) calendar() dates.Calendar {
	return dates.At(s.opts.Now().In(s.opts.Location))
}

func (s *server) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *server) getView(scope views.Scope) echo.HandlerFunc {
	route := "/api/views/" + string(scope)
	return func(c echo.Context) (err error) {
		metrics, ctx := newViewRequestMetrics(c.Request().Context(), s.logger, route)
		c.SetRequest(c.Request().WithContext(ctx))
		metrics.SetScope(string(scope))
		var cause error
		defer func() {
			if cause == nil {
				cause = err
			}
			metrics.Log(c.Response().Status, cause)
		}()

		authStart := time.Now()
		userID, authErr := s.auth.UserIDFromAuthHeader(authHeader(c))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return writeError(c, authErr)
		}

		vc, vcErr := viewContext(c, scope, c.QueryParam("q"))
		if vcErr != nil {
			metrics.SetErrorStage("invalid_view")
			return writeError(c, vcErr)
		}

		fetchStart := time.Now()
		tasks, fetchErr := s.fetchTasks(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			s.logger.WithError(fetchErr).WithField("userId", userID).Error("fetch tasks")
			cause = fetchErr
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to load tasks"})
		}

		cal := s.calendar()
		resp := newViewResponse(views.Build(tasks, vc, cal), cal)
		metrics.SetTasksReturned(len(resp.Tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func (s *server) getSidebar(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return writeError(c, err)
	}
	tasks, err := s.fetchTasks(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("userId", userID).Error("fetch tasks")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to load tasks"})
	}
	return c.JSON(http.StatusOK, views.Sidebar(tasks, s.calendar()))
}

func (s *server) createTask(c echo.Context) error {
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return writeError(c, err)
	}
	var draft domain.TaskDraft
	if err := decodeBody(c, &draft); err != nil {
		return writeError(c, err)
	}

	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if key != "" && s.deduper != nil {
		added, err := s.deduper.Add(c.Request().Context(), userID, key)
		switch {
		case err != nil:
			s.logger.WithError(err).Warn("idempotency check failed; processing anyway")
		case !added:
			return c.JSON(http.StatusAccepted, mutationResponse{IdempotencyKey: key, Duplicate: true})
		}
	}

	ctx, cancel := s.mutationContext()
	defer cancel()
	svc, notice := s.service(userID)
	id, err := svc.Create(ctx, draft)
	if err != nil {
		if key != "" && s.deduper != nil {
			if rmErr := s.deduper.Remove(ctx, userID, key); rmErr != nil {
				s.logger.WithError(rmErr).Warn("unable to release idempotency key")
			}
		}
		return writeMutationError(c, err, *notice)
	}
	return c.JSON(http.StatusAccepted, mutationResponse{ID: id, IdempotencyKey: key})
}

func (s *server) updateTask(c echo.Context) error {
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return writeError(c, err)
	}
	var req updateRequest
	if err := decodeBody(c, &req); err != nil {
		return writeError(c, err)
	}

	ctx, cancel := s.mutationContext()
	defer cancel()
	taskID := c.Param("id")
	svc, notice := s.service(userID)
	if err := svc.Update(ctx, taskID, req.draft(), req.Completed); err != nil {
		return writeMutationError(c, err, *notice)
	}
	return c.JSON(http.StatusAccepted, mutationResponse{ID: taskID})
}

func (s *server) toggleTask(c echo.Context) error {
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return writeError(c, err)
	}

	ctx, cancel := s.mutationContext()
	defer cancel()
	tasks, err := s.fetchTasks(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("userId", userID).Error("fetch tasks")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: (&domain.MutationError{Op: domain.OpToggle}).Message()})
	}
	taskID := c.Param("id")
	svc, notice := s.service(userID)
	if err := svc.Toggle(ctx, tasks, taskID); err != nil {
		return writeMutationError(c, err, *notice)
	}
	return c.JSON(http.StatusAccepted, mutationResponse{ID: taskID})
}

func (s *server) deleteTask(c echo.Context) error {
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return writeError(c, err)
	}
	confirmed := c.QueryParam("confirm") == "true"

	ctx, cancel := s.mutationContext()
	defer cancel()
	taskID := c.Param("id")
	svc, notice := s.service(userID)
	issued, err := svc.Delete(ctx, taskID, commands.ConfirmerFunc(func(context.Context, string) bool {
		return confirmed
	}))
	if err != nil {
		return writeMutationError(c, err, *notice)
	}
	if !issued {
		return c.JSON(http.StatusConflict, errorResponse{Error: commands.DeletePrompt})
	}
	return c.JSON(http.StatusAccepted, mutationResponse{ID: taskID})
}

// mutationContext detaches writes from the request so a client disconnect
// does not abort them half way.
func (s *server) mutationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opts.MutationTimeout)
}

// service returns a command service acting for userID. The string receives
// the user-facing message of a failed mutation.
func (s *server) service(userID string) (*commands.Service, *string) {
	notice := new(string)
	notifier := commands.NotifierFunc(func(_ context.Context, message string) {
		*notice = message
	})
	svc := commands.NewService(s.store, session.ForUser(userID), notifier, s.logger).WithCalendar(s.calendar)
	return svc, notice
}

func (s *server) fetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	records, err := s.store.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	tasks := domain.NormalizeAll(records)
	domain.SortNewestFirst(tasks)
	return tasks, nil
}

func viewContext(c echo.Context, scope views.Scope, keyword string) (views.Context, error) {
	vc := views.Context{Scope: scope, Keyword: keyword}
	switch scope {
	case views.ScopeMonth:
		vc.YearMonth = c.Param("yearMonth")
		if !dates.ValidYearMonth(vc.YearMonth) {
			return vc, errInvalidYearMonth
		}
	case views.ScopeTag:
		vc.Tag = pathValue(c, "tagName")
	case views.ScopeCategory:
		vc.Category = pathValue(c, "categoryName")
	}
	return vc, nil
}

// pathValue returns a decoded path param. Echo matches on RawPath when the
// request carries one, so only those params are still escaped.
func pathValue(c echo.Context, name string) string {
	raw := c.Param(name)
	if c.Request().URL.RawPath == "" {
		return raw
	}
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func newViewResponse(v views.View, cal dates.Calendar) viewResponse {
	resp := viewResponse{
		Tasks:            make([]taskResponse, 0, len(v.Tasks)),
		Stats:            v.Stats,
		Visible:          v.Visible,
		VisibleCompleted: v.VisibleCompleted,
	}
	for _, t := range v.Tasks {
		tr := taskResponse{Task: t}
		if t.HasDueDate() {
			days := cal.DaysUntilDue(t.DueDate)
			tr.DueLabel = cal.Classify(t.DueDate).String()
			tr.Overdue = !t.Completed && cal.IsOverdue(t.DueDate)
			tr.DaysUntilDue = &days
		}
		resp.Tasks = append(resp.Tasks, tr)
	}
	return resp
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, postTaskMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidBody
	}
	return nil
}

func writeError(c echo.Context, err error) error {
	var authErr *domain.AuthError
	var merr *domain.MutationError
	switch {
	case errors.As(err, &authErr):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Message()})
	case errors.Is(err, domain.ErrNotAuthenticated):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: (&domain.AuthError{Code: domain.AuthInvalidCredentials}).Message()})
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &merr):
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: merr.Message()})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// writeMutationError prefers the message already shown through the notifier.
func writeMutationError(c echo.Context, err error, notice string) error {
	var merr *domain.MutationError
	if notice != "" && errors.As(err, &merr) {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: notice})
	}
	return writeError(c, err)
}
