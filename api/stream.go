package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/dates"
	"taskboard/session"
	"taskboard/subscription"
	"taskboard/views"
)

var (
	sseDataPrefix  = []byte("data: ")
	sseErrorPrefix = []byte("event: error\ndata: ")
	sseFrameEnd    = []byte("\n\n")
	sseHeartbeat   = []byte(": keepalive\n\n")
)

// streamView sends the selected view as server-sent events: one data frame
// per store snapshot, or a single error event when the subscription fails.
func (s *server) streamView(c echo.Context) error {
	userID, err := s.auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return writeError(c, err)
	}
	vc, err := streamContext(c)
	if err != nil {
		return writeError(c, err)
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	logger := s.logger.WithField("userId", userID)
	agg := subscription.New(s.store, session.ForUser(userID), s.logger)
	states := agg.Start(ctx)
	defer agg.Stop()

	heartbeat := time.NewTicker(s.opts.StreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := c.Response().Write(sseHeartbeat); err != nil {
				return nil
			}
			flusher.Flush()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st.Err != nil {
				payload, _ := sonic.Marshal(errorResponse{Error: st.Err.Error()})
				writeFrame(c, sseErrorPrefix, payload)
				flusher.Flush()
				return nil
			}
			if st.Loading {
				continue
			}
			cal := s.calendar()
			payload, err := sonic.Marshal(newViewResponse(views.Build(st.Tasks, vc, cal), cal))
			if err != nil {
				logger.WithError(err).Error("encode stream frame")
				return nil
			}
			if err := writeFrame(c, sseDataPrefix, payload); err != nil {
				logger.WithError(err).Debug("stream client gone")
				return nil
			}
			flusher.Flush()
			logger.WithField("version", st.Version).Debug("stream frame sent")
		}
	}
}

func writeFrame(c echo.Context, prefix, payload []byte) error {
	w := c.Response()
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write(sseFrameEnd)
	return err
}

// streamContext reads the view selection from the view, q and param query
// parameters. An unknown view is rejected; a missing one means today.
func streamContext(c echo.Context) (views.Context, error) {
	name := c.QueryParam("view")
	scope := views.ScopeToday
	if name != "" {
		var ok bool
		if scope, ok = views.ParseScope(name); !ok {
			return views.Context{}, errInvalidView
		}
	}
	vc := views.Context{Scope: scope, Keyword: c.QueryParam("q")}
	param := c.QueryParam("param")
	switch scope {
	case views.ScopeMonth:
		vc.YearMonth = param
		if !dates.ValidYearMonth(param) {
			return vc, errInvalidYearMonth
		}
	case views.ScopeTag:
		if strings.TrimSpace(param) == "" {
			return vc, errMissingParam
		}
		vc.Tag = param
	case views.ScopeCategory:
		if strings.TrimSpace(param) == "" {
			return vc, errMissingParam
		}
		vc.Category = param
	}
	return vc, nil
}
