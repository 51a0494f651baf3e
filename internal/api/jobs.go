package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/runbox/internal/auth"
	"github.com/opensandbox/runbox/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // API key and owner checks run before the upgrade
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (s *Server) submitJob(c echo.Context) error {
	var req types.ExecutionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	// the body never chooses the owner
	req.OwnerID = auth.GetOwnerID(c)

	id, err := s.jobs.Submit(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, types.SubmitResponse{JobID: id, Status: types.JobStatusQueued})
}

func (s *Server) getJob(c echo.Context) error {
	snap, err := s.jobs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) cancelJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.jobs.Cancel(ctx, id); err != nil {
		return s.writeError(c, err)
	}
	snap, err := s.jobs.Status(ctx, id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// waitJob blocks until the job is terminal or timeoutMs passes, then
// returns the current snapshot either way.
func (s *Server) waitJob(c echo.Context) error {
	wait := s.opts.MaxWait
	if v := c.QueryParam("timeoutMs"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return badRequest(c, "timeoutMs must be a positive integer")
		}
		if d := time.Duration(ms) * time.Millisecond; d < wait {
			wait = d
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
	defer cancel()
	snap, err := s.jobs.Wait(ctx, c.Param("id"))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// watchJob streams a snapshot over a websocket whenever the job changes
// and closes after the terminal one.
func (s *Server) watchJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	snap, err := s.jobs.Status(ctx, id)
	if err != nil {
		return s.writeError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	// reader goroutine notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last *types.JobSnapshot
	for {
		if snap.Status.Terminal() {
			// a cancelled job turns terminal before its sandbox exits;
			// the last frame carries the back-filled output
			waitCtx, cancel := context.WithTimeout(ctx, s.opts.MaxWait)
			if final, err := s.jobs.Wait(waitCtx, id); err == nil {
				snap = final
			}
			cancel()
		}
		if last == nil || changed(*last, snap) {
			if err := ws.WriteJSON(snap); err != nil {
				return nil
			}
			cp := snap
			last = &cp
		}
		if snap.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.Status))
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.opts.WatchPeriod)
		next, err := s.jobs.Wait(waitCtx, id)
		cancel()
		select {
		case <-gone:
			return nil
		default:
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Debug().Err(err).Str("job_id", id).Msg("watch ended")
			return nil
		}
		snap = next
	}
}

func changed(a, b types.JobSnapshot) bool {
	return a.Status != b.Status || a.Output != b.Output || a.ErrorText != b.ErrorText ||
		(a.FinishedAt == nil) != (b.FinishedAt == nil)
}
