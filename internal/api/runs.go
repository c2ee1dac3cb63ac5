package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/model"
)

type startRunRequest struct {
	Goal string `json:"goal"`
}

type startRunResponse struct {
	RunID  string          `json:"runId"`
	Status model.RunStatus `json:"status"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := s.deps.Runs.Submit(r.Context(), req.Goal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: run.ID, Status: run.Status})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Records.ListRuns(r.Context(), queryLimit(r, 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Records.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Records.GetRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.deps.Records.ListLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": id, "logs": logs})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleStream 以 SSE 推送运行事件。订阅者断开不会影响运行本身。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeCodedError(w, http.StatusInternalServerError, string(xerrors.CodeUnknown), "streaming unsupported")
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	stream, live := s.deps.Hub.Get(id)
	var run *model.Run
	if !live {
		var err error
		if run, err = s.deps.Records.GetRun(ctx, id); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	// 流式响应不受服务端写超时限制。
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if !live {
		if run.Status.Finished() {
			_ = events.WriteSSE(w, s.terminalEvent(ctx, run))
			flusher.Flush()
			return
		}
		if stream = s.awaitRun(ctx, w, flusher, id); stream == nil {
			return
		}
	}
	s.relay(ctx, w, flusher, id, stream)
}

// relay 把本进程的事件流转发给订阅者，直到流结束或订阅者断开。
func (s *Server) relay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id string, stream *events.Stream) {
	log := s.logger.With("run_id", id)
	sub := stream.Subscribe()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.opts.KeepAlive)
		ev, err := sub.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
			if werr := events.WriteSSE(w, ev); werr != nil {
				log.Debug("订阅者已断开", "error", werr)
				return
			}
			flusher.Flush()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if werr := events.WriteKeepAlive(w); werr != nil {
				return
			}
			flusher.Flush()
		case errors.Is(err, io.EOF), errors.Is(err, events.ErrCancelled), errors.Is(err, events.ErrSuperseded):
			log.Debug("事件流结束", "reason", err, "delivered", sub.Delivered())
			return
		default:
			return
		}
	}
}

// awaitRun 跟随不在本进程执行的运行：轮询记录存储并发送保活，运行结束时写出终止事件。
// 运行转到本进程执行时返回其事件流，其余情况返回 nil。
func (s *Server) awaitRun(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id string) *events.Stream {
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if err := events.WriteKeepAlive(w); err != nil {
				return nil
			}
			flusher.Flush()
		case <-poll.C:
			if stream, ok := s.deps.Hub.Get(id); ok {
				return stream
			}
			run, err := s.deps.Records.GetRun(ctx, id)
			switch {
			case xerrors.HasCode(err, xerrors.CodeNotFound):
				return nil
			case err != nil:
				s.logger.Debug("轮询运行状态失败", "run_id", id, "error", err)
				continue
			}
			if run.Status.Finished() {
				_ = events.WriteSSE(w, s.terminalEvent(ctx, run))
				flusher.Flush()
				return nil
			}
		}
	}
}

// terminalEvent 由存储的运行快照构造终止事件。
func (s *Server) terminalEvent(ctx context.Context, run *model.Run) events.Event {
	if run.Status == model.RunCompleted {
		memoriesUsed, servicesUnlocked := s.completionSummary(ctx, run)
		return events.New(events.KindComplete, run.ID, run.UpdatedAt, events.Completed{
			TotalCost:        run.TotalCost,
			MemoriesUsed:     memoriesUsed,
			ServicesUnlocked: servicesUnlocked,
			ArtifactID:       run.ArtifactID,
		})
	}
	msg := run.Error
	if msg == "" {
		msg = "run " + string(run.Status)
	}
	return events.New(events.KindError, run.ID, run.UpdatedAt, events.Failure{
		Message: msg,
		Phase:   run.CurrentPhase,
	})
}

// completionSummary 从 COMPLETE 历史条目读取统计，旧记录缺少时按本运行的授权数补齐。
func (s *Server) completionSummary(ctx context.Context, run *model.Run) (memories, services int) {
	services = -1
	for i := len(run.History) - 1; i >= 0; i-- {
		entry := run.History[i]
		if entry.Phase != model.PhaseComplete {
			continue
		}
		if v, ok := intValue(entry.Payload["memoriesUsed"]); ok {
			memories = v
		}
		if v, ok := intValue(entry.Payload["servicesUnlocked"]); ok {
			services = v
		}
		break
	}
	if services < 0 {
		services = 0
		if s.deps.Entitlements != nil {
			if ents, err := s.deps.Entitlements.ListEntitlements(ctx, run.ID); err == nil {
				services = len(ents)
			}
		}
	}
	return memories, services
}

// intValue 兼容内存存储中的 int 与 JSON 解码后的 float64。
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
