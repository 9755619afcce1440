package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/oj-run/oj/internal/rpc"
	"github.com/oj-run/oj/internal/runtime"
	"github.com/oj-run/oj/internal/state"
)

// ipcHandler implements rpc.Handler against a running Runtime. Every
// method runs on whatever goroutine the rpc.Server's per-connection
// handleConn uses; the only mutation path it exercises is Runtime's own
// public methods, which push onto Events or apply effects through the
// executor exactly as the reactor's own tick does — nothing here touches
// MaterializedState directly except to read it for Query/Status.
type ipcHandler struct {
	rt        *runtime.Runtime
	log       *slog.Logger
	startedAt time.Time
	shutdown  func()
}

func newIPCHandler(rt *runtime.Runtime, log *slog.Logger, startedAt time.Time, shutdown func()) *ipcHandler {
	return &ipcHandler{rt: rt, log: log, startedAt: startedAt, shutdown: shutdown}
}

func (h *ipcHandler) Handle(ctx context.Context, req *rpc.Request) *rpc.Response {
	switch req.Kind {
	case rpc.ReqPing:
		return rpc.NewResponse(req.CorrelationID, rpc.RespPong)

	case rpc.ReqHello:
		return &rpc.Response{
			Kind:          rpc.RespHello,
			CorrelationID: req.CorrelationID,
			Hello:         &rpc.HelloPayload{Version: rpc.ProtocolVersion},
		}

	case rpc.ReqEvent:
		return h.handleEvent(req)

	case rpc.ReqQuery:
		return h.handleQuery(req)

	case rpc.ReqStatus:
		return h.handleStatus(req)

	case rpc.ReqSessionSend:
		if err := h.rt.SendSession(ctx, req.SessionSend.ID, req.SessionSend.Input); err != nil {
			return rpc.NewErrorResponse(req.CorrelationID, err.Error())
		}
		return rpc.NewResponse(req.CorrelationID, rpc.RespOk)

	case rpc.ReqPipelineResume:
		if err := h.rt.ResumePipeline(ctx, req.PipelineResume.ID); err != nil {
			return rpc.NewErrorResponse(req.CorrelationID, err.Error())
		}
		return rpc.NewResponse(req.CorrelationID, rpc.RespOk)

	case rpc.ReqPipelineFail:
		if err := h.rt.FailPipeline(ctx, req.PipelineFail.ID, req.PipelineFail.Error); err != nil {
			return rpc.NewErrorResponse(req.CorrelationID, err.Error())
		}
		return rpc.NewResponse(req.CorrelationID, rpc.RespOk)

	case rpc.ReqShutdown:
		h.log.Info("shutdown requested over ipc")
		if h.shutdown != nil {
			go h.shutdown()
		}
		return rpc.NewResponse(req.CorrelationID, rpc.RespShuttingDown)

	default:
		return rpc.NewErrorResponse(req.CorrelationID, "unknown request type")
	}
}

func (h *ipcHandler) handleEvent(req *rpc.Request) *rpc.Response {
	name := ""
	if req.Event != nil {
		name = req.Event.Event
	}
	ev := state.NewEvent(state.EventName(name), "", time.Now())
	select {
	case h.rt.Events <- ev:
		return &rpc.Response{Kind: rpc.RespEvent, CorrelationID: req.CorrelationID, Event: &rpc.EventPayload{Event: name, Accepted: true}}
	default:
		return &rpc.Response{Kind: rpc.RespEvent, CorrelationID: req.CorrelationID, Event: &rpc.EventPayload{Event: name, Accepted: false}}
	}
}

func (h *ipcHandler) handleQuery(req *rpc.Request) *rpc.Response {
	ms := h.rt.MaterializedState()
	q := req.Query
	if q == nil {
		return rpc.NewErrorResponse(req.CorrelationID, "missing query")
	}

	switch q.Resource {
	case "pipelines":
		if q.ID != "" {
			p, ok := ms.Pipelines[q.ID]
			if !ok {
				return rpc.NewErrorResponse(req.CorrelationID, "pipeline not found: "+q.ID)
			}
			return &rpc.Response{Kind: rpc.RespPipeline, CorrelationID: req.CorrelationID, Pipeline: &rpc.PipelinePayload{Pipeline: pipelineSummary(p)}}
		}
		summaries := make([]rpc.PipelineSummary, 0, len(ms.Pipelines))
		for _, p := range ms.Pipelines {
			summaries = append(summaries, pipelineSummary(p))
		}
		return &rpc.Response{Kind: rpc.RespPipelines, CorrelationID: req.CorrelationID, Pipelines: &rpc.PipelinesPayload{Pipelines: summaries}}

	case "sessions":
		summaries := make([]rpc.SessionSummary, 0, len(ms.Sessions))
		for _, s := range ms.Sessions {
			if q.ID != "" && s.ID != q.ID {
				continue
			}
			summaries = append(summaries, rpc.SessionSummary{
				ID:          s.ID,
				WorkspaceID: s.WorkspaceID,
				Status:      string(s.Status),
				DeadReason:  s.DeadReason,
			})
		}
		return &rpc.Response{Kind: rpc.RespSessions, CorrelationID: req.CorrelationID, Sessions: &rpc.SessionsPayload{Sessions: summaries}}

	case "queue":
		q2, ok := ms.Queues[q.ID]
		if !ok {
			return rpc.NewErrorResponse(req.CorrelationID, "queue not found: "+q.ID)
		}
		return &rpc.Response{Kind: rpc.RespQueue, CorrelationID: req.CorrelationID, Queue: queueSummary(q2)}

	default:
		return rpc.NewErrorResponse(req.CorrelationID, "unknown query resource: "+q.Resource)
	}
}

func (h *ipcHandler) handleStatus(req *rpc.Request) *rpc.Response {
	ms := h.rt.MaterializedState()
	active := 0
	for _, p := range ms.Pipelines {
		if !p.Terminal() {
			active++
		}
	}
	return &rpc.Response{
		Kind:          rpc.RespStatus,
		CorrelationID: req.CorrelationID,
		Status: &rpc.StatusPayload{
			UptimeSecs:      int64(time.Since(h.startedAt).Seconds()),
			PipelinesActive: active,
			SessionsActive:  len(ms.Sessions),
		},
	}
}

func queueSummary(q state.Queue) *rpc.QueuePayload {
	items := make([]rpc.QueueItemSummary, 0, len(q.Items))
	for _, it := range q.Items {
		items = append(items, queueItemSummary(it))
	}
	deadLetters := make([]rpc.DeadLetterSummary, 0, len(q.DeadLetters))
	for _, dl := range q.DeadLetters {
		deadLetters = append(deadLetters, rpc.DeadLetterSummary{Item: queueItemSummary(dl.Item), Reason: dl.Reason})
	}
	payload := &rpc.QueuePayload{Name: q.Name, Items: items, DeadLetters: deadLetters}
	if q.Processing != nil {
		s := queueItemSummary(*q.Processing)
		payload.Processing = &s
	}
	return payload
}

func queueItemSummary(it state.QueueItem) rpc.QueueItemSummary {
	return rpc.QueueItemSummary{ID: it.ID, Priority: it.Priority, Attempts: it.Attempts}
}

func pipelineSummary(p state.Pipeline) rpc.PipelineSummary {
	return rpc.PipelineSummary{
		ID:            p.ID,
		Kind:          p.Kind,
		Name:          p.Name,
		Phase:         p.Phase,
		PhaseStatus:   string(p.PhaseStatus),
		SessionID:     p.SessionID,
		WorkspacePath: p.WorkspacePath,
		Error:         p.Error,
		BlockedOn:     p.BlockedWaitingOn,
	}
}
