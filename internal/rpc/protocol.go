// Package rpc implements the daemon's control-plane protocol (spec.md
// §6.2): a length-prefixed JSON request/response exchange over a
// per-project Unix domain socket. Every message is one JSON object tagged
// by a "type" field, carrying its variant's fields inline at the top
// level — the same tagged-union shape internal/wal uses for Operation,
// kept consistent rather than introducing a second envelope convention.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is exchanged via Hello; a client whose major version
// differs is rejected rather than risk silently misinterpreting fields.
const ProtocolVersion = "1.0"

var (
	// ErrInvalidMessage is returned when a frame's JSON cannot be parsed
	// into a known Request or Response variant.
	ErrInvalidMessage = errors.New("rpc: invalid message")

	// ErrUnsupportedVersion is returned when a Hello's major version
	// doesn't match ProtocolVersion's.
	ErrUnsupportedVersion = errors.New("rpc: unsupported protocol version")
)

// RequestKind tags which Request variant is populated.
type RequestKind string

const (
	ReqPing           RequestKind = "ping"
	ReqHello          RequestKind = "hello"
	ReqEvent          RequestKind = "event"
	ReqQuery          RequestKind = "query"
	ReqShutdown       RequestKind = "shutdown"
	ReqStatus         RequestKind = "status"
	ReqSessionSend    RequestKind = "session_send"
	ReqPipelineResume RequestKind = "pipeline_resume"
	ReqPipelineFail   RequestKind = "pipeline_fail"
)

// Request is the tagged union of every message a client may send.
// CorrelationID links it to the Response the server eventually writes
// back; exactly one of the typed fields below is populated, selected by
// Kind.
type Request struct {
	Kind          RequestKind `json:"type"`
	CorrelationID string      `json:"correlation_id"`

	Hello          *HelloPayload          `json:"-"`
	Event          *EventPayload          `json:"-"`
	Query          *QueryPayload          `json:"-"`
	SessionSend    *SessionSendPayload    `json:"-"`
	PipelineResume *PipelineResumePayload `json:"-"`
	PipelineFail   *PipelineFailPayload   `json:"-"`
}

// HelloPayload is exchanged by both Request{Hello} and Response{Hello}.
type HelloPayload struct {
	Version string `json:"version"`
}

// EventPayload carries a bus event name in, and whether it was accepted
// out.
type EventPayload struct {
	Event    string `json:"event,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
}

// QueryPayload asks for a resource listing or a single resource by ID.
// Resource is "pipelines", "sessions", or "queue"; ID is empty for a list
// query, and for "queue" it names the queue itself rather than an item.
type QueryPayload struct {
	Resource string `json:"resource"`
	ID       string `json:"id,omitempty"`
}

// SessionSendPayload forwards input to a running session's adapter.
type SessionSendPayload struct {
	ID    string `json:"id"`
	Input string `json:"input"`
}

// PipelineResumePayload manually resumes a pipeline blocked waiting on a
// guard or a human decision.
type PipelineResumePayload struct {
	ID string `json:"id"`
}

// PipelineFailPayload manually fails a pipeline, e.g. from the CLI's
// `pipeline fail <id> --error <msg>`.
type PipelineFailPayload struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// NewRequest builds a Request with a generated correlation ID.
func NewRequest(kind RequestKind) *Request {
	return &Request{Kind: kind, CorrelationID: uuid.New().String()}
}

type reqEnvelope struct {
	Kind          RequestKind `json:"type"`
	CorrelationID string      `json:"correlation_id"`
}

// MarshalJSON flattens the active variant's fields alongside the type tag
// and correlation ID.
func (r Request) MarshalJSON() ([]byte, error) {
	var payload any
	switch r.Kind {
	case ReqPing, ReqShutdown, ReqStatus:
		payload = struct{}{}
	case ReqHello:
		payload = r.Hello
	case ReqEvent:
		payload = r.Event
	case ReqQuery:
		payload = r.Query
	case ReqSessionSend:
		payload = r.SessionSend
	case ReqPipelineResume:
		payload = r.PipelineResume
	case ReqPipelineFail:
		payload = r.PipelineFail
	default:
		return nil, fmt.Errorf("rpc: unknown request type %q", r.Kind)
	}
	return marshalTagged(string(r.Kind), r.CorrelationID, payload)
}

// UnmarshalJSON dispatches on the type tag to populate the right variant.
func (r *Request) UnmarshalJSON(data []byte) error {
	var env reqEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	r.Kind = env.Kind
	r.CorrelationID = env.CorrelationID

	switch env.Kind {
	case ReqPing, ReqShutdown, ReqStatus:
		return nil
	case ReqHello:
		r.Hello = &HelloPayload{}
		return json.Unmarshal(data, r.Hello)
	case ReqEvent:
		r.Event = &EventPayload{}
		return json.Unmarshal(data, r.Event)
	case ReqQuery:
		r.Query = &QueryPayload{}
		return json.Unmarshal(data, r.Query)
	case ReqSessionSend:
		r.SessionSend = &SessionSendPayload{}
		return json.Unmarshal(data, r.SessionSend)
	case ReqPipelineResume:
		r.PipelineResume = &PipelineResumePayload{}
		return json.Unmarshal(data, r.PipelineResume)
	case ReqPipelineFail:
		r.PipelineFail = &PipelineFailPayload{}
		return json.Unmarshal(data, r.PipelineFail)
	default:
		return fmt.Errorf("%w: unknown request type %q", ErrInvalidMessage, env.Kind)
	}
}

// ResponseKind tags which Response variant is populated.
type ResponseKind string

const (
	RespPong         ResponseKind = "pong"
	RespHello        ResponseKind = "hello"
	RespEvent        ResponseKind = "event"
	RespPipelines    ResponseKind = "pipelines"
	RespPipeline     ResponseKind = "pipeline"
	RespSessions     ResponseKind = "sessions"
	RespQueue        ResponseKind = "queue"
	RespShuttingDown ResponseKind = "shutting_down"
	RespStatus       ResponseKind = "status"
	RespOk           ResponseKind = "ok"
	RespError        ResponseKind = "error"
)

// Response is the tagged union of every message the server sends back.
type Response struct {
	Kind          ResponseKind `json:"type"`
	CorrelationID string       `json:"correlation_id"`

	Hello     *HelloPayload     `json:"-"`
	Event     *EventPayload     `json:"-"`
	Pipelines *PipelinesPayload `json:"-"`
	Pipeline  *PipelinePayload  `json:"-"`
	Sessions  *SessionsPayload  `json:"-"`
	Queue     *QueuePayload     `json:"-"`
	Status    *StatusPayload    `json:"-"`
	Error     *ErrorPayload     `json:"-"`
}

// PipelineSummary is the JSON projection of a state.Pipeline exposed over
// IPC; it intentionally drops fields (Inputs, template Outputs) a CLI
// consumer has no use for.
type PipelineSummary struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Name          string `json:"name"`
	Phase         string `json:"phase"`
	PhaseStatus   string `json:"phase_status"`
	SessionID     string `json:"session_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	Error         string `json:"error,omitempty"`
	BlockedOn     string `json:"blocked_on,omitempty"`
}

// SessionSummary is the JSON projection of a state.Session exposed over
// IPC.
type SessionSummary struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
	DeadReason  string `json:"dead_reason,omitempty"`
}

type PipelinesPayload struct {
	Pipelines []PipelineSummary `json:"pipelines"`
}

type PipelinePayload struct {
	Pipeline PipelineSummary `json:"pipeline"`
}

type SessionsPayload struct {
	Sessions []SessionSummary `json:"sessions"`
}

// QueueItemSummary is the JSON projection of a state.QueueItem.
type QueueItemSummary struct {
	ID       string `json:"id"`
	Priority int64  `json:"priority"`
	Attempts int64  `json:"attempts"`
}

// DeadLetterSummary is the JSON projection of a state.DeadLetter.
type DeadLetterSummary struct {
	Item   QueueItemSummary `json:"item"`
	Reason string           `json:"reason,omitempty"`
}

// QueuePayload answers Query{resource: "queue"}: the pending and in-flight
// items plus the dead-letter sink, so a client can inspect a queue without
// a second round trip.
type QueuePayload struct {
	Name        string               `json:"name"`
	Items       []QueueItemSummary   `json:"items"`
	Processing  *QueueItemSummary    `json:"processing,omitempty"`
	DeadLetters []DeadLetterSummary  `json:"dead_letters"`
}

type StatusPayload struct {
	UptimeSecs      int64 `json:"uptime_secs"`
	PipelinesActive int   `json:"pipelines_active"`
	SessionsActive  int   `json:"sessions_active"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewResponse builds a Response carrying req's correlation ID.
func NewResponse(corrID string, kind ResponseKind) *Response {
	return &Response{Kind: kind, CorrelationID: corrID}
}

// NewErrorResponse builds an Error response carrying req's correlation ID.
func NewErrorResponse(corrID, message string) *Response {
	return &Response{Kind: RespError, CorrelationID: corrID, Error: &ErrorPayload{Message: message}}
}

type respEnvelope struct {
	Kind          ResponseKind `json:"type"`
	CorrelationID string       `json:"correlation_id"`
}

// MarshalJSON flattens the active variant's fields alongside the type tag
// and correlation ID.
func (r Response) MarshalJSON() ([]byte, error) {
	var payload any
	switch r.Kind {
	case RespPong, RespShuttingDown, RespOk:
		payload = struct{}{}
	case RespHello:
		payload = r.Hello
	case RespEvent:
		payload = r.Event
	case RespPipelines:
		payload = r.Pipelines
	case RespPipeline:
		payload = r.Pipeline
	case RespSessions:
		payload = r.Sessions
	case RespQueue:
		payload = r.Queue
	case RespStatus:
		payload = r.Status
	case RespError:
		payload = r.Error
	default:
		return nil, fmt.Errorf("rpc: unknown response type %q", r.Kind)
	}
	return marshalTagged(string(r.Kind), r.CorrelationID, payload)
}

// UnmarshalJSON dispatches on the type tag to populate the right variant.
func (r *Response) UnmarshalJSON(data []byte) error {
	var env respEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	r.Kind = env.Kind
	r.CorrelationID = env.CorrelationID

	switch env.Kind {
	case RespPong, RespShuttingDown, RespOk:
		return nil
	case RespHello:
		r.Hello = &HelloPayload{}
		return json.Unmarshal(data, r.Hello)
	case RespEvent:
		r.Event = &EventPayload{}
		return json.Unmarshal(data, r.Event)
	case RespPipelines:
		r.Pipelines = &PipelinesPayload{}
		return json.Unmarshal(data, r.Pipelines)
	case RespPipeline:
		r.Pipeline = &PipelinePayload{}
		return json.Unmarshal(data, r.Pipeline)
	case RespSessions:
		r.Sessions = &SessionsPayload{}
		return json.Unmarshal(data, r.Sessions)
	case RespQueue:
		r.Queue = &QueuePayload{}
		return json.Unmarshal(data, r.Queue)
	case RespStatus:
		r.Status = &StatusPayload{}
		return json.Unmarshal(data, r.Status)
	case RespError:
		r.Error = &ErrorPayload{}
		return json.Unmarshal(data, r.Error)
	default:
		return fmt.Errorf("%w: unknown response type %q", ErrInvalidMessage, env.Kind)
	}
}

// marshalTagged flattens payload's fields into a single object alongside
// type/correlation_id, the way internal/wal.Operation flattens its
// variant payloads alongside the operation's type tag.
func marshalTagged(kind, corrID string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(`"` + kind + `"`)
	fields["correlation_id"] = json.RawMessage(`"` + corrID + `"`)
	return json.Marshal(fields)
}

// IsVersionSupported reports whether version's major component matches
// ProtocolVersion's.
func IsVersionSupported(version string) bool {
	return majorOf(version) == majorOf(ProtocolVersion)
}

func majorOf(version string) string {
	for i, c := range version {
		if c == '.' {
			return version[:i]
		}
	}
	return version
}
