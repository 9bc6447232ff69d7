package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marinabox/marinabox/internal/tracing"
	"github.com/marinabox/marinabox/pkg/agent"
	"github.com/marinabox/marinabox/pkg/browser"
	"github.com/marinabox/marinabox/pkg/sdk"
	"github.com/marinabox/marinabox/pkg/session"
)

// Backend is the session and agent surface the gateway exposes.
// *sdk.Client implements it.
type Backend interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*session.Session, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpdateTag(ctx context.Context, id, tag string) (*session.Session, error)
	StopSession(ctx context.Context, id string, opts session.StopOptions) (*session.ClosedSession, error)
	StopAllSessions(ctx context.Context, opts session.StopOptions) (session.StopAllResult, error)
	ListClosedSessions(ctx context.Context) ([]*session.ClosedSession, error)
	GetClosedSession(ctx context.Context, id string) (*session.ClosedSession, error)
	ListPages(ctx context.Context, identifier string) ([]browser.PageInfo, error)
	RunAgent(ctx context.Context, identifier, task string, opts sdk.RunOptions) (*agent.Result, error)
}

var _ Backend = (*sdk.Client)(nil)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("sessions.create", s.handleSessionsCreate)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.tag", s.handleSessionsTag)
	_ = s.RegisterMethod("sessions.stop", s.handleSessionsStop)
	_ = s.RegisterMethod("sessions.stopAll", s.handleSessionsStopAll)
	_ = s.RegisterMethod("sessions.listClosed", s.handleSessionsListClosed)
	_ = s.RegisterMethod("sessions.getClosed", s.handleSessionsGetClosed)
	_ = s.RegisterMethod("sessions.pages", s.handleSessionsPages)
	_ = s.RegisterMethod("agent.run", s.handleAgentRun)
	_ = s.RegisterMethod("gateway.clients", s.handleGatewayClients)
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// stringParam reads an optional string parameter.
func stringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams("%s parameter must be a string", key)
	}
	return value, nil
}

// requiredString reads a non-blank string parameter.
func requiredString(params map[string]interface{}, key string) (string, error) {
	value, err := stringParam(params, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", invalidParams("%s parameter is required and must be a string", key)
	}
	return value, nil
}

func boolParam(params map[string]interface{}, key string) (bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return false, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, invalidParams("%s parameter must be a boolean", key)
	}
	return value, nil
}

// intParam reads an optional integer parameter. JSON numbers decode as float64.
func intParam(params map[string]interface{}, key string) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	value, ok := raw.(float64)
	if !ok || value != float64(int(value)) {
		return 0, invalidParams("%s parameter must be an integer", key)
	}
	return int(value), nil
}

func (s *Server) handleSessionsCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req session.CreateRequest
	envType, err := stringParam(params, "env_type")
	if err != nil {
		return nil, err
	}
	req.EnvType = session.EnvType(envType)
	if req.Resolution, err = stringParam(params, "resolution"); err != nil {
		return nil, err
	}
	if req.Tag, err = stringParam(params, "tag"); err != nil {
		return nil, err
	}
	if req.MountPath, err = stringParam(params, "mount_path"); err != nil {
		return nil, err
	}
	if req.Kiosk, err = boolParam(params, "kiosk"); err != nil {
		return nil, err
	}

	sess, err := s.backend.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	s.broadcaster.Broadcast(EventSessionCreated, sess.ID, sess)
	return sess, nil
}

func (s *Server) handleSessionsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	sessions, err := s.backend.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "session_id")
	if err != nil {
		return nil, err
	}
	return s.backend.GetSession(ctx, id)
}

func (s *Server) handleSessionsTag(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "session_id")
	if err != nil {
		return nil, err
	}
	tag, err := stringParam(params, "tag")
	if err != nil {
		return nil, err
	}

	sess, err := s.backend.UpdateTag(ctx, id, tag)
	if err != nil {
		return nil, err
	}
	s.broadcaster.Broadcast(EventSessionTagged, sess.ID, sess)
	return sess, nil
}

func (s *Server) handleSessionsStop(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "session_id")
	if err != nil {
		return nil, err
	}
	filename, err := stringParam(params, "video_filename")
	if err != nil {
		return nil, err
	}
	videoDir, err := stringParam(params, "video_dir")
	if err != nil {
		return nil, err
	}

	closed, err := s.backend.StopSession(ctx, id, session.StopOptions{VideoFilename: filename, VideoDir: videoDir})
	if closed == nil {
		return nil, err
	}
	s.broadcaster.Broadcast(EventSessionStopped, closed.ID, closed)

	result := map[string]interface{}{"session": closed}
	if err != nil {
		// Archived despite runtime trouble; report it alongside the record.
		result["warning"] = err.Error()
	}
	return result, nil
}

func (s *Server) handleSessionsStopAll(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	videoDir, err := stringParam(params, "video_dir")
	if err != nil {
		return nil, err
	}
	res, err := s.backend.StopAllSessions(ctx, session.StopOptions{VideoDir: videoDir})
	if err != nil {
		return nil, err
	}
	for _, id := range res.Stopped {
		s.broadcaster.Broadcast(EventSessionStopped, id, map[string]interface{}{"session_id": id})
	}

	failed := make(map[string]string, len(res.Failed))
	for id, ferr := range res.Failed {
		failed[id] = ferr.Error()
	}
	return map[string]interface{}{
		"stopped": res.Stopped,
		"failed":  failed,
	}, nil
}

func (s *Server) handleSessionsListClosed(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	closed, err := s.backend.ListClosedSessions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessions": closed,
		"count":    len(closed),
	}, nil
}

func (s *Server) handleSessionsGetClosed(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "session_id")
	if err != nil {
		return nil, err
	}
	return s.backend.GetClosedSession(ctx, id)
}

func (s *Server) handleSessionsPages(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	identifier, err := requiredString(params, "session")
	if err != nil {
		return nil, err
	}
	pages, err := s.backend.ListPages(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"pages": pages}, nil
}

// handleAgentRun runs the agent loop to completion. Over /ws the loop's
// events are streamed to the caller before the response.
func (s *Server) handleAgentRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	identifier, err := requiredString(params, "session")
	if err != nil {
		return nil, err
	}
	task, err := requiredString(params, "task")
	if err != nil {
		return nil, err
	}
	maxIterations, err := intParam(params, "max_iterations")
	if err != nil {
		return nil, err
	}
	if maxIterations < 0 {
		return nil, invalidParams("max_iterations must not be negative")
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("clientId", clientIDFromContext(ctx)).
		Str("session", identifier).
		Msg("Agent run requested")

	opts := sdk.RunOptions{MaxIterations: maxIterations}
	if sink := eventSinkFromContext(ctx); sink != nil {
		opts.OnEvent = s.streamEvents(ctx, identifier, sink)
	}

	result, err := s.backend.RunAgent(ctx, identifier, task, opts)
	if result == nil {
		return nil, err
	}

	response := map[string]interface{}{
		"state":        result.State,
		"iterations":   result.Iterations,
		"usage":        result.Usage,
		"final_text":   result.FinalText(),
		"conversation": result.Conversation,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	return response, nil
}

// streamEvents turns runner events into EventMessage frames for sink.
func (s *Server) streamEvents(ctx context.Context, identifier string, sink eventSink) agent.EventHandler {
	var seq int64
	traceID := tracing.GetTraceID(ctx)
	requestID := tracing.GetRequestID(ctx)

	return func(ev agent.Event) {
		data := ev
		if ev.Err != nil && data.Error == "" {
			data.Error = ev.Err.Error()
		}
		sink(EventMessage{
			Type:      "event",
			Event:     "agent." + string(ev.Kind),
			Stream:    StreamType(ev.Stream()),
			Seq:       atomic.AddInt64(&seq, 1),
			Data:      data,
			Timestamp: time.Now().UnixMilli(),
			RequestID: requestID,
			TraceID:   traceID,
			SessionID: identifier,
		})
	}
}

func (s *Server) handleGatewayClients(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.clients.GetConnectedClients()}, nil
}
