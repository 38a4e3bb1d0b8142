package harness

import (
	"context"

	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/internal/recording"
	"github.com/burpheart/replay-tap/internal/session"
	"github.com/burpheart/replay-tap/pkg/types"
)

// handleControl answers one control frame. Connections without a session
// carry only session management; session-scoped connections additionally
// operate on their own session (an omitted sessionId means "this one").
func (s *Server) handleControl(c *conn, ce *protocol.ControlEnvelope) protocol.ControlResponse {
	cmd := &ce.Payload

	switch cmd.Command {
	case protocol.ControlCreateSession:
		return s.controlCreateSession(ce)
	case protocol.ControlListSessions:
		return protocol.ControlOK(ce.RequestID, map[string]interface{}{
			"sessions": s.sessions.List(),
		})
	case protocol.ControlCloseSession:
		id := cmd.SessionID
		if id == "" && c.sess != nil {
			id = c.sess.ID
		}
		if err := s.sessions.Close(id); err != nil {
			return protocol.ControlErr(ce.RequestID, err)
		}
		return protocol.ControlOK(ce.RequestID, map[string]interface{}{
			"sessionId": id, "closed": true,
		})
	}

	sess := c.sess
	if sess == nil {
		return protocol.ControlErr(ce.RequestID, protocol.Errorf(protocol.CodeUnexpectedCommand,
			"%s requires a session connection", cmd.Command))
	}

	switch cmd.Command {
	case protocol.ControlGetStatus:
		return protocol.ControlOK(ce.RequestID, session.Info{
			ID:            sess.ID,
			Mode:          sess.Mode.String(),
			RecordingPath: sess.RecordingPath,
			CreatedAt:     sess.CreatedAt,
			MessageCount:  sess.MessageCount(),
			PendingCount:  sess.Pending.Len(),
		})

	case protocol.ControlGetMessages:
		msgs := filterMessages(sessionMessages(sess), cmd.Filter)
		return protocol.ControlOK(ce.RequestID, map[string]interface{}{"messages": msgs})

	case protocol.ControlGetMessageCount:
		msgs := filterMessages(sessionMessages(sess), cmd.Filter)
		return protocol.ControlOK(ce.RequestID, map[string]int{"count": len(msgs)})

	case protocol.ControlRegisterIntercept:
		if cmd.Intercept == nil {
			return protocol.ControlErr(ce.RequestID, protocol.Errorf(protocol.CodeInvalidRequest,
				"register_intercept requires an intercept spec"))
		}
		id := sess.Intercepts.Register(*cmd.Intercept)
		return protocol.ControlOK(ce.RequestID, map[string]string{"interceptId": id})

	case protocol.ControlRemoveIntercept:
		removed := sess.Intercepts.Remove(cmd.InterceptID)
		return protocol.ControlOK(ce.RequestID, map[string]bool{"removed": removed})

	case protocol.ControlClearIntercepts:
		cleared := sess.Intercepts.Clear(cmd.Service)
		return protocol.ControlOK(ce.RequestID, map[string]int{"cleared": cleared})

	case protocol.ControlListIntercepts:
		return protocol.ControlOK(ce.RequestID, map[string]interface{}{
			"intercepts": sess.Intercepts.List(),
		})

	case protocol.ControlGetInterceptStats:
		stats, ok := sess.Intercepts.Stats(cmd.InterceptID)
		if !ok {
			return protocol.ControlErr(ce.RequestID, protocol.Errorf(protocol.CodeInvalidRequest,
				"intercept %s not found", cmd.InterceptID))
		}
		return protocol.ControlOK(ce.RequestID, stats)
	}

	return protocol.ControlErr(ce.RequestID, protocol.Errorf(protocol.CodeUnexpectedCommand,
		"unknown control command %q", cmd.Command))
}

func (s *Server) controlCreateSession(ce *protocol.ControlEnvelope) protocol.ControlResponse {
	cmd := &ce.Payload
	if cmd.SessionID == "" {
		return protocol.ControlErr(ce.RequestID, protocol.Errorf(protocol.CodeInvalidRequest,
			"create_session requires a sessionId"))
	}

	mode := s.cfg.Mode
	if cmd.Mode != "" {
		parsed, err := types.ParseMode(cmd.Mode)
		if err != nil {
			return protocol.ControlErr(ce.RequestID, protocol.Errorf(protocol.CodeInvalidRequest, "%v", err))
		}
		mode = parsed
	}

	path := cmd.RecordingPath
	if path == "" {
		path = s.cfg.RecordingPath
	}

	sess, err := s.sessions.Create(context.Background(), cmd.SessionID, mode, path)
	if err != nil {
		return protocol.ControlErr(ce.RequestID, err)
	}
	return protocol.ControlOK(ce.RequestID, map[string]string{
		"sessionId": sess.ID,
		"mode":      sess.Mode.String(),
	})
}

// sessionMessages snapshots the session's recorded log; playback sessions
// without a recorder have no captured messages to report.
func sessionMessages(sess *session.Session) []recording.RecordedMessage {
	if sess.Recorder == nil {
		return nil
	}
	return sess.Recorder.Messages()
}

func filterMessages(msgs []recording.RecordedMessage, f *protocol.MessageFilter) []recording.RecordedMessage {
	if f == nil {
		return msgs
	}
	out := make([]recording.RecordedMessage, 0, len(msgs))
	for _, m := range msgs {
		if f.Channel != "" && string(m.Envelope.Channel) != f.Channel {
			continue
		}
		if f.Direction != "" && string(m.Direction) != f.Direction {
			continue
		}
		if f.Service != "" && serviceOf(&m) != f.Service {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func serviceOf(m *recording.RecordedMessage) string {
	switch {
	case m.Envelope.Payload.Request != nil:
		return m.Envelope.Payload.Request.Service
	case m.Envelope.Payload.Response != nil:
		return m.Envelope.Payload.Response.Service
	}
	return ""
}
