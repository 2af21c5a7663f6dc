package udrpc

import "go.uber.org/zap"

// logSessionEvent reports a session lifecycle transition at Info level (or
// Warn for a failed connect), mirroring the level the rest of this
// codebase's ancestry uses for connection-lifecycle events.
func (e *Endpoint) logSessionEvent(ev SMEvent) {
	switch ev.Kind {
	case SMEventConnected:
		e.log.Info("session connected", zap.Uint16("session_num", ev.SessionNum))
	case SMEventConnectFailed:
		e.log.Warn("session connect failed",
			zap.Uint16("session_num", ev.SessionNum), zap.Stringer("reason", ev.Reason))
	case SMEventDisconnected:
		e.log.Info("session disconnected", zap.Uint16("session_num", ev.SessionNum))
	}
}
