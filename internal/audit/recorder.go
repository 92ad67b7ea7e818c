package audit

import (
	"apphost/internal/logging"
	"apphost/internal/session"
)

// Record logs every ToolResult from events until the channel closes.
func Record(events <-chan session.Event, l *Logger) {
	for e := range events {
		res, ok := e.(session.ToolResult)
		if !ok {
			continue
		}

		h := session.EventHeader(e)
		entry := &Entry{
			ID:        h.ID.String(),
			Timestamp: h.Time,
			AppID:     h.AppID,
			Tool:      res.Tool.Name,
			Args:      res.Arguments,
			Result:    res.ResultText,
			Success:   res.Raw == nil || !res.Raw.IsError,
		}
		if err := l.Log(entry); err != nil {
			logging.Warn("audit entry not written", "app", h.AppID, "tool", entry.Tool, "error", err)
		}
	}
}
