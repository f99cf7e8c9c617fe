package rebalancer

import (
	"context"
	"fmt"

	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/sirupsen/logrus"
)

// newSessionLogger clones the global logger and adds a hook feeding the
// session event queue. Info is the floor so the event queue always carries
// the worker's progress lines.
func (s *BotSession) newSessionLogger(sessionID, ticker string) *logrus.Entry {
	base := logrus.StandardLogger()

	logger := logrus.New()
	logger.SetOutput(base.Out)
	logger.SetFormatter(base.Formatter)
	logger.SetReportCaller(base.ReportCaller)
	level := base.GetLevel()
	if level < logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.AddHook(&sessionEventHook{session: s})

	return logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"ticker":     ticker,
	})
}

type sessionEventHook struct {
	session *BotSession
}

func (h *sessionEventHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *sessionEventHook) Fire(entry *logrus.Entry) error {
	event := entity.SessionEvent{
		Kind:    entity.SessionEventLog,
		Level:   entry.Level.String(),
		Message: entry.Message,
		Time:    entry.Time.UTC(),
		Fields:  make(map[string]string, len(entry.Data)),
	}

	for key, value := range entry.Data {
		switch key {
		case "session_id":
			event.SessionID = fmt.Sprint(value)
		case "ticker":
			event.Ticker = fmt.Sprint(value)
		case EventKindField:
			event.Kind = entity.SessionEventKind(fmt.Sprint(value))
		default:
			event.Fields[key] = fmt.Sprint(value)
		}
	}

	h.session.push(event)

	if h.session.publisher != nil {
		if err := h.session.publisher.PublishSessionEvent(context.Background(), event); err != nil {
			// the hook must not recurse into the session logger
			logrus.WithError(err).Warn("failed to publish session event")
		}
	}

	return nil
}
