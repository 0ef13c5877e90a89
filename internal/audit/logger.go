package audit

import (
	"context"
	"log/slog"
	"time"
)

// Poster delivers the best-effort visual record to the designated log
// channel. Implemented by the Discord connector.
type Poster interface {
	PostLogEvent(ctx context.Context, guildID, channelName string, ev Event) error
}

// Logger writes each lifecycle event to the durable sinks and, best-effort,
// to the guild's log channel.
type Logger struct {
	log        *slog.Logger
	store      Store
	poster     Poster
	logChannel string
	now        func() time.Time
	// async controls whether the visual post runs in its own goroutine.
	// Tests set it false to observe the post synchronously.
	async bool
}

// NewLogger creates an audit logger. store and poster may be nil; the slog
// line is always emitted.
func NewLogger(log *slog.Logger, store Store, poster Poster, logChannel string) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		log:        log,
		store:      store,
		poster:     poster,
		logChannel: logChannel,
		now:        time.Now,
		async:      true,
	}
}

// Log records one lifecycle event. The structured log line and the store
// append are the durable record; a store failure is reported loudly but
// does not fail the calling lifecycle operation. The log-channel post is
// best-effort: it runs asynchronously and its errors are swallowed.
func (l *Logger) Log(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	if ev.ID == "" {
		ev.ID = generateID()
	}

	attrs := []any{
		"event", string(ev.Type),
		"user", ev.ActorName,
		"user_id", ev.ActorID,
		"channel", ev.ChannelName,
		"channel_id", ev.ChannelID,
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	l.log.Info("ticket event", attrs...)

	if l.store != nil {
		if err := l.store.Append(ev); err != nil {
			l.log.Error("audit event store append failed", "event", string(ev.Type), "error", err)
		}
	}

	if l.poster == nil {
		return
	}
	post := func() {
		if err := l.poster.PostLogEvent(ctx, ev.GuildID, l.logChannel, ev); err != nil {
			l.log.Debug("log channel post failed", "event", string(ev.Type), "error", err)
		}
	}
	if l.async {
		go post()
	} else {
		post()
	}
}
