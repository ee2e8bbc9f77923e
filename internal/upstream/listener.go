package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Notification is one decoded wake signal. It carries only the routing
// key; the engine re-reads the row through the normal fetch path.
type Notification struct {
	Channel  string
	Symbol   string
	TS       time.Time
	IsClosed bool
}

// notifyPayload accepts both the candle and the metrics shape; exactly
// one of bucket_ts / create_time is set.
type notifyPayload struct {
	Symbol     string          `json:"symbol"`
	BucketTS   json.RawMessage `json:"bucket_ts"`
	CreateTime json.RawMessage `json:"create_time"`
	IsClosed   bool            `json:"is_closed"`
}

// parseNotification decodes one NOTIFY payload. Timestamps arrive as
// epoch seconds or as an ISO-8601 string depending on the trigger
// version; both are accepted.
func parseNotification(channel, payload string) (Notification, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Notification{}, fmt.Errorf("malformed notification on %s: %w", channel, err)
	}
	if p.Symbol == "" {
		return Notification{}, fmt.Errorf("notification on %s missing symbol", channel)
	}
	raw := p.BucketTS
	if raw == nil {
		raw = p.CreateTime
	}
	if raw == nil {
		return Notification{}, fmt.Errorf("notification on %s missing timestamp", channel)
	}
	ts, err := parseWireTime(raw)
	if err != nil {
		return Notification{}, fmt.Errorf("notification on %s: %w", channel, err)
	}
	return Notification{Channel: channel, Symbol: p.Symbol, TS: ts, IsClosed: p.IsClosed}, nil
}

func parseWireTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05-07", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %s: %w", raw, err)
	}
	return time.Unix(0, int64(secs*1e9)).UTC(), nil
}

// Listener subscribes to the upstream NOTIFY channels over a dedicated
// connection. pq reconnects with backoff on its own; Connected reports
// the state so the engine can poll while the link is down. The flag is
// atomic: pq flips it from its own goroutine.
type Listener struct {
	pl        *pq.Listener
	connected atomic.Bool
}

// NewListener opens the dedicated listen connection and subscribes to
// every channel.
func NewListener(dsn string, channels ...string) (*Listener, error) {
	l := &Listener{}
	l.connected.Store(true)
	l.pl = pq.NewListener(dsn, 2*time.Second, time.Minute, l.handleEvent)
	for _, ch := range channels {
		if err := l.pl.Listen(ch); err != nil {
			l.pl.Close()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return l, nil
}

// Notify exposes the raw notification stream; a nil entry signals a
// reconnect, after which a poll pass covers the gap.
func (l *Listener) Notify() <-chan *pq.Notification { return l.pl.Notify }

// handleEvent runs on pq's connection goroutine.
func (l *Listener) handleEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.connected.Store(true)
		log.Info().Msg("notification channel up")
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		l.connected.Store(false)
		log.Warn().Err(err).Msg("notification channel down, polling until reconnect")
	}
}

// Connected reports whether the listen connection is currently up.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Ping keeps the connection's liveness check honest during quiet
// periods.
func (l *Listener) Ping() error { return l.pl.Ping() }

// Close tears the listen connection down.
func (l *Listener) Close() error { return l.pl.Close() }

// Decode turns a raw pq notification into the engine's form; malformed
// payloads are logged and skipped by returning ok=false.
func Decode(n *pq.Notification) (Notification, bool) {
	if n == nil {
		return Notification{}, false
	}
	dec, err := parseNotification(n.Channel, n.Extra)
	if err != nil {
		log.Warn().Err(err).Str("channel", n.Channel).Msg("dropping notification")
		return Notification{}, false
	}
	return dec, true
}
