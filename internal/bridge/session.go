package bridge

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/large-farva/sentinel-bridge/internal/ws"
)

// Session is one client's open channel.
type Session struct {
	ws.Peer

	limiter   *rate.Limiter
	commands  atomic.Int64
	malformed atomic.Int64
	rejected  atomic.Int64
}

// SessionInfo is a point-in-time view of a Session for status endpoints.
type SessionInfo struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	OpenedAt  time.Time `json:"opened_at"`
	Commands  int64     `json:"commands"`
	Malformed int64     `json:"malformed"`
	Rejected  int64     `json:"rejected"`
}

func newSession(p ws.Peer, t Tuning) *Session {
	return &Session{
		Peer:    p,
		limiter: rate.NewLimiter(rate.Limit(t.CommandsPerSecond), t.Burst),
	}
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:        s.ID,
		Remote:    s.Remote,
		OpenedAt:  s.OpenedAt,
		Commands:  s.commands.Load(),
		Malformed: s.malformed.Load(),
		Rejected:  s.rejected.Load(),
	}
}

func (s *Session) retune(t Tuning) {
	s.limiter.SetLimit(rate.Limit(t.CommandsPerSecond))
	s.limiter.SetBurst(t.Burst)
}
