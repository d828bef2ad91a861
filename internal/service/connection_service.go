package service

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
)

// ── Connection checks ──────────────────────────────────────

// ConnectionStatus is the outcome of probing one configured connection.
type ConnectionStatus struct {
	Kind    string        `json:"kind"` // "portal" or "database"
	Name    string        `json:"name"`
	Target  string        `json:"target"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckConnections probes every configured portal and database, portals
// first, each group in name order. A portal check resolves its credentials
// and generates a token; anonymous portals are not contacted. A database
// check opens the connection and pings it.
func (s *SyncService) CheckConnections(ctx context.Context) []ConnectionStatus {
	cfg := s.Config()
	out := make([]ConnectionStatus, 0, len(cfg.Portals)+len(cfg.Databases))

	for _, name := range slices.Sorted(maps.Keys(cfg.Portals)) {
		st := ConnectionStatus{Kind: "portal", Name: name, Target: cfg.Portals[name].URL}
		start := time.Now()
		c, err := s.res.Portal(ctx, name)
		if err == nil {
			_, err = c.Token(ctx)
		}
		out = append(out, s.finishCheck(st, start, err))
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.Databases)) {
		d := cfg.Databases[name]
		st := ConnectionStatus{Kind: "database", Name: name, Target: string(d.Driver) + "://" + d.Host}
		start := time.Now()
		c, err := s.res.Database(ctx, name)
		if err == nil {
			_ = c.Close()
		}
		out = append(out, s.finishCheck(st, start, err))
	}
	return out
}

func (s *SyncService) finishCheck(st ConnectionStatus, start time.Time, err error) ConnectionStatus {
	st.Latency = time.Since(start)
	st.OK = err == nil
	if err != nil {
		st.Error = err.Error()
		s.logger.Warn("connection check failed",
			zap.String("kind", st.Kind), zap.String("name", st.Name), zap.Error(err))
	}
	return st
}
