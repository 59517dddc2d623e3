package audit

import (
	"encoding/json"
	"log/slog"
)

// EventKind identifies a category of audit event.
type EventKind string

const (
	EventAuthSuccess     EventKind = "auth_success"
	EventAuthFailure     EventKind = "auth_failure"
	EventOperatorAction  EventKind = "operator_action"
	EventPrivilegeGrant  EventKind = "privilege_grant"
	EventPrivilegeRevoke EventKind = "privilege_revoke"
	EventConnThrottle    EventKind = "connection_throttle"
	EventConnBan         EventKind = "connection_ban"
	EventServerConnect   EventKind = "server_connect"
	EventServerDisconnect EventKind = "server_disconnect"
	EventServerSquit     EventKind = "server_squit"
	EventConfigReload    EventKind = "config_reload"
	EventNetsplit        EventKind = "netsplit"
	EventNickCollision   EventKind = "nick_collision"
)

// Severity mirrors the levels a slog handler understands.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
)

// severityFor chooses a severity per event kind: failures, bans, netsplits
// and nick collisions warn; operator, privilege, server lifecycle and
// config-reload actions info; everything else (auth success included)
// debug.
func severityFor(kind EventKind) Severity {
	switch kind {
	case EventAuthFailure, EventConnThrottle, EventConnBan, EventNetsplit, EventNickCollision:
		return SeverityWarn
	case EventOperatorAction, EventPrivilegeGrant, EventPrivilegeRevoke,
		EventServerConnect, EventServerDisconnect, EventServerSquit, EventConfigReload:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// Sink records audit events, persisting them and emitting a structured log
// line. It is safe for concurrent use (the underlying Store serializes
// through database/sql's connection pool).
type Sink struct {
	store *Store
	log   *slog.Logger
}

// NewSink constructs a Sink. store may be nil, in which case events are
// only logged, never persisted (used by tests that don't care about
// durability).
func NewSink(store *Store, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{store: store, log: log}
}

// Emit records one audit event with the given actor/target and arbitrary
// structured details.
func (s *Sink) Emit(kind EventKind, actor, target string, details map[string]any) {
	sev := severityFor(kind)

	attrs := []any{"kind", string(kind), "actor", actor, "target", target}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	switch sev {
	case SeverityWarn:
		s.log.Warn("audit event", attrs...)
	case SeverityInfo:
		s.log.Info("audit event", attrs...)
	default:
		s.log.Debug("audit event", attrs...)
	}

	if s.store == nil {
		return
	}
	detailsJSON := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	if err := s.store.Insert(string(kind), string(sev), actor, target, detailsJSON); err != nil {
		s.log.Warn("audit: persist failed", "err", err)
	}
}
