// Package dispatch routes parsed messages to the registered module
// handler chain, applying the registration-phase gating and
// core-reserved-command handling that sit in front of every module.
package dispatch

import (
	"log/slog"

	"ircd/internal/module"
	"ircd/internal/numeric"
	"ircd/internal/wire"
)

// Phase is the registration phase of the connection a message arrived on.
type Phase int

const (
	PreRegistration Phase = iota
	Registered
	PeerRegistered
)

var registrationCommands = map[string]struct{}{
	"NICK": {}, "USER": {}, "PASS": {}, "SERVER": {},
}

var coreReservedCommands = map[string]struct{}{
	"PASS": {}, "NICK": {}, "USER": {}, "SERVER": {}, "SQUIT": {}, "QUIT": {},
	"PING": {}, "PONG": {}, "ERROR": {}, "CAP": {},
}

// CoreHandler processes the core-reserved commands that modules never
// see: connection and peer registration, keepalive, and teardown.
type CoreHandler interface {
	HandleCore(ctx module.Context, phase Phase, msg *wire.Message) module.Outcome
}

// Dispatcher routes messages to the module chain, falling back to a
// CoreHandler for the reserved command set and to ErrUnknownCommand when
// nothing claims a message.
type Dispatcher struct {
	registry *module.Registry
	core     CoreHandler
	log      *slog.Logger
}

// New returns a Dispatcher wired to registry and core.
func New(registry *module.Registry, core CoreHandler, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, core: core, log: log}
}

// Dispatch routes one parsed message for a connection currently in phase.
func (d *Dispatcher) Dispatch(ctx module.Context, phase Phase, msg *wire.Message) module.Outcome {
	if _, reserved := coreReservedCommands[msg.Command]; reserved {
		if _, isRegCmd := registrationCommands[msg.Command]; isRegCmd {
			if phase != PreRegistration {
				return module.NewReject(numeric.ErrAlreadyRegistered)
			}
		}
		return d.core.HandleCore(ctx, phase, msg)
	}

	if phase == PreRegistration {
		return module.NewReject(numeric.ErrNotRegistered)
	}

	for _, m := range d.registry.Handlers() {
		outcome := d.invokeSafely(m, ctx, msg)
		if outcome.Result == module.NotHandled {
			continue
		}
		return outcome
	}

	return module.NewReject(numeric.ErrUnknownCommand)
}

// invokeSafely calls a module's HandleMessage, treating a panic as
// NotHandled so one broken module can't poison the pipeline for the rest.
func (d *Dispatcher) invokeSafely(m module.Module, ctx module.Context, msg *wire.Message) (outcome module.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("dispatch: handler panic, treating as not-handled",
				"module", m.Name(), "command", msg.Command, "panic", r)
			outcome = module.NewNotHandled()
		}
	}()
	return m.HandleMessage(ctx, msg)
}

// DispatchNumeric forwards an inbound numeric reply (e.g. relayed across
// a peer link) to the module that registered ownership of code, if any.
func (d *Dispatcher) DispatchNumeric(ctx module.Context, code string, msg *wire.Message) module.Outcome {
	owner, ok := d.registry.NumericOwner(code)
	if !ok {
		return module.NewNotHandled()
	}
	return owner.HandleNumeric(ctx, code, msg)
}
