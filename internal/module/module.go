// Package module defines the pluggable handler and burst-extension
// contracts, and the registries the dispatcher and peer-link engine
// consult at runtime. Modules are registered once at startup in a fixed
// order; nothing here discovers handlers dynamically.
package module

import (
	"errors"
	"fmt"
	"sync"

	"ircd/internal/wire"
)

// Result is the outcome of a single handler's attempt to process a
// message.
type Result int

const (
	// NotHandled means the handler didn't recognize the message; the
	// dispatcher continues to the next handler.
	NotHandled Result = iota
	// Handled means the handler processed the message; the dispatcher
	// still offers it to subsequent handlers.
	Handled
	// HandledStop means the handler processed the message and no further
	// handler (nor the core default handler) should see it.
	HandledStop
	// Rejected means the handler refused the message outright; Reason is
	// surfaced to the connection.
	Rejected
)

// Outcome is what a Handle call returns: a Result plus, for Rejected, the
// reason to report.
type Outcome struct {
	Result Result
	Reason string
}

// NewHandled, NewNotHandled, NewStop, and NewReject are convenience
// constructors a Module implementation uses to build its Outcome.
func NewHandled() Outcome         { return Outcome{Result: Handled} }
func NewNotHandled() Outcome      { return Outcome{Result: NotHandled} }
func NewStop() Outcome            { return Outcome{Result: HandledStop} }
func NewReject(reason string) Outcome { return Outcome{Result: Rejected, Reason: reason} }

// Context is the per-call context a handler receives: the connection
// originating the message (empty for synthetic/internal calls) and the
// bound user id if registered.
type Context struct {
	ConnectionID string
	UserID       string
	PeerServer   string // non-empty when the message originated from a peer link
}

// Module is the lifecycle and message-handling contract every pluggable
// handler implements.
type Module interface {
	Name() string
	Version() string
	Init() error
	Cleanup() error

	HandleMessage(ctx Context, msg *wire.Message) Outcome
	HandleServerMessage(ctx Context, msg *wire.Message) Outcome

	HandleUserRegistration(ctx Context)
	HandleUserDisconnection(ctx Context)

	Capabilities() []string
	OwnedNumericCodes() []string
	HandleNumeric(ctx Context, code string, msg *wire.Message) Outcome

	HandleStatsQuery(ctx Context, letter byte) []string
	OwnedStatsLetters() []byte
}

// BurstExtension lets a module contribute additional entries to the
// server-link burst and consume the matching inbound entries.
type BurstExtension interface {
	BurstType() string
	PrepareBurst(targetServer string) []*wire.Message
	HandleBurst(originServer string, msgs []*wire.Message)
}

// coreModeLetters are reserved and can never be claimed by a module's
// custom mode registration.
var coreModeLetters = map[byte]struct{}{
	'a': {}, 'i': {}, 'r': {}, 'o': {}, 'O': {}, 's': {},
}

// ModeDescriptor describes a module-registered custom user-mode letter.
type ModeDescriptor struct {
	Letter          byte
	Description     string
	RequiresOper    bool
	SelfOnly        bool
	OperOnly        bool
	OwningModule    string
}

// ErrCoreModeReserved is returned when a module attempts to register a
// letter in coreModeLetters.
var ErrCoreModeReserved = errors.New("mode letter reserved for core use")

// ErrModeAlreadyRegistered is returned when two modules attempt to claim
// the same letter.
var ErrModeAlreadyRegistered = errors.New("mode letter already registered")

// Registry holds the ordered handler chain, the numeric-code ownership
// table, the burst extensions, and the custom mode-letter table. It is
// the single process-scoped value modules are registered into at
// startup; all its maps are guarded by one mutex since registration only
// happens during startup and lookups are cheap.
type Registry struct {
	mu sync.RWMutex

	handlers        []Module
	numericOwners   map[string]Module
	burstExtensions []BurstExtension
	modes           map[byte]ModeDescriptor
	statsOwners     map[byte]Module
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		numericOwners: make(map[string]Module),
		modes:         make(map[byte]ModeDescriptor),
		statsOwners:   make(map[byte]Module),
	}
}

// Register appends m to the handler chain in call order and wires its
// declared numeric/stats ownership. It calls m.Init().
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := m.Init(); err != nil {
		return fmt.Errorf("module %q init: %w", m.Name(), err)
	}
	r.handlers = append(r.handlers, m)
	for _, code := range m.OwnedNumericCodes() {
		r.numericOwners[code] = m
	}
	for _, letter := range m.OwnedStatsLetters() {
		r.statsOwners[letter] = m
	}
	return nil
}

// RegisterBurstExtension adds a burst extension, called by the peer-link
// engine during burst send/receive.
func (r *Registry) RegisterBurstExtension(ext BurstExtension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.burstExtensions = append(r.burstExtensions, ext)
}

// RegisterMode claims letter for a module's custom user mode. It rejects
// core-reserved letters and letters already claimed by another module.
func (r *Registry) RegisterMode(desc ModeDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, reserved := coreModeLetters[desc.Letter]; reserved {
		return ErrCoreModeReserved
	}
	if _, taken := r.modes[desc.Letter]; taken {
		return ErrModeAlreadyRegistered
	}
	r.modes[desc.Letter] = desc
	return nil
}

// LookupMode returns the descriptor for a custom mode letter, if any.
func (r *Registry) LookupMode(letter byte) (ModeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.modes[letter]
	return d, ok
}

// Handlers returns the registered handler chain in registration order.
func (r *Registry) Handlers() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// NumericOwner returns the module that registered ownership of code, if
// any.
func (r *Registry) NumericOwner(code string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.numericOwners[code]
	return m, ok
}

// BurstExtensions returns the registered burst extensions in registration
// order.
func (r *Registry) BurstExtensions() []BurstExtension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BurstExtension, len(r.burstExtensions))
	copy(out, r.burstExtensions)
	return out
}

// Cleanup calls Cleanup on every registered module, collecting (not
// stopping on) errors.
func (r *Registry) Cleanup() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, m := range r.handlers {
		if err := m.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("module %q cleanup: %w", m.Name(), err))
		}
	}
	return errs
}
