// Package core implements the dispatch.CoreHandler for the
// core-reserved command set: connection and peer registration,
// keepalive, and teardown. Everything else is left to modules.
package core

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ircd/internal/dispatch"
	"ircd/internal/module"
	"ircd/internal/numeric"
	"ircd/internal/state"
	"ircd/internal/wire"
)

// Identity is the local server's own descriptor, sent in welcome
// numerics and the SERVER line of an accepted peer handshake.
type Identity struct {
	Name        string
	Version     string
	Description string
}

// Hooks are the callbacks the connection supervisor wires in so Handler
// can act on the wider system without importing it directly.
type Hooks struct {
	// Send queues lines for delivery to the connection identified by
	// connectionID.
	Send func(connectionID string, lines ...string)
	// OnUserRegistered fires once NICK+USER have both landed and the
	// user record has been created in the store.
	OnUserRegistered func(ctx module.Context, u *state.User)
	// OnUserQuit fires when a registered user sends QUIT.
	OnUserQuit func(ctx module.Context, u *state.User, reason string)
	// OnPeerRegistered fires once an incoming SERVER handshake
	// succeeds, so the supervisor can hand the connection off to the
	// peer-link burst exchange.
	OnPeerRegistered func(ctx module.Context, peerName string)
	// OnSquit fires when a linked peer sends SQUIT for itself or a
	// server further down its side of the tree, naming the server
	// being split and the reason given.
	OnSquit func(ctx module.Context, server, reason string)
	// OnPong fires on every PONG, so the supervisor can record it
	// against that connection's ConnectionTiming.
	OnPong func(ctx module.Context, token string)
	// AdvancePhase tells the supervisor the connection has completed
	// registration and should move to the given phase.
	AdvancePhase func(connectionID string, phase dispatch.Phase)
}

// PeerCredentials is the expected PASS/name pair for an incoming peer
// link, looked up once a SERVER line names the peer.
type PeerCredentials struct {
	ExpectedPassword string
}

type pending struct {
	password string
	nick     string
	username string
	realname string
	hasNick  bool
	hasUser  bool
}

// Handler implements dispatch.CoreHandler.
type Handler struct {
	mu      sync.Mutex
	pending map[string]*pending // connection id -> in-progress registration

	identity Identity
	store    *state.Store
	hooks    Hooks
	log      *slog.Logger

	// peerLookup resolves a configured peer name to its expected
	// incoming password; nil entries are rejected.
	peerLookup func(name string) (PeerCredentials, bool)
}

// New returns a Handler for the given local identity and store.
func New(identity Identity, store *state.Store, hooks Hooks, peerLookup func(string) (PeerCredentials, bool), log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		pending:    make(map[string]*pending),
		identity:   identity,
		store:      store,
		hooks:      hooks,
		peerLookup: peerLookup,
		log:        log,
	}
}

func (h *Handler) pendingFor(connID string) *pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[connID]
	if !ok {
		p = &pending{}
		h.pending[connID] = p
	}
	return p
}

func (h *Handler) clearPending(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, connID)
}

// HandleCore dispatches one core-reserved command.
func (h *Handler) HandleCore(ctx module.Context, phase dispatch.Phase, msg *wire.Message) module.Outcome {
	switch msg.Command {
	case "PASS":
		return h.handlePass(ctx, msg)
	case "NICK":
		return h.handleNick(ctx, phase, msg)
	case "USER":
		return h.handleUser(ctx, phase, msg)
	case "SERVER":
		return h.handleServer(ctx, msg)
	case "SQUIT":
		return h.handleSquit(ctx, msg)
	case "QUIT":
		return h.handleQuit(ctx, msg)
	case "PING":
		return h.handlePing(ctx, msg)
	case "PONG":
		return h.handlePong(ctx, msg)
	case "CAP":
		return h.handleCap(ctx, msg)
	case "ERROR":
		return module.NewHandled()
	default:
		return module.NewNotHandled()
	}
}

func (h *Handler) handlePass(ctx module.Context, msg *wire.Message) module.Outcome {
	p := h.pendingFor(ctx.ConnectionID)
	p.password = msg.Get(1)
	return module.NewHandled()
}

func (h *Handler) handleNick(ctx module.Context, phase dispatch.Phase, msg *wire.Message) module.Outcome {
	nick := msg.Get(1)
	if nick == "" {
		return module.NewReject(numeric.ErrNoNicknameGiven)
	}
	if !validNick(nick) {
		return module.NewReject(numeric.ErrErroneousNick)
	}

	if phase != dispatch.PreRegistration {
		return h.renameUser(ctx, nick)
	}

	if _, err := h.store.GetUserByNick(nick); err == nil {
		return module.NewReject(numeric.ErrNicknameInUse)
	}

	p := h.pendingFor(ctx.ConnectionID)
	p.nick = nick
	p.hasNick = true
	h.maybeCompleteRegistration(ctx, p)
	return module.NewHandled()
}

func (h *Handler) handleUser(ctx module.Context, phase dispatch.Phase, msg *wire.Message) module.Outcome {
	if phase != dispatch.PreRegistration {
		return module.NewReject(numeric.ErrAlreadyRegistered)
	}
	if len(msg.Params) < 4 {
		return module.NewReject(numeric.ErrNeedMoreParams)
	}
	p := h.pendingFor(ctx.ConnectionID)
	p.username = msg.Get(1)
	p.realname = msg.Get(4)
	p.hasUser = true
	h.maybeCompleteRegistration(ctx, p)
	return module.NewHandled()
}

func (h *Handler) maybeCompleteRegistration(ctx module.Context, p *pending) {
	if !p.hasNick || !p.hasUser {
		return
	}

	now := time.Now()
	u := &state.User{
		Id:           state.NewUserId(),
		Nick:         p.nick,
		Username:     p.username,
		Host:         "unresolved", // placeholder; the supervisor's resolved Connection.Host is never copied onto the user record
		RealName:     p.realname,
		HomeServer:   h.identity.Name,
		Modes:        make(map[byte]struct{}),
		Channels:     make(map[string]struct{}),
		State:        state.Active,
		RegisteredAt: now,
		LastActivity: now,
	}
	if err := h.store.AddUser(u); err != nil {
		h.hooks.Send(ctx.ConnectionID, fmt.Sprintf(":%s %s * %s :Nickname is already in use", h.identity.Name, numeric.ErrNicknameInUse, p.nick))
		return
	}
	h.clearPending(ctx.ConnectionID)

	regCtx := ctx
	regCtx.UserID = u.Id.String()

	h.hooks.Send(ctx.ConnectionID,
		fmt.Sprintf(":%s %s %s :Welcome to the network, %s!%s@%s", h.identity.Name, numeric.Welcome, u.Nick, u.Nick, u.Username, u.Host),
		fmt.Sprintf(":%s %s %s :Your host is %s, running version %s", h.identity.Name, numeric.YourHost, u.Nick, h.identity.Name, h.identity.Version),
		fmt.Sprintf(":%s %s %s :This server was created at startup", h.identity.Name, numeric.Created, u.Nick),
		fmt.Sprintf(":%s %s %s %s %s", h.identity.Name, numeric.MyInfo, u.Nick, h.identity.Name, h.identity.Version),
	)

	if h.hooks.AdvancePhase != nil {
		h.hooks.AdvancePhase(ctx.ConnectionID, dispatch.Registered)
	}
	if h.hooks.OnUserRegistered != nil {
		h.hooks.OnUserRegistered(regCtx, u)
	}
}

func (h *Handler) renameUser(ctx module.Context, newNick string) module.Outcome {
	id, err := parseUserID(ctx.UserID)
	if err != nil {
		return module.NewReject(numeric.ErrNotRegistered)
	}
	current, err := h.store.GetUser(id)
	if err != nil {
		return module.NewReject(numeric.ErrNotRegistered)
	}
	if state.CaseFold(newNick) == state.CaseFold(current.Nick) {
		return module.NewHandled()
	}
	oldPrefix := fmt.Sprintf("%s!%s@%s", current.Nick, current.Username, current.Host)
	err = h.store.UpdateUser(id, func(u *state.User) {
		u.Nick = newNick
		u.LastActivity = time.Now()
	})
	if err != nil {
		return module.NewReject(numeric.ErrNicknameInUse)
	}
	h.hooks.Send(ctx.ConnectionID, fmt.Sprintf(":%s NICK :%s", oldPrefix, newNick))
	return module.NewHandled()
}

func (h *Handler) handleServer(ctx module.Context, msg *wire.Message) module.Outcome {
	name := msg.Get(1)
	if name == "" {
		return module.NewReject(numeric.ErrNeedMoreParams)
	}
	p := h.pendingFor(ctx.ConnectionID)
	creds, ok := h.peerLookup(name)
	if !ok {
		return module.NewReject(numeric.ErrNoPrivileges)
	}
	if p.password != creds.ExpectedPassword {
		return module.NewReject(numeric.ErrPasswdMismatch)
	}
	h.clearPending(ctx.ConnectionID)

	h.hooks.Send(ctx.ConnectionID,
		strings.TrimSuffix(wire.New("PASS", creds.ExpectedPassword).Serialize(), "\r\n"),
		strings.TrimSuffix(wire.New("SERVER", h.identity.Name, h.identity.Version, h.identity.Description).Serialize(), "\r\n"),
	)
	if h.hooks.AdvancePhase != nil {
		h.hooks.AdvancePhase(ctx.ConnectionID, dispatch.PeerRegistered)
	}
	if h.hooks.OnPeerRegistered != nil {
		h.hooks.OnPeerRegistered(ctx, name)
	}
	return module.NewHandled()
}

// handleSquit handles an explicit SQUIT sent by a linked peer, naming
// the server (itself or a server further down its side of the tree)
// that is being split from the network.
func (h *Handler) handleSquit(ctx module.Context, msg *wire.Message) module.Outcome {
	server := msg.Get(1)
	if server == "" {
		return module.NewReject(numeric.ErrNeedMoreParams)
	}
	reason := msg.Get(2)
	if reason == "" {
		reason = "SQUIT"
	}
	if h.hooks.OnSquit != nil {
		h.hooks.OnSquit(ctx, server, reason)
	}
	return module.NewHandled()
}

func (h *Handler) handleQuit(ctx module.Context, msg *wire.Message) module.Outcome {
	id, err := parseUserID(ctx.UserID)
	if err != nil {
		return module.NewHandled()
	}
	u, err := h.store.GetUser(id)
	if err != nil {
		return module.NewHandled()
	}
	reason := msg.Get(1)
	if reason == "" {
		reason = "Client quit"
	}
	if h.hooks.OnUserQuit != nil {
		h.hooks.OnUserQuit(ctx, u, reason)
	}
	return module.NewHandled()
}

func (h *Handler) handlePing(ctx module.Context, msg *wire.Message) module.Outcome {
	h.hooks.Send(ctx.ConnectionID, fmt.Sprintf(":%s PONG %s :%s", h.identity.Name, h.identity.Name, msg.Get(1)))
	return module.NewHandled()
}

func (h *Handler) handlePong(ctx module.Context, msg *wire.Message) module.Outcome {
	if h.hooks.OnPong != nil {
		h.hooks.OnPong(ctx, msg.Get(1))
	}
	return module.NewHandled()
}

func (h *Handler) handleCap(ctx module.Context, msg *wire.Message) module.Outcome {
	sub := strings.ToUpper(msg.Get(1))
	switch sub {
	case "LS":
		h.hooks.Send(ctx.ConnectionID, "CAP * LS :")
	case "END":
		// no capability negotiation is offered yet; nothing to finalize.
	}
	return module.NewHandled()
}

func validNick(nick string) bool {
	if len(nick) == 0 || len(nick) > 30 {
		return false
	}
	for i, r := range nick {
		if i == 0 && (r >= '0' && r <= '9') {
			return false
		}
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		isSpecial := strings.ContainsRune("-[]\\`^{}_|", r)
		if !isLetter && !isDigit && !isSpecial {
			return false
		}
	}
	return true
}

func parseUserID(s string) (state.UserId, error) {
	return state.ParseUserId(s)
}
