package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ircd/internal/adminapi"
	"ircd/internal/audit"
	"ircd/internal/broadcast"
	"ircd/internal/classtrack"
	"ircd/internal/config"
	"ircd/internal/core"
	"ircd/internal/dispatch"
	"ircd/internal/module"
	"ircd/internal/netsplit"
	"ircd/internal/peerlink"
	"ircd/internal/state"
	"ircd/internal/supervisor"
	"ircd/internal/throttle"
	"ircd/internal/wire"
)

// Daemon wires every internal/ package into a running server: the
// state store, the module/core dispatch chain, the connection
// supervisor's listeners, the peer-link manager, and the netsplit and
// broadcast layers that sit on top of it.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	store     *state.Store
	classes   *classtrack.Tracker
	throttler *throttle.Throttler
	registry  *module.Registry
	core      *core.Handler
	dispatch  *dispatch.Dispatcher
	netsplit  *netsplit.Manager
	peers     *peerlink.Manager
	fanout    *broadcast.Layer

	auditStore *audit.Store
	auditSink  *audit.Sink
	counters   *audit.Counters
	adminAPI   *adminapi.Server

	connMu sync.RWMutex
	conns  map[string]*supervisor.Connection
}

// NewDaemon builds the full dependency graph from cfg without starting
// anything; call Serve to actually listen.
func NewDaemon(cfg *config.Config, auditDBPath string, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("[server] invalid configuration: %w", err)
	}

	auditStore, err := audit.Open(auditDBPath)
	if err != nil {
		return nil, fmt.Errorf("[server] open audit store: %w", err)
	}
	auditSink := audit.NewSink(auditStore, log)

	d := &Daemon{
		cfg:        cfg,
		log:        log,
		store:      state.New(cfg.Identity.Name, 1000, 24*time.Hour),
		classes:    classtrack.New(cfg.ConnectionClasses),
		throttler:  throttle.New(cfg.Throttle),
		registry:   module.NewRegistry(),
		fanout:     broadcast.New(broadcast.Triggers{MaxCount: 20, MaxBytes: 4096, MaxDelay: 200 * time.Millisecond}),
		auditStore: auditStore,
		auditSink:  auditSink,
		counters:   audit.NewCounters(),
		conns:      make(map[string]*supervisor.Connection),
	}

	identity := core.Identity{Name: cfg.Identity.Name, Version: cfg.Identity.Version, Description: cfg.Identity.Description}
	d.core = core.New(identity, d.store, core.Hooks{
		Send:             d.sendTo,
		OnUserRegistered: d.onUserRegistered,
		OnUserQuit:       d.onUserQuit,
		OnPeerRegistered: d.onPeerRegistered,
		OnSquit:          d.onSquit,
		OnPong:           d.onPong,
		AdvancePhase:     d.advancePhase,
	}, d.peerCredentials, log)

	d.dispatch = dispatch.New(d.registry, d.core, log)
	d.netsplit = netsplit.New(cfg.Netsplit.ToManagerConfig(cfg.Identity.Name), d.store, auditSink)

	peerIdentity := peerlink.Identity{Name: cfg.Identity.Name, Version: cfg.Identity.Version, Description: cfg.Identity.Description}
	d.peers = peerlink.New(peerIdentity, log, auditSink)
	for _, pl := range cfg.PeerLinks {
		d.peers.Configure(peerConfigFromLink(pl))
	}

	d.adminAPI = adminapi.New(d.store, auditStore, d.counters, d.peers, d.netsplit, cfg.Identity.Version, log)

	return d, nil
}

func peerConfigFromLink(pl config.PeerLink) peerlink.PeerConfig {
	return peerlink.PeerConfig{
		Name:                  pl.Name,
		Address:               net.JoinHostPort(pl.Host, strconv.Itoa(pl.Port)),
		OutgoingPassword:      pl.OutgoingPassword,
		ExpectedPassword:      pl.ExpectedPassword,
		Reconnect:             pl.Outgoing,
		InitialReconnectDelay: 5 * time.Second,
		MaxReconnectDelay:     5 * time.Minute,
	}
}

func (d *Daemon) peerCredentials(name string) (core.PeerCredentials, bool) {
	for _, pl := range d.cfg.PeerLinks {
		if pl.Name == name {
			return core.PeerCredentials{ExpectedPassword: pl.ExpectedPassword}, true
		}
	}
	return core.PeerCredentials{}, false
}

func (d *Daemon) supervisorConfig() supervisor.Config {
	return supervisor.Config{
		PingFrequency:     90 * time.Second,
		PingTimeout:       240 * time.Second,
		SendQueueMaxBytes: 256 * 1024,
		RecvQueueMaxBytes: 64 * 1024,
		CommandRate:       10,
		CommandBurst:      20,
	}
}

func (d *Daemon) registerConn(c *supervisor.Connection) {
	d.connMu.Lock()
	d.conns[c.ID.String()] = c
	d.connMu.Unlock()
	d.counters.TotalConnections.Add(1)
	d.counters.CurrentClients.Add(1)
}

func (d *Daemon) unregisterConn(id string) {
	d.connMu.Lock()
	delete(d.conns, id)
	d.connMu.Unlock()
}

func (d *Daemon) connByID(id string) *supervisor.Connection {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	return d.conns[id]
}

func (d *Daemon) sendTo(connID string, lines ...string) {
	if c := d.connByID(connID); c != nil {
		c.Write(lines)
	}
}

func (d *Daemon) advancePhase(connID string, phase dispatch.Phase) {
	if c := d.connByID(connID); c != nil {
		c.SetPhase(phase)
	}
}

func (d *Daemon) onPong(ctx module.Context, token string) {
	if c := d.connByID(ctx.ConnectionID); c != nil {
		c.RecordPong()
	}
}

func (d *Daemon) onUserRegistered(ctx module.Context, u *state.User) {
	c := d.connByID(ctx.ConnectionID)
	if c == nil {
		return
	}
	c.UserID = u.Id.String()
	d.fanout.RegisterTarget(u.Id.String(), c)
	d.log.Info("user registered", "nick", u.Nick, "ident", u.Ident())
}

func (d *Daemon) onUserQuit(ctx module.Context, u *state.User, reason string) {
	now := time.Now()
	channels, _ := d.store.GetUserChannels(u.Id)
	quitLine := fmt.Sprintf(":%s QUIT :%s", userPrefix(u), reason)
	for _, ch := range channels {
		d.fanout.FanOutChannel(now, ch, quitLine, u.Id.String(), false)
	}
	d.fanout.FlushTarget(u.Id.String())
	d.fanout.RemoveTarget(u.Id.String())
	if err := d.store.RemoveUser(u.Id); err != nil {
		d.log.Warn("server: remove user on quit", "nick", u.Nick, "err", err)
	}
	d.peers.Propagate("", wire.New("QUIT", reason).WithPrefix(wire.Prefix{Nick: u.Nick, User: u.Username, Host: u.Host}))
}

func (d *Daemon) onPeerRegistered(ctx module.Context, peerName string) {
	d.log.Info("peer registered", "peer", peerName)
}

// onSquit handles an explicit SQUIT line received from a linked peer.
func (d *Daemon) onSquit(ctx module.Context, server, reason string) {
	d.squitServer(server, reason)
}

// userPrefix renders a user's full nick!user@host origin, the form every
// propagated user-originated message must carry.
func userPrefix(u *state.User) string {
	return wire.Prefix{Nick: u.Nick, User: u.Username, Host: u.Host}.String()
}

// connByUserID finds the connection currently bound to a registered user,
// or nil if that user has no local connection (a remote or netsplit user).
func (d *Daemon) connByUserID(userID string) *supervisor.Connection {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	for _, c := range d.conns {
		if c.UserID == userID {
			return c
		}
	}
	return nil
}

// squitServer removes serverName (and its subtree) from the server tree,
// transitions every user it was carrying to NetSplit, fans out the
// resulting QUIT lines, and tears down the peer link if one is still
// configured under that name. It is the single path both an explicit
// SQUIT and a transport-level peer disconnect funnel through.
func (d *Daemon) squitServer(serverName, reason string) {
	now := time.Now()
	before := d.store.ServerCount()
	removed := d.store.RemoveServer(serverName)
	for _, name := range removed {
		d.netsplit.ForgetBurst(name)
	}

	affected := d.netsplit.HandlePeerDisconnect(now, serverName, before)
	for _, su := range affected {
		prefix := su.Nick
		if u, err := d.store.GetUser(su.UserID); err == nil {
			prefix = userPrefix(u)
		}
		quitLine := fmt.Sprintf(":%s QUIT :%s", prefix, su.QuitReason)
		for _, ch := range su.Channels {
			d.fanout.FanOutChannel(now, ch, quitLine, su.UserID.String(), false)
		}
	}

	d.peers.Squit(now, serverName)
	d.log.Info("server: squit", "server", serverName, "reason", reason, "removed", removed, "affected_users", len(affected))
}

// newConn builds a supervised Connection for a freshly accepted socket,
// the callback TCPListener/WebSocketListener call NewConn with.
func (d *Daemon) newConn(resolveHost func(ip string) string) func(sock supervisor.Socket, class, remoteIP string) *supervisor.Connection {
	return func(sock supervisor.Socket, class, remoteIP string) *supervisor.Connection {
		c := supervisor.New(sock, class, remoteIP, d.cfg.Identity.Name, d.supervisorConfig(), d.dispatch, d.classes, supervisor.Hooks{
			OnClose: d.onConnClose,
		}, d.log)
		if resolveHost != nil {
			c.Host = resolveHost(remoteIP)
		} else {
			c.Host = remoteIP
		}
		d.registerConn(c)
		return c
	}
}

func (d *Daemon) onConnClose(c *supervisor.Connection, reason string) {
	d.unregisterConn(c.ID.String())
	d.counters.CurrentClients.Add(-1)
	if c.UserID == "" {
		return
	}
	uid, err := state.ParseUserId(c.UserID)
	if err != nil {
		return
	}
	if u, err := d.store.GetUser(uid); err == nil {
		d.onUserQuit(module.Context{ConnectionID: c.ID.String(), UserID: c.UserID}, u, reason)
	}
}

// dialPeer implements the dial callback peerlink.Manager.Tick invokes
// for every link that is due for reconnect.
func (d *Daemon) dialPeer(ctx context.Context, cfg peerlink.PeerConfig) error {
	var dialer peerlink.Dialer = &peerlink.TCPDialer{}
	sess, err := dialer.Dial(ctx, cfg.Address)
	if err != nil {
		return err
	}
	local := peerlink.Identity{Name: d.cfg.Identity.Name, Version: d.cfg.Identity.Version, Description: d.cfg.Identity.Description}
	if err := peerlink.PerformOutgoing(sess.Control(), local, cfg); err != nil {
		sess.Close()
		return err
	}
	if err := d.peers.Attach(time.Now(), cfg.Name, sess); err != nil {
		sess.Close()
		return err
	}
	if err := d.exchangeBurst(cfg.Name, sess); err != nil {
		d.log.Warn("server: burst exchange failed", "peer", cfg.Name, "err", err)
		d.netsplit.ForgetBurst(cfg.Name)
		d.peers.Squit(time.Now(), cfg.Name)
		sess.Close()
		return err
	}
	d.netsplit.RecordBurst(cfg.Name, time.Now())
	go d.runPeerControlLoop(cfg.Name, sess)
	return nil
}

// exchangeBurst drives the full-mesh state exchange that follows a
// successful handshake: this server's own burst is written to the
// peer's dedicated burst stream while the peer's burst is read and
// applied concurrently, so neither side blocks waiting for the other to
// finish sending before it starts receiving.
func (d *Daemon) exchangeBurst(peerName string, sess peerlink.Session) error {
	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- peerlink.SendBurst(sess.Burst(), d.prepareBurst(peerName))
	}()

	recvErr := d.receiveBurst(peerName, bufio.NewReader(sess.Burst()))
	if sendErr := <-sendErrCh; sendErr != nil {
		return sendErr
	}
	return recvErr
}

// prepareBurst builds the full set of burst entries describing this
// server's current view of the network, for transmission to a peer that
// just linked. Registered burst extensions append their own entries
// last, after the core server/user/channel descriptors.
func (d *Daemon) prepareBurst(targetServer string) []*wire.Message {
	var entries []*wire.Message
	for _, srv := range d.store.AllServers() {
		entries = append(entries, burstServerMessage(srv))
	}
	for _, u := range d.store.AllUsers() {
		if u.State != state.Active {
			continue
		}
		entries = append(entries, burstUserMessage(u))
	}
	for _, ch := range d.store.AllChannels() {
		entries = append(entries, burstChannelMessage(ch))
	}
	for _, ext := range d.registry.BurstExtensions() {
		entries = append(entries, ext.PrepareBurst(targetServer)...)
	}
	return entries
}

// receiveBurst reads peerName's burst entries to completion, applying
// the core server/user/channel descriptors directly and buffering
// anything else by command so registered burst extensions can be handed
// their full batch once the terminator arrives.
func (d *Daemon) receiveBurst(peerName string, r *bufio.Reader) error {
	extEntries := make(map[string][]*wire.Message)
	err := peerlink.ReceiveBurst(r, func(msg *wire.Message) error {
		switch msg.Command {
		case burstServerCommand:
			d.applyServerBurst(peerName, msg)
		case burstUserCommand:
			d.applyUserBurst(peerName, msg)
		case burstChannelCommand:
			d.applyChannelBurst(peerName, msg)
		default:
			extEntries[msg.Command] = append(extEntries[msg.Command], msg)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ext := range d.registry.BurstExtensions() {
		if msgs, ok := extEntries[ext.BurstType()]; ok {
			ext.HandleBurst(peerName, msgs)
		}
	}
	return nil
}

const (
	burstServerCommand  = "SBURST"
	burstUserCommand    = "UBURST"
	burstChannelCommand = "CBURST"
	burstEmptyField     = "-"
)

func burstServerMessage(srv *state.Server) *wire.Message {
	parent := srv.ParentName
	if parent == "" {
		parent = burstEmptyField
	}
	return wire.New(burstServerCommand, srv.Name, srv.Version, strconv.Itoa(srv.HopCount), parent, srv.Description)
}

// applyServerBurst installs a remote server node into the local tree.
// A server whose announced parent isn't (yet) known locally is attached
// directly under this server, since every peer this daemon bursts with
// is by construction a direct child of the local node.
func (d *Daemon) applyServerBurst(originServer string, msg *wire.Message) {
	name := msg.Get(1)
	if name == "" || name == d.cfg.Identity.Name {
		return
	}
	hopCount, _ := strconv.Atoi(msg.Get(3))
	parent := msg.Get(4)
	if parent == "" || !d.store.IsServerReachable(parent) {
		parent = d.cfg.Identity.Name
	}
	srv := &state.Server{
		Name:        name,
		Description: msg.Get(5),
		Version:     msg.Get(2),
		HopCount:    hopCount,
		ConnectedAt: time.Now(),
		ParentName:  parent,
	}
	if err := d.store.AddServer(srv); err != nil && !errors.Is(err, state.ErrServerExists) {
		d.log.Warn("server: install burst server", "origin", originServer, "server", name, "err", err)
	}
}

func burstUserMessage(u *state.User) *wire.Message {
	return wire.New(burstUserCommand,
		u.Nick, u.Username, u.Host, u.HomeServer,
		encodeByteModes(u.Modes), strconv.FormatInt(u.RegisteredAt.Unix(), 10), u.RealName)
}

// applyUserBurst installs or arbitrates a user-burst entry, delegating
// the nick-collision decision to netsplit.ResolveBurstUser.
func (d *Daemon) applyUserBurst(originServer string, msg *wire.Message) {
	nick := msg.Get(1)
	if nick == "" {
		return
	}
	username, host, homeServer := msg.Get(2), msg.Get(3), msg.Get(4)
	modes := decodeByteModes(msg.Get(5))
	registeredAtUnix, _ := strconv.ParseInt(msg.Get(6), 10, 64)
	registeredAt := time.Unix(registeredAtUnix, 0)
	realname := msg.Get(7)
	remoteIdent := username + "@" + host

	local, err := d.store.GetUserByNick(nick)
	localExists := err == nil

	switch d.netsplit.ResolveBurstUser(localExists, local, registeredAt, remoteIdent, homeServer) {
	case netsplit.NoCollision:
		d.installBurstUser(nick, username, host, homeServer, modes, registeredAt, realname)
	case netsplit.Restored:
		if err := d.netsplit.Restore(local.Id); err != nil {
			d.log.Warn("server: restore netsplit user", "nick", nick, "err", err)
		}
	case netsplit.LocalKilled:
		d.auditSink.Emit(audit.EventNickCollision, originServer, nick, map[string]any{"winner": "remote"})
		d.killLocalUser(originServer, local, "Nickname collision")
		d.installBurstUser(nick, username, host, homeServer, modes, registeredAt, realname)
	case netsplit.RemoteKilled:
		d.auditSink.Emit(audit.EventNickCollision, originServer, nick, map[string]any{"winner": "local"})
	case netsplit.BothKilled:
		d.auditSink.Emit(audit.EventNickCollision, originServer, nick, map[string]any{"winner": "none"})
		d.killLocalUser(originServer, local, "Nickname collision")
	}
}

func (d *Daemon) installBurstUser(nick, username, host, homeServer string, modes map[byte]struct{}, registeredAt time.Time, realname string) {
	u := &state.User{
		Id:           state.NewUserId(),
		Nick:         nick,
		Username:     username,
		Host:         host,
		RealName:     realname,
		HomeServer:   homeServer,
		Modes:        modes,
		Channels:     make(map[string]struct{}),
		State:        state.Active,
		RegisteredAt: registeredAt,
		LastActivity: registeredAt,
	}
	if err := d.store.AddUser(u); err != nil {
		d.log.Warn("server: install burst user", "nick", nick, "err", err)
	}
}

// killLocalUser removes a local collision-losing user, fanning out the
// QUIT to its channels and propagating it to every peer but the one the
// conflicting burst entry arrived from.
func (d *Daemon) killLocalUser(originServer string, u *state.User, reason string) {
	now := time.Now()
	channels, _ := d.store.GetUserChannels(u.Id)
	quitLine := fmt.Sprintf(":%s QUIT :%s", userPrefix(u), reason)
	for _, ch := range channels {
		d.fanout.FanOutChannel(now, ch, quitLine, u.Id.String(), false)
	}
	if c := d.connByUserID(u.Id.String()); c != nil {
		c.Write([]string{fmt.Sprintf(":%s ERROR :Closing link: (%s) Killed (%s)", d.cfg.Identity.Name, u.Nick, reason)})
		d.fanout.FlushTarget(u.Id.String())
		d.fanout.RemoveTarget(u.Id.String())
		c.Close(reason)
	}
	if err := d.store.RemoveUser(u.Id); err != nil {
		d.log.Warn("server: remove user on collision kill", "nick", u.Nick, "err", err)
	}
	d.peers.Propagate(originServer, wire.New("QUIT", reason).WithPrefix(wire.Prefix{Nick: u.Nick, User: u.Username, Host: u.Host}))
}

func burstChannelMessage(ch *state.Channel) *wire.Message {
	topicSetBy := ch.Topic.SetBy
	if topicSetBy == "" {
		topicSetBy = burstEmptyField
	}
	key := ch.Key
	if key == "" {
		key = burstEmptyField
	}
	return wire.New(burstChannelCommand,
		ch.Name,
		strconv.FormatInt(ch.CreatedAt.Unix(), 10),
		encodeByteModes(ch.Modes),
		topicSetBy,
		strconv.FormatInt(ch.Topic.SetAt.Unix(), 10),
		key,
		strconv.Itoa(ch.Limit),
		encodeMembersBlob(ch.Members),
		ch.Topic.Text,
	)
}

// applyChannelBurst installs a freshly seen channel outright, or merges
// it against the local record via netsplit.ResolveChannelConflict when
// both sides already know the channel.
func (d *Daemon) applyChannelBurst(originServer string, msg *wire.Message) {
	name := msg.Get(1)
	if name == "" {
		return
	}
	createdAtUnix, _ := strconv.ParseInt(msg.Get(2), 10, 64)
	modes := decodeByteModes(msg.Get(3))
	topicSetBy := msg.Get(4)
	if topicSetBy == burstEmptyField {
		topicSetBy = ""
	}
	topicSetAtUnix, _ := strconv.ParseInt(msg.Get(5), 10, 64)
	key := msg.Get(6)
	if key == burstEmptyField {
		key = ""
	}
	limit, _ := strconv.Atoi(msg.Get(7))
	members := decodeMembersBlob(msg.Get(8))
	topicText := msg.Get(9)

	remote := &state.Channel{
		Name:      name,
		CreatedAt: time.Unix(createdAtUnix, 0),
		Modes:     modes,
		Key:       key,
		Limit:     limit,
		Topic:     state.Topic{Text: topicText, SetBy: topicSetBy, SetAt: time.Unix(topicSetAtUnix, 0)},
		Members:   members,
	}

	local, err := d.store.GetChannel(name)
	if err != nil {
		if addErr := d.store.AddChannel(remote); addErr != nil {
			d.log.Warn("server: install burst channel", "origin", originServer, "channel", name, "err", addErr)
			return
		}
		d.syncChannelMembership(remote)
		return
	}

	merged := netsplit.ResolveChannelConflict(local, remote)
	if err := d.store.ReplaceChannel(merged); err != nil {
		d.log.Warn("server: merge burst channel", "origin", originServer, "channel", name, "err", err)
		return
	}
	d.syncChannelMembership(merged)
}

// syncChannelMembership maintains the per-user reverse channel index for
// members installed directly into the store by a channel burst, which
// (unlike AddUserToChannel-driven joins) arrive with membership already
// populated on the Channel record itself.
func (d *Daemon) syncChannelMembership(ch *state.Channel) {
	for nick, modes := range ch.Members {
		u, err := d.store.GetUserByNick(nick)
		if err != nil {
			continue
		}
		if _, already := u.Channels[state.CaseFold(ch.Name)]; already {
			continue
		}
		if err := d.store.AddUserToChannel(u.Id, ch.Name, modes); err != nil {
			d.log.Warn("server: sync burst channel membership", "channel", ch.Name, "nick", nick, "err", err)
		}
	}
}

func encodeByteModes(modes map[byte]struct{}) string {
	if len(modes) == 0 {
		return burstEmptyField
	}
	var b strings.Builder
	for m := range modes {
		b.WriteByte(m)
	}
	return b.String()
}

func decodeByteModes(s string) map[byte]struct{} {
	out := make(map[byte]struct{})
	if s == "" || s == burstEmptyField {
		return out
	}
	for i := 0; i < len(s); i++ {
		out[s[i]] = struct{}{}
	}
	return out
}

func encodeMemberModes(modes map[state.MemberMode]struct{}) string {
	if len(modes) == 0 {
		return burstEmptyField
	}
	var b strings.Builder
	for m := range modes {
		b.WriteByte(byte(m))
	}
	return b.String()
}

func decodeMemberModes(s string) map[state.MemberMode]struct{} {
	out := make(map[state.MemberMode]struct{})
	if s == "" || s == burstEmptyField {
		return out
	}
	for i := 0; i < len(s); i++ {
		out[state.MemberMode(s[i])] = struct{}{}
	}
	return out
}

// encodeMembersBlob inlines a channel's full membership as a single wire
// parameter (nick:modes,nick2:modes2, "-" for none) so a channel-burst
// conflict carries both sides' complete member list in one message,
// which netsplit.ResolveChannelConflict needs to merge prefix modes.
func encodeMembersBlob(members map[string]map[state.MemberMode]struct{}) string {
	if len(members) == 0 {
		return burstEmptyField
	}
	parts := make([]string, 0, len(members))
	for nick, modes := range members {
		parts = append(parts, nick+":"+encodeMemberModes(modes))
	}
	return strings.Join(parts, ",")
}

func decodeMembersBlob(blob string) map[string]map[state.MemberMode]struct{} {
	out := make(map[string]map[state.MemberMode]struct{})
	if blob == "" || blob == burstEmptyField {
		return out
	}
	for _, part := range strings.Split(blob, ",") {
		nick, modeStr, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		out[nick] = decodeMemberModes(modeStr)
	}
	return out
}

// runPeerControlLoop reads lines off a linked peer's control stream and
// feeds them through the same dispatcher a client connection uses, in
// the PeerRegistered phase, then re-propagates anything the dispatcher
// didn't reject onward to every other linked peer. The burst exchange
// has already completed over the session's separate burst stream by the
// time this loop starts.
func (d *Daemon) runPeerControlLoop(peerName string, sess peerlink.Session) {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := sess.Control().Read(buf)
		if err != nil {
			d.squitServer(peerName, "transport disconnect")
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			idx := indexCRLF(pending)
			if idx < 0 {
				break
			}
			line := string(pending[:idx])
			pending = pending[idx+2:]
			msg, perr := wire.Parse(line)
			if perr != nil {
				continue
			}
			ctx := module.Context{PeerServer: peerName}
			outcome := d.dispatch.Dispatch(ctx, dispatch.PeerRegistered, msg)
			if outcome.Result != module.Rejected {
				d.peers.Propagate(peerName, msg)
			}
		}
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func tlsConfigFor(l config.Listener, base *tls.Config) *tls.Config {
	if !l.TLS {
		return nil
	}
	return base
}

// runHTTP serves handler on addr (TLS if tlsConfig is non-nil) until ctx
// is cancelled, tolerating http.ErrServerClosed as a clean shutdown.
func runHTTP(ctx context.Context, addr string, handler http.Handler, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	var err error
	if tlsConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve starts every configured listener and the background maintenance
// loops (peer reconnect ticking, netsplit sweep), blocking until ctx is
// cancelled.
func (d *Daemon) Serve(ctx context.Context, tlsConfig *tls.Config) error {
	resolver := &supervisor.ReverseResolver{}
	newConn := d.newConn(func(ip string) string { return resolver.Resolve(ctx, ip) })

	if d.cfg.AdminAddr != "" {
		go d.adminAPI.Run(ctx, d.cfg.AdminAddr)
	}

	for _, l := range d.cfg.Listeners {
		l := l
		gate := supervisor.AcceptGate{Classes: d.classes, Throttler: d.throttler, Class: "default"}
		if l.WebSocket {
			ws := &supervisor.WebSocketListener{Gate: gate, NewConn: newConn, Log: d.log}
			mux := http.NewServeMux()
			mux.HandleFunc("/", ws.Handler())
			go func() {
				if err := runHTTP(ctx, l.Address, mux, tlsConfigFor(l, tlsConfig)); err != nil {
					d.log.Error("server: websocket listener stopped", "addr", l.Address, "err", err)
				}
			}()
			continue
		}
		tcp := &supervisor.TCPListener{Addr: l.Address, TLSConfig: tlsConfigFor(l, tlsConfig), Gate: gate, NewConn: newConn, Log: d.log}
		go func() {
			if err := tcp.Serve(ctx); err != nil {
				d.log.Error("server: tcp listener stopped", "addr", l.Address, "err", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.peers.Tick(ctx, time.Now(), d.dialPeer)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.netsplit.Sweep(time.Now())
				d.store.SweepWhowas(time.Now())
			}
		}
	}()

	<-ctx.Done()
	return nil
}

// Close releases resources NewDaemon opened (the audit store).
func (d *Daemon) Close() error {
	return d.auditStore.Close()
}
