// Package adminapi exposes an HTTP introspection surface over the
// daemon's live state: connection and channel counts, the server tree,
// ban list, and recent audit events. It never mutates IRC network state
// (users, channels, servers); its one write is DELETE /api/bans/:id,
// which removes a row from the audit ban table. It generalizes the
// teacher's voice-chat APIServer into an ops/monitoring endpoint.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ircd/internal/audit"
	"ircd/internal/netsplit"
	"ircd/internal/peerlink"
	"ircd/internal/state"
)

// Server serves the admin/introspection HTTP API on its own listener,
// separate from the client and peer ports.
type Server struct {
	store    *state.Store
	audit    *audit.Store
	counters *audit.Counters
	peers    *peerlink.Manager
	split    *netsplit.Manager
	version  string

	echo *echo.Echo
	log  *slog.Logger
}

// New constructs a Server and registers all routes.
func New(store *state.Store, auditStore *audit.Store, counters *audit.Counters, peers *peerlink.Manager, split *netsplit.Manager, version string, log *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("adminapi", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{store: store, audit: auditStore, counters: counters, peers: peers, split: split, version: version, echo: e, log: log}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/servers", s.handleServers)
	s.echo.GET("/api/channels", s.handleChannels)
	s.echo.GET("/api/whois/:nick", s.handleWhois)
	s.echo.GET("/api/bans", s.handleBans)
	s.echo.DELETE("/api/bans/:id", s.handleDeleteBan)
	s.echo.GET("/api/audit", s.handleAuditLog)
	s.echo.GET("/api/peers", s.handlePeers)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Error("adminapi server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Warn("adminapi shutdown", "err", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Servers int    `json:"servers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	snap := s.counters.Snapshot()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Clients: int(snap.CurrentClients),
		Servers: int(snap.CurrentServers),
	})
}

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: s.version})
}

// MetricsResponse is the payload for GET /api/metrics.
type MetricsResponse struct {
	CurrentClients   int64 `json:"current_clients"`
	CurrentServers   int64 `json:"current_servers"`
	CurrentChannels  int64 `json:"current_channels"`
	TotalConnections int64 `json:"total_connections"`
	BytesIn          int64 `json:"bytes_in"`
	BytesOut         int64 `json:"bytes_out"`
	MessagesIn       int64 `json:"messages_in"`
	MessagesOut      int64 `json:"messages_out"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	snap := s.counters.Snapshot()
	return c.JSON(http.StatusOK, MetricsResponse{
		CurrentClients:   snap.CurrentClients,
		CurrentServers:   snap.CurrentServers,
		CurrentChannels:  snap.CurrentChannels,
		TotalConnections: snap.TotalConnections,
		BytesIn:          snap.BytesIn,
		BytesOut:         snap.BytesOut,
		MessagesIn:       snap.MessagesIn,
		MessagesOut:      snap.MessagesOut,
	})
}

// ServerInfo is an element in the GET /api/servers array.
type ServerInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	HopCount    int      `json:"hop_count"`
	Super       bool     `json:"super"`
	ParentName  string   `json:"parent_name"`
	Children    []string `json:"children"`
}

func (s *Server) handleServers(c echo.Context) error {
	servers := s.store.AllServers()
	resp := make([]ServerInfo, 0, len(servers))
	for _, srv := range servers {
		children := make([]string, 0, len(srv.Children))
		for name := range srv.Children {
			children = append(children, name)
		}
		resp = append(resp, ServerInfo{
			Name:        srv.Name,
			Description: srv.Description,
			Version:     srv.Version,
			HopCount:    srv.HopCount,
			Super:       srv.Super,
			ParentName:  srv.ParentName,
			Children:    children,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// ChannelInfo is an element in the GET /api/channels array.
type ChannelInfo struct {
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	Members   int    `json:"members"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleChannels(c echo.Context) error {
	channels := s.store.AllChannels()
	resp := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		resp = append(resp, ChannelInfo{
			Name:      ch.Name,
			Topic:     ch.Topic.Text,
			Members:   len(ch.Members),
			CreatedAt: ch.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// WhoisResponse is the payload for GET /api/whois/:nick.
type WhoisResponse struct {
	Nick         string   `json:"nick"`
	Username     string   `json:"username"`
	Host         string   `json:"host"`
	RealName     string   `json:"real_name"`
	HomeServer   string   `json:"home_server"`
	Channels     []string `json:"channels"`
	Operator     string   `json:"operator,omitempty"`
	Away         string   `json:"away,omitempty"`
	Bot          bool     `json:"bot"`
	State        string   `json:"state"`
	RegisteredAt string   `json:"registered_at"`
}

func (s *Server) handleWhois(c echo.Context) error {
	nick := c.Param("nick")
	u, err := s.store.GetUserByNick(nick)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such nick")
	}
	channels := make([]string, 0, len(u.Channels))
	for name := range u.Channels {
		channels = append(channels, name)
	}
	return c.JSON(http.StatusOK, WhoisResponse{
		Nick:         u.Nick,
		Username:     u.Username,
		Host:         u.Host,
		RealName:     u.RealName,
		HomeServer:   u.HomeServer,
		Channels:     channels,
		Operator:     u.Operator,
		Away:         u.Away,
		Bot:          u.Bot,
		State:        u.State.String(),
		RegisteredAt: u.RegisteredAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleBans(c echo.Context) error {
	bans, err := s.audit.Bans()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if bans == nil {
		bans = []audit.Ban{}
	}
	return c.JSON(http.StatusOK, bans)
}

func (s *Server) handleDeleteBan(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid ban id")
	}
	if err := s.audit.DeleteBan(id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAuditLog(c echo.Context) error {
	kind := c.QueryParam("kind")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.audit.Recent(kind, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// PeerInfo is an element in the GET /api/peers array.
type PeerInfo struct {
	Name string `json:"name"`
}

func (s *Server) handlePeers(c echo.Context) error {
	names := s.peers.LinkedPeers()
	resp := make([]PeerInfo, 0, len(names))
	for _, name := range names {
		resp = append(resp, PeerInfo{Name: name})
	}
	return c.JSON(http.StatusOK, resp)
}

// jsonErrorHandler ensures all error responses have a consistent JSON
// body, replacing Echo's default handler which varies between text and
// JSON depending on the Accept header.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
