package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ircd/internal/classtrack"
	"ircd/internal/throttle"
)

func validConfig() *Config {
	hash, _ := HashOperatorPassword("hunter2")
	return &Config{
		Identity: Identity{Name: "hub.local", Description: "test hub", Version: "1.0"},
		Listeners: []Listener{
			{Address: ":6667", Kind: ListenerClients},
		},
		ConnectionClasses: map[string]classtrack.Limits{
			"default": {MaxClients: 100, MaxPerIP: 3, MaxPerHost: 3},
		},
		PeerLinks: []PeerLink{
			{Name: "leaf1.local", Host: "10.0.0.2", Port: 7000, Outgoing: true, OutgoingPassword: "secret"},
		},
		Operators: []Operator{
			{Name: "root", PasswordHash: hash, Hostmask: "*@*", Flags: []OperatorFlag{OperGlobal}},
		},
		Throttle: throttle.Config{
			Enabled: true, PerIPCap: 3, Window: time.Minute,
			InitialDelay: 5 * time.Second, MaxStages: 4, StageFactor: 2, CleanupInterval: time.Hour,
		},
		Netsplit: NetsplitConfig{
			AutoReconnect:           true,
			ReconnectBaseDelay:      5 * time.Second,
			ReconnectMaxDelay:       time.Minute,
			GracePeriod:             60 * time.Second,
			BurstOptimizationWindow: 5 * time.Minute,
		},
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected a well-formed config to validate, got %v", err)
	}
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	c := validConfig()
	c.Identity.Name = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing identity name to fail validation")
	}
}

func TestValidateRejectsNoListeners(t *testing.T) {
	c := validConfig()
	c.Listeners = nil
	if err := c.Validate(); err == nil {
		t.Fatal("expected a config with no listeners to fail validation")
	}
}

func TestValidateRejectsOutgoingPeerWithoutHost(t *testing.T) {
	c := validConfig()
	c.PeerLinks = []PeerLink{{Name: "leaf2.local", Outgoing: true}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an outgoing peer link without a host to fail validation")
	}
}

func TestOperatorPasswordRoundTrip(t *testing.T) {
	hash, err := HashOperatorPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	op := Operator{Name: "root", PasswordHash: hash}
	if !op.CheckOperatorPassword("s3cret") {
		t.Fatal("expected the correct password to verify")
	}
	if op.CheckOperatorPassword("wrong") {
		t.Fatal("expected an incorrect password to fail verification")
	}
}

func TestOperatorHasFlag(t *testing.T) {
	op := Operator{Flags: []OperatorFlag{OperGlobal, OperKill}}
	if !op.HasFlag(OperKill) {
		t.Fatal("expected HasFlag to find an assigned flag")
	}
	if op.HasFlag(OperRehash) {
		t.Fatal("expected HasFlag to reject an unassigned flag")
	}
}

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ircd.conf")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "name=hub.local")

	reloaded := make(chan *Config, 1)
	load := func(p string) (*Config, error) {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		c := validConfig()
		c.Identity.Description = string(data)
		return c, nil
	}

	w, err := New(path, validConfig(), load, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	w.OnReload(func(c *Config) { reloaded <- c })

	go w.Watch()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("name=hub.local updated"), 0o600); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Identity.Description != "name=hub.local updated" {
			t.Fatalf("unexpected reloaded description: %q", c.Identity.Description)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherKeepsPreviousOnLoadError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "name=hub.local")

	initial := validConfig()
	load := func(p string) (*Config, error) {
		return nil, os.ErrInvalid
	}

	w, err := New(path, initial, load, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	go w.Watch()
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("broken"), 0o600); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if w.Current() != initial {
		t.Fatal("expected Current() to still be the initial config after a failed reload")
	}
}
