package audit

import "testing"

func TestCountersTopCommands(t *testing.T) {
	c := NewCounters()
	for i := 0; i < 5; i++ {
		c.IncrCommand("PRIVMSG")
	}
	for i := 0; i < 3; i++ {
		c.IncrCommand("JOIN")
	}
	c.IncrCommand("PART")

	top := c.TopCommands(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	if top[0].Command != "PRIVMSG" || top[0].Count != 5 {
		t.Errorf("expected PRIVMSG=5 first, got %+v", top[0])
	}
	if top[1].Command != "JOIN" || top[1].Count != 3 {
		t.Errorf("expected JOIN=3 second, got %+v", top[1])
	}
}

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()
	c.TotalConnections.Add(10)
	c.CurrentClients.Add(4)
	c.BytesIn.Add(2048)

	snap := c.Snapshot()
	if snap.TotalConnections != 10 || snap.CurrentClients != 4 || snap.BytesIn != 2048 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
