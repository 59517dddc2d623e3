package state

import "time"

// MemberMode is a per-membership prefix mode, e.g. op/halfop/voice.
type MemberMode byte

const (
	ModeOp     MemberMode = '@'
	ModeHalfOp MemberMode = '%'
	ModeVoice  MemberMode = '+'
)

// memberModePrecedence orders prefixes from highest to lowest so the
// display prefix for a member holding more than one can be chosen
// deterministically.
var memberModePrecedence = []MemberMode{ModeOp, ModeHalfOp, ModeVoice}

// HighestPrefix returns the highest-precedence mode in modes, or 0 if
// modes is empty.
func HighestPrefix(modes map[MemberMode]struct{}) MemberMode {
	for _, m := range memberModePrecedence {
		if _, ok := modes[m]; ok {
			return m
		}
	}
	return 0
}

// Topic is a channel's topic text with its setter metadata.
type Topic struct {
	Text  string
	SetBy string
	SetAt time.Time
}

// Channel is the authoritative record of a named group, owned by the
// Store.
type Channel struct {
	Name      string // includes the leading sigil, case preserved as set
	CreatedAt time.Time
	Topic     Topic
	Modes     map[byte]struct{}
	Key       string // empty means no key
	Limit     int    // 0 means unlimited
	BanMasks  []string
	ExceptMasks []string
	InviteMasks []string

	// Members maps case-folded nick to that member's prefix modes. The
	// canonical-case nick lives on the User record; this index only needs
	// the case-folded key to resolve into it.
	Members map[string]map[MemberMode]struct{}
}

// CloneForConflictResolution returns a deep copy of c for netsplit-side
// channel merge logic, which needs to build a reconciled Channel without
// mutating either side's original record.
func (c *Channel) CloneForConflictResolution() *Channel {
	return c.clone()
}

func (c *Channel) clone() *Channel {
	cp := *c
	cp.Modes = make(map[byte]struct{}, len(c.Modes))
	for k, v := range c.Modes {
		cp.Modes[k] = v
	}
	cp.Members = make(map[string]map[MemberMode]struct{}, len(c.Members))
	for nick, modes := range c.Members {
		mcopy := make(map[MemberMode]struct{}, len(modes))
		for m := range modes {
			mcopy[m] = struct{}{}
		}
		cp.Members[nick] = mcopy
	}
	cp.BanMasks = append([]string(nil), c.BanMasks...)
	cp.ExceptMasks = append([]string(nil), c.ExceptMasks...)
	cp.InviteMasks = append([]string(nil), c.InviteMasks...)
	return &cp
}
