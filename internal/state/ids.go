package state

import "github.com/google/uuid"

// UserId is an opaque 128-bit identity assigned to every registered user.
type UserId uuid.UUID

// ConnectionId is an opaque 128-bit identity assigned to every accepted
// transport connection, independent of whatever user or peer it later
// binds to.
type ConnectionId uuid.UUID

// NewUserId generates a fresh, random UserId.
func NewUserId() UserId { return UserId(uuid.New()) }

// NewConnectionId generates a fresh, random ConnectionId.
func NewConnectionId() ConnectionId { return ConnectionId(uuid.New()) }

func (u UserId) String() string       { return uuid.UUID(u).String() }
func (c ConnectionId) String() string { return uuid.UUID(c).String() }

// ParseUserId parses the string form produced by UserId.String.
func ParseUserId(s string) (UserId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UserId{}, err
	}
	return UserId(id), nil
}

// ParseConnectionId parses the string form produced by ConnectionId.String.
func ParseConnectionId(s string) (ConnectionId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ConnectionId{}, err
	}
	return ConnectionId(id), nil
}
