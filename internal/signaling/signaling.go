// Package signaling carries call-negotiation messages between two peers over a
// broadcast relay. The relay delivers every frame to every member of a room,
// the sender included, so the Router filters a peer's own messages by the
// connection id the relay assigned to it.
package signaling

import (
	"fmt"
	"net/url"
)

// ConnectionIDHeader carries the relay-assigned connection id in the
// WebSocket handshake response.
const ConnectionIDHeader = "X-Connection-Id"

// DefaultRoom is used when no room is given.
const DefaultRoom = "default"

// RoomURL returns base with the room query parameter set.
func RoomURL(base, room string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", base)
	}
	if room == "" {
		room = DefaultRoom
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
