// This package parses and produces community join URLs of the form
//
//	scheme://host[:port][/r]/<room>?public_key=<64-hex-chars>
//
// The optional /r/ path prefix is accepted on parse but never produced; the
// canonical server string is lower-cased while the room token keeps its case.
package community

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	PublicKeyHexLen = 64
	RoomMaxLen      = 64
)

type Community struct {
	// Canonical server base URL: lower-cased scheme://host[:port], default
	// ports stripped, no trailing slash, no /r.
	BaseURL string
	// Room token, case preserved.
	Room string
	// Server public key, 64 lower-cased hex characters.
	PublicKey string
}

// Parses a community URL. Returns nil if the scheme, room, or public key is
// missing or malformed; a partially valid URL never yields a partial result.
func Parse(raw string) *Community {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil
	}
	if u.Hostname() == "" {
		return nil
	}

	room := strings.Trim(u.EscapedPath(), "/")
	if prefix, rest, ok := strings.Cut(room, "/"); ok {
		// accept but strip the /r/ prefix
		if prefix != "r" {
			return nil
		}
		room = rest
	}
	if !validRoom(room) {
		return nil
	}

	pubkey := strings.ToLower(u.Query().Get("public_key"))
	if !validPublicKey(pubkey) {
		return nil
	}

	return &Community{
		BaseURL:   canonicalServer(scheme, u.Hostname(), u.Port()),
		Room:      room,
		PublicKey: pubkey,
	}
}

// Produces the canonical join URL for a community.
func URL(server, room, pubkeyHex string) (string, error) {
	c := Parse(fmt.Sprintf("%s/%s?public_key=%s", strings.TrimRight(server, "/"), room, pubkeyHex))
	if c == nil {
		return "", fmt.Errorf("community: invalid server %q room %q", server, room)
	}
	return fmt.Sprintf("%s/%s?public_key=%s", c.BaseURL, c.Room, c.PublicKey), nil
}

func canonicalServer(scheme, host, port string) string {
	host = strings.ToLower(host)
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, port)
}

func validRoom(room string) bool {
	if len(room) == 0 || len(room) > RoomMaxLen {
		return false
	}
	for _, r := range room {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func validPublicKey(k string) bool {
	if len(k) != PublicKeyHexLen {
		return false
	}
	for _, r := range k {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
