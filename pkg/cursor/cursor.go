// Package cursor encodes pagination positions as opaque tokens.
// A token carries a (timestamp, id) pair rather than an offset so pages
// remain stable while newer events are written concurrently.
package cursor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Position marks a resumable place in a timestamp-descending result set:
// the next page contains events strictly before (Timestamp, ID).
type Position struct {
	Timestamp time.Time
	ID        string
}

// Encode renders the position as a URL-safe opaque token.
func Encode(p Position) string {
	raw := strconv.FormatInt(p.Timestamp.UTC().UnixNano(), 10) + "|" + p.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode.
func Decode(token string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, fmt.Errorf("decode cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Position{}, fmt.Errorf("decode cursor: malformed token")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("decode cursor: %w", err)
	}
	return Position{Timestamp: time.Unix(0, nanos).UTC(), ID: id}, nil
}
