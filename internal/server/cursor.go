package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Activity cursors are opaque to clients: a versioned encoding of the
// last-seen (created_at, id) pair. The version tag lets a future ordering-key
// change reject stale cursors instead of misreading them.
const cursorVersion = "v1"

// errInvalidCursor is a client error; the expected recovery is restarting the
// walk from `since`.
var errInvalidCursor = errors.New("invalid cursor")

type cursor struct {
	CreatedAt string
	ID        int64
}

func encodeCursor(c cursor) string {
	raw := fmt.Sprintf("%s|%s|%d", cursorVersion, c.CreatedAt, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (cursor, error) {
	if token == "" {
		return cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, errInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[0] != cursorVersion || parts[1] == "" {
		return cursor{}, errInvalidCursor
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return cursor{}, errInvalidCursor
	}
	return cursor{CreatedAt: parts[1], ID: id}, nil
}

// Item listings reuse the same opaque format with a string id component.
func encodeItemCursor(createdAt, id string) string {
	raw := fmt.Sprintf("%s|%s|%s", cursorVersion, createdAt, id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeItemCursor(token string) (createdAt, id string, err error) {
	if token == "" {
		return "", "", nil
	}
	raw, derr := base64.RawURLEncoding.DecodeString(token)
	if derr != nil {
		return "", "", errInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[0] != cursorVersion || parts[1] == "" || parts[2] == "" {
		return "", "", errInvalidCursor
	}
	return parts[1], parts[2], nil
}
