package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const separator = "|"
const timeFormat = time.RFC3339Nano // Use nano for precision

// Cursor identifies a position in the article stream by creation time and row ID.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// Encode serializes the cursor into an opaque URL-safe token.
func (c Cursor) Encode() string {
	key := c.CreatedAt.UTC().Format(timeFormat) + separator + strconv.FormatInt(c.ID, 10)
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// Decode parses an opaque cursor token produced by Encode.
func Decode(token string) (Cursor, error) {
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), separator, 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("invalid cursor format")
	}

	ts, err := time.Parse(timeFormat, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid id in cursor: %w", err)
	}

	return Cursor{CreatedAt: ts.UTC(), ID: id}, nil
}
