package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a file size that travels as a decimal string so large values survive JSON number handling.
type ByteSize int64

// MarshalJSON encodes the size as a quoted decimal string.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(b), 10))
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*b = 0
		return nil
	}

	raw := string(trimmed)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid byte size %q", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Int64 returns the raw byte count.
func (b ByteSize) Int64() int64 {
	return int64(b)
}
