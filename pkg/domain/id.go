package domain

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidID = errors.New("invalid id")

// ID identifies users and messages. It is a positive integer that travels
// as a decimal string on the wire; numeric JSON input is also accepted.
type ID int64

// ParseID parses a positive decimal id.
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return ID(n), nil
}

func (id ID) Valid() bool { return id > 0 }

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidID, raw)
		}
		raw = s
	}
	parsed, err := ParseID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
