package db

import (
	"encoding/json"

	"github.com/google/uuid"
)

// A cursor is [entityID, attrID, value, createdAt]. Only the entity id is ever shifted.

func incrementCursor(c []any) []any {
	return shiftCursor(c, 1)
}

func decrementCursor(c []any) []any {
	return shiftCursor(c, -1)
}

// shiftCursor moves the entity id of c by delta in uuid space, wrapping at the ends.
// Cursors whose id is not a uuid come back unchanged.
func shiftCursor(c []any, delta int) []any {
	if len(c) == 0 {
		return c
	}
	out := append([]any(nil), c...)
	s, ok := c[0].(string)
	if !ok {
		return out
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return out
	}
	if delta > 0 {
		for i := len(id) - 1; i >= 0; i-- {
			id[i]++
			if id[i] != 0 {
				break
			}
		}
	} else {
		for i := len(id) - 1; i >= 0; i-- {
			id[i]--
			if id[i] != 0xff {
				break
			}
		}
	}
	out[0] = id.String()
	return out
}

func cursorID(c []any) string {
	raw, err := json.Marshal(c)
	if err != nil || c == nil {
		return "null"
	}
	return string(raw)
}

func cursorEntity(c []any) string {
	if len(c) == 0 {
		return ""
	}
	s, _ := c[0].(string)
	return s
}
