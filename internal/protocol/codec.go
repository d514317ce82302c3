package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// object is a decoded envelope: a JSON object with its fields left raw so
// each can be type-checked on its own.
type object map[string]json.RawMessage

// decodeObject accepts only a JSON object; arrays, null and scalars fail.
func decodeObject(b []byte) (object, bool) {
	if !isObject(b) {
		return nil, false
	}
	var o object
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, false
	}
	return o, true
}

func firstByte(raw []byte) byte {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func isObject(raw []byte) bool { return firstByte(raw) == '{' }

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (o object) has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o object) str(key string) (string, bool) {
	raw, ok := o[key]
	if !ok || firstByte(raw) != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// id reads a non-negative integral number. Integral floats such as 11.0 are
// accepted as long as they are exactly representable.
func (o object) id(key string) (ID, bool) {
	raw, ok := o[key]
	if !ok {
		return 0, false
	}
	raw = bytes.TrimSpace(raw)
	if c := firstByte(raw); c != '-' && (c < '0' || c > '9') {
		return 0, false
	}
	if v, err := strconv.ParseUint(string(raw), 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return 0, false
	}
	return ID(f), true
}
