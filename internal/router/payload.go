package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
)

var errNotObject = errors.New("payload is not a JSON object")

// object is a loosely decoded JSON object; values stay raw until a handler
// asks for them with the type it expects.
type object map[string]json.RawMessage

func parseObject(raw json.RawMessage) (object, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return object{}, nil
	}
	if raw[0] != '{' {
		return nil, errNotObject
	}
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return o, nil
}

// inherit copies keys of parent that o lacks, skipping the listed keys.
func (o object) inherit(parent object, skip ...string) {
	for k, v := range parent {
		if _, ok := o[k]; ok || slices.Contains(skip, k) {
			continue
		}
		o[k] = v
	}
}

func (o object) has(key string) bool {
	v, ok := o[key]
	return ok && !isNull(v)
}

// str returns the first key holding a JSON string.
func (o object) str(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := o[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

// text is like str but renders non-string values as compact JSON.
func (o object) text(keys ...string) string {
	for _, k := range keys {
		v, ok := o[k]
		if !ok || isNull(v) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err == nil {
			return buf.String()
		}
	}
	return ""
}

func (o object) int(keys ...string) int {
	for _, k := range keys {
		v, ok := o[k]
		if !ok {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			if i, err := strconv.Atoi(n.String()); err == nil {
				return i
			}
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if i, err := strconv.Atoi(s); err == nil {
				return i
			}
		}
	}
	return 0
}

func (o object) child(key string) (object, bool) {
	v, ok := o[key]
	if !ok {
		return nil, false
	}
	c, err := parseObject(v)
	if err != nil || len(c) == 0 {
		return nil, false
	}
	return c, true
}

func (o object) raw(key string) json.RawMessage {
	v, ok := o[key]
	if !ok || isNull(v) {
		return nil
	}
	return v
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
