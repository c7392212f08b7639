package hls

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// AttrFunc receives one NAME=VALUE pair from a tag payload. Quoted
// values arrive unquoted.
type AttrFunc func(name, value string)

// ParseAttrList tokenizes one tag's attribute payload, invoking fn once
// per NAME=VALUE pair. A value is either a bare token terminated by a
// comma or end of payload, or a quoted string terminated by the next
// quote. Malformed input (missing '=', unterminated quote) stops
// processing of the remaining payload and returns an error; callers log
// it and carry on with the document scan.
func ParseAttrList(payload string, fn AttrFunc) error {
	i := 0
	n := len(payload)
	for i < n {
		// skip separators and whitespace between pairs
		for i < n && (payload[i] == ',' || payload[i] == ' ' || payload[i] == '\t') {
			i++
		}
		if i >= n {
			return nil
		}

		nameStart := i
		for i < n && payload[i] != '=' && payload[i] != ',' {
			i++
		}
		if i >= n || payload[i] != '=' {
			return fmt.Errorf("attribute %q has no value", strings.TrimSpace(payload[nameStart:i]))
		}
		name := strings.TrimSpace(payload[nameStart:i])
		i++ // consume '='

		var value string
		if i < n && payload[i] == '"' {
			i++
			valueStart := i
			for i < n && payload[i] != '"' {
				i++
			}
			if i >= n {
				return fmt.Errorf("unterminated quote in attribute %q", name)
			}
			value = payload[valueStart:i]
			i++ // consume closing quote
		} else {
			valueStart := i
			for i < n && payload[i] != ',' {
				i++
			}
			value = strings.TrimSpace(payload[valueStart:i])
		}

		fn(name, value)
	}
	return nil
}

// parseResolution parses a WxH attribute value. Returns zero values on
// malformed input.
func parseResolution(value string) (width, height int) {
	x := strings.IndexAny(value, "xX")
	if x <= 0 || x >= len(value)-1 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(value[:x])
	h, err2 := strconv.Atoi(value[x+1:])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return w, h
}

// parseHexValue parses a 0x/0X prefixed hex attribute such as a key IV
func parseHexValue(value string) ([]byte, error) {
	v := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if len(v)%2 != 0 {
		v = "0" + v
	}
	return hex.DecodeString(v)
}

// parseByteRange parses an EXT-X-BYTERANGE payload "length[@offset]".
// When the offset is omitted the range starts where the previous one
// ended, which prevOffset supplies.
func parseByteRange(value string, prevOffset int64) (length, offset int64, err error) {
	at := strings.IndexByte(value, '@')
	if at >= 0 {
		length, err = strconv.ParseInt(value[:at], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		offset, err = strconv.ParseInt(value[at+1:], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		return length, offset, nil
	}
	length, err = strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return length, prevOffset, nil
}
