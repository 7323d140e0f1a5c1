package room

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEvent is returned by DecodeEvent when a required field is missing or invalid.
var ErrMalformedEvent = errors.New("malformed room update event")

type wireEvent struct {
	ChatRoomType       string          `json:"chatRoomType"`
	RoomID             json.RawMessage `json:"roomId"`
	SenderID           json.RawMessage `json:"senderId"`
	LatestSequence     json.RawMessage `json:"latestSequence"`
	LastMessageAt      json.RawMessage `json:"lastMessageAt"`
	LastMessageContent string          `json:"lastMessageContent"`
}

// DecodeEvent parses a room update frame body.
// chatRoomType, roomId and latestSequence are required.
func DecodeEvent(body []byte) (UpdateEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return UpdateEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	cat, err := ParseCategory(w.ChatRoomType)
	if err != nil {
		return UpdateEvent{}, fmt.Errorf("%w: chatRoomType: %v", ErrMalformedEvent, err)
	}
	num, err := ParseInt(w.RoomID)
	if err != nil {
		return UpdateEvent{}, fmt.Errorf("%w: roomId: %v", ErrMalformedEvent, err)
	}
	seq, err := ParseInt(w.LatestSequence)
	if err != nil {
		return UpdateEvent{}, fmt.Errorf("%w: latestSequence: %v", ErrMalformedEvent, err)
	}
	if num < 0 || seq < 0 {
		return UpdateEvent{}, fmt.Errorf("%w: negative roomId or latestSequence", ErrMalformedEvent)
	}
	at, err := ParseTimestamp(w.LastMessageAt)
	if err != nil {
		return UpdateEvent{}, fmt.Errorf("%w: lastMessageAt: %v", ErrMalformedEvent, err)
	}
	sender, _ := Scalar(w.SenderID)

	return UpdateEvent{
		RoomID:             ID{Category: cat, Num: num},
		SenderID:           sender,
		LatestSequence:     seq,
		LastMessageAt:      at,
		LastMessageContent: w.LastMessageContent,
	}, nil
}

// Scalar renders a JSON string or number as a string. The second result is
// false for null, absent, empty or non-scalar values.
func Scalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}

// ParseInt reads an integer that may be encoded as a JSON number or string.
func ParseInt(raw json.RawMessage) (int64, error) {
	s, ok := Scalar(raw)
	if !ok {
		return 0, errors.New("missing")
	}
	return strconv.ParseInt(s, 10, 64)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 strings, zone-less ISO local date-times
// (interpreted as UTC) and epoch milliseconds. Absent values yield the zero time.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	s, ok := Scalar(raw)
	if !ok {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
