package room

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category partitions rooms. Each category has its own ordered collection in the cache.
type Category string

const (
	Direct Category = "direct"
	Group  Category = "group"
	AI     Category = "ai"
)

// Categories lists every category in display order.
var Categories = []Category{Direct, Group, AI}

// ParseCategory accepts both the lower-case form and the upper-case wire form (DIRECT, GROUP, AI).
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case Direct, Group, AI:
		return c, nil
	}
	return "", fmt.Errorf("unknown room category %q", s)
}

// WireName returns the backend's spelling of the category.
func (c Category) WireName() string {
	return strings.ToUpper(string(c))
}

// ID identifies a room: its category plus the backend's numeric id.
type ID struct {
	Category Category
	Num      int64
}

func (id ID) String() string {
	return string(id.Category) + "-" + strconv.FormatInt(id.Num, 10)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.Category == "" && id.Num == 0
}

// ParseID parses the textual form produced by ID.String, e.g. "group-7".
func ParseID(s string) (ID, error) {
	cat, num, ok := strings.Cut(s, "-")
	if !ok {
		return ID{}, fmt.Errorf("invalid room id %q", s)
	}
	c, err := ParseCategory(cat)
	if err != nil {
		return ID{}, err
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return ID{}, fmt.Errorf("invalid room id %q", s)
	}
	return ID{Category: c, Num: n}, nil
}

// ChatRoom is the cached summary of a room.
// LastMessageAt is the zero time when the room has no messages yet.
type ChatRoom struct {
	ID                 ID
	DisplayName        string
	AvatarRef          string
	Topic              string
	LastMessageContent string
	LastMessageAt      time.Time
	UnreadCount        int
	LastReadSequence   int64
	LatestSequence     int64
}

// Category returns the room's category.
func (r ChatRoom) Category() Category {
	return r.ID.Category
}

// UpdateEvent is a room update pushed by the backend. Delivery is at-least-once
// and may be duplicated or reordered across destinations.
type UpdateEvent struct {
	RoomID             ID
	SenderID           string
	LatestSequence     int64
	LastMessageAt      time.Time
	LastMessageContent string
}

// Origin tells where a search hit came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// SearchHit is one entry of a search result list.
type SearchHit struct {
	MessageID         string
	ChatRoomID        ID
	SenderName        string
	Content           string
	TranslatedContent string
	CreatedAt         time.Time
	Origin            Origin
}
