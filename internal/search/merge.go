// Package search merges hits synthesized from the room cache with the
// backend's full-text search results.
package search

import (
	"strconv"
	"strings"

	"github.com/matheus3301/roomsync/internal/room"
)

// LocalHits synthesizes one hit per room whose display name or last message
// preview contains query, case-insensitively. The hit carries the room's last
// message, since the cache holds nothing older.
func LocalHits(rooms []room.ChatRoom, query string) []room.SearchHit {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var hits []room.SearchHit
	for _, r := range rooms {
		if !strings.Contains(strings.ToLower(r.DisplayName), q) &&
			!strings.Contains(strings.ToLower(r.LastMessageContent), q) {
			continue
		}
		hits = append(hits, room.SearchHit{
			MessageID:  "local:" + r.ID.String() + ":" + strconv.FormatInt(r.LatestSequence, 10),
			ChatRoomID: r.ID,
			SenderName: r.DisplayName,
			Content:    r.LastMessageContent,
			CreatedAt:  r.LastMessageAt,
			Origin:     room.OriginLocal,
		})
	}
	return hits
}

type hitKey struct {
	id      room.ID
	content string
}

// Merge returns local hits followed by remote hits in server order. A local
// hit is dropped when a remote hit has the same room and byte-identical content.
func Merge(local, remote []room.SearchHit) []room.SearchHit {
	seen := make(map[hitKey]struct{}, len(remote))
	for _, h := range remote {
		seen[hitKey{h.ChatRoomID, h.Content}] = struct{}{}
	}
	out := make([]room.SearchHit, 0, len(local)+len(remote))
	for _, h := range local {
		if _, dup := seen[hitKey{h.ChatRoomID, h.Content}]; dup {
			continue
		}
		out = append(out, h)
	}
	return append(out, remote...)
}
