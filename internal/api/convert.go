package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/lifecycle"
	"github.com/matheus3301/roomsync/internal/room"
	"github.com/matheus3301/roomsync/internal/search"
	"github.com/matheus3301/roomsync/internal/status"
	intsync "github.com/matheus3301/roomsync/internal/sync"
)

func roomToMap(r room.ChatRoom) map[string]any {
	return map[string]any{
		"room_id":              r.ID.String(),
		"category":             string(r.ID.Category),
		"num":                  r.ID.Num,
		"display_name":         r.DisplayName,
		"avatar_ref":           r.AvatarRef,
		"topic":                r.Topic,
		"last_message_content": r.LastMessageContent,
		"last_message_at":      unixMillis(r.LastMessageAt),
		"unread_count":         r.UnreadCount,
		"last_read_sequence":   r.LastReadSequence,
		"latest_sequence":      r.LatestSequence,
	}
}

func roomsToList(rooms []room.ChatRoom) []any {
	out := make([]any, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomToMap(r))
	}
	return out
}

func hitToMap(h room.SearchHit) map[string]any {
	return map[string]any{
		"message_id":         h.MessageID,
		"room_id":            h.ChatRoomID.String(),
		"sender_name":        h.SenderName,
		"content":            h.Content,
		"translated_content": h.TranslatedContent,
		"created_at":         unixMillis(h.CreatedAt),
		"origin":             string(h.Origin),
	}
}

func resultToMap(res search.Result) map[string]any {
	hits := make([]any, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, hitToMap(h))
	}
	return map[string]any{
		"query":    res.Query,
		"category": string(res.Category),
		"hits":     hits,
		"remote":   res.Remote,
		"degraded": res.Degraded,
		"error":    res.Err,
	}
}

func statusToMap(sessionName string, st lifecycle.Status) map[string]any {
	subs := make([]any, 0, len(st.Subscriptions))
	for _, s := range st.Subscriptions {
		subs = append(subs, map[string]any{"destination": s.Destination, "active": s.Active})
	}
	active := ""
	if !st.ActiveRoom.IsZero() {
		active = st.ActiveRoom.String()
	}
	counts := make(map[string]any, len(st.RoomCounts))
	for cat, n := range st.RoomCounts {
		counts[string(cat)] = n
	}
	return map[string]any{
		"session":        sessionName,
		"state":          string(st.State),
		"ready":          st.State == status.Ready,
		"transport":      string(st.Transport),
		"session_id":     st.SessionID,
		"member_id":      st.MemberID,
		"active_room":    active,
		"subscriptions":  subs,
		"last_synced_at": unixMillis(st.LastSyncedAt),
		"room_counts":    counts,
		"dropped_events": st.DroppedEvents,
	}
}

// payloadToMap renders a bus payload for WatchRooms.
func payloadToMap(payload any) map[string]any {
	switch p := payload.(type) {
	case cache.RoomsChanged:
		return map[string]any{"category": string(p.Category), "rooms": roomsToList(p.Rooms)}
	case cache.RefetchRequested:
		return map[string]any{"category": string(p.Category), "room_id": p.RoomID.String()}
	case intsync.DroppedUpdate:
		return map[string]any{"destination": p.Destination, "reason": p.Reason}
	case search.Result:
		return resultToMap(p)
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}
	case lifecycle.Login:
		return map[string]any{"session_id": p.SessionID, "member_id": p.MemberID, "warm": p.Warm}
	case nil:
		return map[string]any{}
	}
	return map[string]any{"value": fmt.Sprint(payload)}
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}
