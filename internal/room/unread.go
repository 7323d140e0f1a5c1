package room

// Apply folds an update event into a room and returns the new room value.
//
// Messages sent by memberID and events for the room the user currently has
// open leave the room fully read. Any other event recomputes the unread count
// from the sequence gap. LastReadSequence never moves backwards and the preview
// is not replaced by an event older than the one already applied, so duplicated
// or reordered deliveries converge to the same state.
func Apply(r ChatRoom, evt UpdateEvent, isActive bool, memberID string) ChatRoom {
	if evt.LatestSequence >= r.LatestSequence {
		r.LastMessageContent = evt.LastMessageContent
		if !evt.LastMessageAt.IsZero() {
			r.LastMessageAt = evt.LastMessageAt
		}
	}
	r.LatestSequence = max(r.LatestSequence, evt.LatestSequence)

	ownMessage := memberID != "" && evt.SenderID == memberID
	if ownMessage || isActive {
		r.UnreadCount = 0
		r.LastReadSequence = max(r.LastReadSequence, evt.LatestSequence)
		return r
	}

	r.UnreadCount = int(max(0, r.LatestSequence-r.LastReadSequence))
	return r
}

// MarkRead returns r with everything up to its latest known sequence read.
func MarkRead(r ChatRoom) ChatRoom {
	r.UnreadCount = 0
	r.LastReadSequence = max(r.LastReadSequence, r.LatestSequence)
	return r
}

// Newer reports whether a carries more recent message state than b.
func Newer(a, b ChatRoom) bool {
	return a.LatestSequence > b.LatestSequence
}
