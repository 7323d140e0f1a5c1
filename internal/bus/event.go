package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "rooms." receives every room notification.
const (
	KindRoomsChanged      = "rooms.changed"
	KindRefetchRequested  = "rooms.refetch_requested"
	KindRoomUpdateDropped = "rooms.update_dropped"
	KindSearchUpdated     = "search.updated"
	KindStatusChanged     = "session.status_changed"
	KindLoggedIn          = "session.logged_in"
	KindLoggedOut         = "session.logged_out"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
