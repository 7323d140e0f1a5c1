package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/roomsync/internal/room"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/chat-rooms", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch req.URL.Query().Get("type") {
		case "GROUP":
			_, _ = w.Write([]byte(`[
				{"roomId": 7, "chatRoomType": "GROUP", "name": "Hello Club", "lastMessageContent": "hello there",
				 "lastMessageAt": "2026-03-01T12:00:00Z", "unreadCount": 2, "lastReadSequence": 10, "latestSequence": 12},
				{"roomId": "8", "chatRoomType": "GROUP", "name": "Quiet", "unreadCount": 3, "lastReadSequence": 4}
			]`))
		case "AI":
			_, _ = w.Write([]byte(`{"data": []}`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	})
	r.Get("/api/messages/search", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("query") != "hello" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`{"data": [
			{"messageId": 501, "chatRoomId": 7, "chatRoomType": "GROUP", "senderName": "ana",
			 "content": "hello there", "createdAt": 1772366400000},
			{"messageId": "m-2", "chatRoomId": 3, "chatRoomType": "direct", "senderName": "bo",
			 "content": "hello?", "translatedContent": "ola?", "createdAt": "2026-03-01T11:00:00"}
		]}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRooms(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL + "/")
	c.SetToken("good")

	rooms, err := c.FetchRooms(context.Background(), room.Group)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("len = %d, want 2", len(rooms))
	}

	r := rooms[0]
	if r.ID != (room.ID{Category: room.Group, Num: 7}) || r.DisplayName != "Hello Club" {
		t.Errorf("room = %#v", r)
	}
	if r.UnreadCount != 2 || r.LastReadSequence != 10 || r.LatestSequence != 12 {
		t.Errorf("sequences = %d/%d/%d", r.UnreadCount, r.LastReadSequence, r.LatestSequence)
	}
	if !r.LastMessageAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("LastMessageAt = %v", r.LastMessageAt)
	}

	q := rooms[1]
	if q.ID.Num != 8 || !q.LastMessageAt.IsZero() {
		t.Errorf("room = %#v", q)
	}
	if q.LatestSequence != 7 {
		t.Errorf("derived LatestSequence = %d, want 7", q.LatestSequence)
	}
}

func TestFetchRoomsEnvelopeEmpty(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL)
	c.SetToken("good")

	rooms, err := c.FetchRooms(context.Background(), room.AI)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 0 {
		t.Errorf("len = %d, want 0", len(rooms))
	}
}

func TestFetchRoomsErrors(t *testing.T) {
	srv := newTestServer(t)

	c := NewClient(srv.URL)
	c.SetToken("bad")
	if _, err := c.FetchRooms(context.Background(), room.Group); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}

	c.SetToken("good")
	_, err := c.FetchRooms(context.Background(), room.Direct)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Body != "boom" {
		t.Errorf("err = %v, want 500 StatusError", err)
	}

	if _, err := NewClient("").FetchRooms(context.Background(), room.Group); !errors.Is(err, ErrNoBaseURL) {
		t.Errorf("err = %v, want ErrNoBaseURL", err)
	}
}

func TestSearchMessages(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL)
	c.SetToken("good")

	hits, err := c.SearchMessages(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d, want 2", len(hits))
	}
	if hits[0].MessageID != "501" || hits[0].ChatRoomID != (room.ID{Category: room.Group, Num: 7}) {
		t.Errorf("hit 0 = %#v", hits[0])
	}
	if hits[0].Origin != room.OriginRemote {
		t.Errorf("origin = %s", hits[0].Origin)
	}
	if hits[1].ChatRoomID.Category != room.Direct || hits[1].TranslatedContent != "ola?" {
		t.Errorf("hit 1 = %#v", hits[1])
	}
}

func TestSearchMessagesCancelled(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL)
	c.SetToken("good")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.SearchMessages(ctx, "hello", room.Group); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
