package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/roomsync/internal/lock"
	"github.com/matheus3301/roomsync/internal/rpc"
	"github.com/matheus3301/roomsync/internal/session"
)

var (
	categoryFlag string
	prefixFlag   string
)

func init() {
	roomsCmd.Flags().StringVar(&categoryFlag, "category", "", "direct, group or ai (default all)")
	searchCmd.Flags().StringVar(&categoryFlag, "category", "", "direct, group or ai (default all)")
	watchCmd.Flags().StringVar(&prefixFlag, "prefix", "", "event kind prefix, e.g. rooms. (default rooms, search and session events)")

	rootCmd.AddCommand(statusCmd, loginCmd, logoutCmd, roomsCmd, openCmd, closeCmd, searchCmd, watchCmd, sessionsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			f := resp.GetFields()
			fmt.Printf("Session:    %s\n", f["session"].GetStringValue())
			fmt.Printf("State:      %s\n", f["state"].GetStringValue())
			fmt.Printf("Transport:  %s\n", f["transport"].GetStringValue())
			fmt.Printf("Member:     %s\n", valueOrDefault(f["member_id"].GetStringValue(), "(not logged in)"))
			fmt.Printf("Open room:  %s\n", valueOrDefault(f["active_room"].GetStringValue(), "(none)"))
			fmt.Printf("Last sync:  %s\n", formatMillis(f["last_synced_at"].GetNumberValue()))
			for _, v := range f["subscriptions"].GetListValue().GetValues() {
				sub := v.GetStructValue().GetFields()
				fmt.Printf("  subscribed %s (active=%v)\n", sub["destination"].GetStringValue(), sub["active"].GetBoolValue())
			}
			return nil
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login [credential]",
	Short: "Log in with a credential (default $ROOMSYNC_TOKEN)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credential := os.Getenv("ROOMSYNC_TOKEN")
		if len(args) == 1 {
			credential = args[0]
		}
		if credential == "" {
			return errors.New("no credential given and ROOMSYNC_TOKEN is empty")
		}
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.Login(ctx, credential)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Logged in as member %s\n", resp.GetFields()["member_id"].GetStringValue())
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and discard cached rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		})
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List cached rooms, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.ListRooms(ctx, categoryFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			rooms := resp.GetFields()["rooms"].GetListValue().GetValues()
			if len(rooms) == 0 {
				fmt.Println("No rooms.")
				return nil
			}
			for _, v := range rooms {
				r := v.GetStructValue().GetFields()
				fmt.Printf("%-12s %-28s %4d  %-16s %s\n",
					r["room_id"].GetStringValue(),
					clip(r["display_name"].GetStringValue(), 28),
					int(r["unread_count"].GetNumberValue()),
					formatMillis(r["last_message_at"].GetNumberValue()),
					clip(r["last_message_content"].GetStringValue(), 40))
			}
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <room-id>",
	Short: "Open a room (e.g. group-7) and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			return c.OpenRoom(ctx, args[0])
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the open room",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			return c.CloseRoom(ctx)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search cached rooms and the backend",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withClient(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.Search(ctx, query, categoryFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			f := resp.GetFields()
			if f["degraded"].GetBoolValue() {
				fmt.Fprintf(os.Stderr, "warning: remote search failed (%s), showing local results only\n", f["error"].GetStringValue())
			}
			hits := f["hits"].GetListValue().GetValues()
			if len(hits) == 0 {
				fmt.Println("No results.")
				return nil
			}
			for _, v := range hits {
				h := v.GetStructValue().GetFields()
				fmt.Printf("[%-6s] %-12s %-16s %s\n",
					h["origin"].GetStringValue(),
					h["room_id"].GetStringValue(),
					clip(h["sender_name"].GetStringValue(), 16),
					clip(h["content"].GetStringValue(), 60))
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream room, search and session events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err = c.WatchRooms(ctx, prefixFlag, func(evt *structpb.Struct) error {
			if jsonFlag {
				b, err := protojson.Marshal(evt)
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			}
			f := evt.GetFields()
			payload, _ := protojson.Marshal(f["payload"].GetStructValue())
			fmt.Printf("%s %-26s %s\n", formatMillis(f["occurred_at_unix_ms"].GetNumberValue()), f["kind"].GetStringValue(), clip(string(payload), 120))
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "sessions"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("No sessions found.")
				return nil
			}
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			state := "stopped"
			if held := lock.Probe(session.Dir(e.Name())); held != nil {
				state = fmt.Sprintf("running (pid %d)", held.PID)
			}
			fmt.Printf("%-20s %s (%s)\n", e.Name(), session.Dir(e.Name()), state)
		}
		return nil
	},
}

func formatMillis(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(int64(ms)).Local().Format("2006-01-02 15:04")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
