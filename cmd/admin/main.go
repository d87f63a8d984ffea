package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/storage"

	"github.com/spf13/pflag"
)

const usage = `Usage: admin [--dsn DSN] <command> [args]

Commands:
  rooms                       list active rooms
  room <room_id>              show a room and its archived messages
  close-room <room_id>        mark a room as ended
  complaints [new|processed]  list complaints (--limit N)
  process-complaint <id>      mark a complaint as processed
  prune-blocks                delete expired block entries
`

func main() {
	dsn := pflag.String("dsn", "", "Postgres DSN (defaults to DATABASE_DSN)")
	limit := pflag.Int("limit", 50, "maximum number of complaints to list")
	pflag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 1 {
		pflag.Usage()
		os.Exit(1)
	}

	if *dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		*dsn = cfg.DatabaseDSN
	}
	if *dsn == "" {
		log.Fatal("DATABASE_DSN is not set")
	}
	db, err := storage.OpenPostgres(*dsn)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	storageSvc := storage.NewStorageService(db, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	command := args[0]
	switch command {
	case "rooms":
		if err := listRooms(ctx, storageSvc); err != nil {
			log.Fatalf("Error listing rooms: %v", err)
		}
	case "room":
		if len(args) != 2 {
			fmt.Println("Usage: admin room <room_id>")
			os.Exit(1)
		}
		if err := showRoom(ctx, storageSvc, args[1]); err != nil {
			log.Fatalf("Error loading room: %v", err)
		}
	case "close-room":
		if len(args) != 2 {
			fmt.Println("Usage: admin close-room <room_id>")
			os.Exit(1)
		}
		if err := storageSvc.CloseRoom(ctx, args[1]); err != nil {
			log.Fatalf("Error closing room: %v", err)
		}
		fmt.Printf("Room %s has been closed.\n", args[1])
	case "complaints":
		var status models.ComplaintStatus
		if len(args) > 1 {
			status = models.ComplaintStatus(strings.ToLower(args[1]))
		}
		if err := listComplaints(ctx, storageSvc, status, *limit); err != nil {
			log.Fatalf("Error listing complaints: %v", err)
		}
	case "process-complaint":
		if len(args) != 2 {
			fmt.Println("Usage: admin process-complaint <complaint_id>")
			os.Exit(1)
		}
		if err := storageSvc.MarkComplaintProcessed(ctx, args[1]); err != nil {
			log.Fatalf("Error processing complaint: %v", err)
		}
		fmt.Printf("Complaint %s has been processed.\n", args[1])
	case "prune-blocks":
		n, err := storageSvc.DeleteExpiredBlocks(ctx, time.Now())
		if err != nil {
			log.Fatalf("Error pruning blocks: %v", err)
		}
		fmt.Printf("Deleted %d expired block entries.\n", n)
	default:
		fmt.Println("Unknown command")
		pflag.Usage()
		os.Exit(1)
	}
}

func listRooms(ctx context.Context, s storage.Storage) error {
	ids, err := s.GetActiveRoomIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		room, err := s.GetRoomByID(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %-5s  %s <-> %s  since %s\n",
			room.RoomID, room.Mode, room.User1ID, room.User2ID, room.StartedAt.Format(time.RFC3339))
	}
	fmt.Printf("%d active rooms\n", len(ids))
	return nil
}

func showRoom(ctx context.Context, s storage.Storage, roomID string) error {
	room, err := s.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	state := "active"
	if room.EndedAt != nil {
		state = "ended " + room.EndedAt.Format(time.RFC3339)
	}
	fmt.Printf("%s (%s) %s <-> %s, %s\n", room.RoomID, room.Mode, room.User1ID, room.User2ID, state)

	history, err := s.GetChatHistory(ctx, roomID)
	if err != nil {
		return err
	}
	for _, h := range history {
		at := time.UnixMilli(h.SentAtMillis).UTC().Format("15:04:05")
		fmt.Printf("  [%s] %s: %s\n", at, h.SenderID, h.Content)
	}
	return nil
}

func listComplaints(ctx context.Context, s storage.Storage, status models.ComplaintStatus, limit int) error {
	complaints, err := s.ListComplaints(ctx, status, limit)
	if err != nil {
		return err
	}
	for _, c := range complaints {
		fmt.Printf("%s  %-9s  %s reported %s in %s: %s\n",
			c.ComplaintID, c.Status, c.ReporterID, c.TargetID, c.RoomID, c.Reason)
		for _, line := range c.LoggedMessages {
			fmt.Printf("    %s\n", line)
		}
	}
	return nil
}
