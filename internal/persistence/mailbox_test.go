package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-autopilot/internal/persistence"
)

func TestMailbox_RoundTripToUnstartedKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.SendTaskMessage(ctx, "task-a", "task-b", persistence.MessageTypeMessage, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := store.SendTaskMessage(ctx, "task-c", "task-b", persistence.MessageTypeRequest, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := store.DrainTaskMessages(ctx, "task-b", 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Payload != "first" || msgs[1].Payload != "second" {
		t.Fatalf("unexpected drain order %+v", msgs)
	}
	if msgs[0].Status != persistence.MessageStatusPending {
		t.Fatalf("drain must not change status, got %s", msgs[0].Status)
	}

	again, _ := store.DrainTaskMessages(ctx, "task-b", 0)
	if len(again) != 2 {
		t.Fatalf("unacknowledged messages should be redelivered, got %d", len(again))
	}

	n, err := store.MarkTaskMessagesRead(ctx, msgs[0].ID, msgs[1].ID)
	if err != nil || n != 2 {
		t.Fatalf("mark read: n=%d err=%v", n, err)
	}
	after, _ := store.DrainTaskMessages(ctx, "task-b", 0)
	if len(after) != 0 {
		t.Fatalf("expected empty after mark read, got %d", len(after))
	}
	if n, _ := store.MarkTaskMessagesRead(ctx, msgs[0].ID); n != 0 {
		t.Fatalf("second mark read should be a no-op, got %d", n)
	}
}

func TestMailbox_RejectsBadInput(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.SendTaskMessage(ctx, "a", "", persistence.MessageTypeMessage, "x"); err == nil {
		t.Fatal("expected error for empty recipient")
	}
	if _, err := store.SendTaskMessage(ctx, "a", "b", persistence.MessageType("gossip"), "x"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestMailbox_CountAndProcessed(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := store.SendTaskMessage(ctx, "a", "b", persistence.MessageTypeResult, "r")
	if n, _ := store.CountPendingMessages(ctx, "b"); n != 1 {
		t.Fatalf("pending count = %d", n)
	}
	if n, err := store.MarkTaskMessagesProcessed(ctx, id); err != nil || n != 1 {
		t.Fatalf("mark processed: n=%d err=%v", n, err)
	}
	if n, _ := store.CountPendingMessages(ctx, "b"); n != 0 {
		t.Fatalf("pending count after processed = %d", n)
	}
}

func TestMailbox_PruneKeepsPending(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	oldID, _ := store.SendTaskMessage(ctx, "a", "b", persistence.MessageTypeMessage, "old")
	freshID, _ := store.SendTaskMessage(ctx, "a", "b", persistence.MessageTypeMessage, "fresh")
	if _, err := store.SendTaskMessage(ctx, "a", "b", persistence.MessageTypeMessage, "pending"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := store.MarkTaskMessagesRead(ctx, oldID, freshID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE task_messages SET read_at = datetime('now', '-30 days') WHERE id = ?`, oldID); err != nil {
		t.Fatalf("age message: %v", err)
	}

	n, err := store.PruneTaskMessages(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	var remaining int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM task_messages`).Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}
}
