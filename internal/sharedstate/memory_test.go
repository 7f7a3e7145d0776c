package sharedstate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetMissingPathReportsAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v, ok, err := m.Get(ctx, P("presence", "nobody", "connection_ids"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok || v != nil {
		t.Fatalf("expected absent value, got %v (ok=%v)", v, ok)
	}

	branch, ok, err := m.Get(ctx, P(BranchRooms))
	if err != nil || !ok {
		t.Fatalf("expected rooms branch to exist, ok=%v err=%v", ok, err)
	}
	if rooms, isMap := branch.(map[string]any); !isMap || len(rooms) != 0 {
		t.Fatalf("expected empty rooms branch, got %#v", branch)
	}
}

func TestSetCreatesIntermediateContainers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SetKey(ctx, P("rooms", "r1"), "call_kind", "video"); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	v, ok, err := m.Get(ctx, P("rooms", "r1", "call_kind"))
	if err != nil || !ok {
		t.Fatalf("Get() ok=%v err=%v", ok, err)
	}
	if v != "video" {
		t.Fatalf("expected video, got %v", v)
	}
}

func TestSetNormalizesStructs(t *testing.T) {
	type participant struct {
		UserID       string `json:"user_id"`
		ConnectionID string `json:"connection_id"`
	}
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, P("rooms", "r1", "participants"), []participant{{UserID: "u1", ConnectionID: "c1"}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, _, _ := m.Get(ctx, P("rooms", "r1", "participants", "0", "connection_id"))
	if v != "c1" {
		t.Fatalf("expected c1 through index path, got %v", v)
	}

	var decoded []participant
	found, err := m.Decode(ctx, P("rooms", "r1", "participants"), &decoded)
	if err != nil || !found {
		t.Fatalf("Decode() found=%v err=%v", found, err)
	}
	if len(decoded) != 1 || decoded[0].UserID != "u1" {
		t.Fatalf("unexpected decoded participants: %+v", decoded)
	}
}

func TestSetThroughScalarFails(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Set(ctx, P("rooms", "r1"), "not-an-object"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	err := m.Set(ctx, P("rooms", "r1", "call_kind"), "voice")
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestPushAppendsAndCreates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	path := P("presence", "u1", "connection_ids")

	for _, id := range []string{"a", "b"} {
		if err := m.Push(ctx, path, id); err != nil {
			t.Fatalf("Push(%q) error = %v", id, err)
		}
	}
	v, _, _ := m.Get(ctx, path)
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 || arr[0] != "a" || arr[1] != "b" {
		t.Fatalf("unexpected array: %#v", v)
	}
}

func TestPushOnNonArrayFailsLoudly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	path := P("rooms", "r1", "participants")
	if err := m.Set(ctx, path, map[string]any{"oops": true}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	err := m.Push(ctx, path, "x")
	if !errors.Is(err, ErrNotAnArray) {
		t.Fatalf("expected ErrNotAnArray, got %v", err)
	}
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) || mismatch.Op != "push" {
		t.Fatalf("expected push TypeMismatchError, got %#v", err)
	}

	// The aborted mutation must leave the document untouched.
	v, _, _ := m.Get(ctx, path)
	if obj, ok := v.(map[string]any); !ok || obj["oops"] != true {
		t.Fatalf("document changed after failed push: %#v", v)
	}
}

func TestRemoveFromArray(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ids := P("presence", "u1", "connection_ids")
	participants := P("rooms", "r1", "participants")

	_ = m.Set(ctx, ids, []string{"a", "b", "a"})
	_ = m.Set(ctx, participants, []map[string]string{
		{"user_id": "u1", "connection_id": "c1"},
		{"user_id": "u2", "connection_id": "c2"},
	})

	removed, err := m.RemoveFromArray(ctx, ids, Equal("a"))
	if err != nil || !removed {
		t.Fatalf("RemoveFromArray(Equal) removed=%v err=%v", removed, err)
	}
	v, _, _ := m.Get(ctx, ids)
	if arr := v.([]any); len(arr) != 2 || arr[0] != "b" || arr[1] != "a" {
		t.Fatalf("expected only the first match removed, got %#v", arr)
	}

	removed, err = m.RemoveFromArray(ctx, participants, FieldEqual("connection_id", "c2"))
	if err != nil || !removed {
		t.Fatalf("RemoveFromArray(FieldEqual) removed=%v err=%v", removed, err)
	}
	v, _, _ = m.Get(ctx, participants)
	if arr := v.([]any); len(arr) != 1 {
		t.Fatalf("expected one participant left, got %#v", arr)
	}

	removed, err = m.RemoveFromArray(ctx, ids, MatchFunc(func(elem any) bool { return elem == "zzz" }))
	if err != nil || removed {
		t.Fatalf("expected no-op for absent element, removed=%v err=%v", removed, err)
	}

	removed, err = m.RemoveFromArray(ctx, P("presence", "ghost", "connection_ids"), Equal("a"))
	if err != nil || removed {
		t.Fatalf("expected no-op for missing path, removed=%v err=%v", removed, err)
	}

	_ = m.Set(ctx, P("rooms", "r2"), "scalar")
	if _, err := m.RemoveFromArray(ctx, P("rooms", "r2"), Equal("a")); !errors.Is(err, ErrNotAnArray) {
		t.Fatalf("expected ErrNotAnArray, got %v", err)
	}
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Update(ctx, func(tx *Tx) error {
		if err := tx.Set(P("rooms", "r1", "call_kind"), "voice"); err != nil {
			return err
		}
		return tx.Push(P("rooms", "r1", "call_kind"), "boom")
	})
	if !errors.Is(err, ErrNotAnArray) {
		t.Fatalf("expected ErrNotAnArray, got %v", err)
	}
	if _, ok, _ := m.Get(ctx, P("rooms", "r1")); ok {
		t.Fatal("expected partial update to be discarded")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, P("presence", "u1", "connection_ids"), []string{"a"})

	v, _, _ := m.Get(ctx, P("presence", "u1", "connection_ids"))
	v.([]any)[0] = "mutated"

	again, _, _ := m.Get(ctx, P("presence", "u1", "connection_ids"))
	if again.([]any)[0] != "a" {
		t.Fatalf("snapshot mutation leaked into the document: %#v", again)
	}
}

func TestDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, P("rooms", "r1", "call_kind"), "voice")

	deleted, err := m.Delete(ctx, P("rooms", "r1"))
	if err != nil || !deleted {
		t.Fatalf("Delete() deleted=%v err=%v", deleted, err)
	}
	deleted, err = m.Delete(ctx, P("rooms", "r1"))
	if err != nil || deleted {
		t.Fatalf("second Delete() deleted=%v err=%v", deleted, err)
	}
}

func TestMemorySubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quiet := NewMemory()
	feed, err := quiet.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_ = quiet.Set(ctx, P("rooms", "r1", "call_kind"), "voice")
	select {
	case c, ok := <-feed:
		if ok {
			t.Fatalf("unexpected change without broadcast: %+v", c)
		}
	case <-time.After(20 * time.Millisecond):
	}

	loud := NewMemory(WithBroadcast(true))
	feed, err = loud.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := loud.Push(ctx, P("presence", "u1", "connection_ids"), "c1"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	select {
	case c := <-feed:
		if c.Op != OpPush || c.Path.String() != "/presence/u1/connection_ids" || c.Value != "c1" {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}

	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			t.Fatal("expected feed to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("feed did not close")
	}
}

func TestDecodeFailureReportsNotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, P("rooms", "r1", "participants"), "not-a-list")

	var dst []string
	found, err := m.Decode(ctx, P("rooms", "r1", "participants"), &dst)
	if err == nil || found {
		t.Fatalf("Decode() found=%v err=%v, want false and an error", found, err)
	}
}
