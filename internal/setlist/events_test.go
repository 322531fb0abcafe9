package setlist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, func() *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return rdb
	}
}

func TestEventBus_RelaysChangesAcrossInstances(t *testing.T) {
	_, client := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr1 := NewRoomManager(testSnapshots(5))
	mgr2 := NewRoomManager(testSnapshots(5))
	bus1 := NewEventBus(mgr1, client())
	bus2 := NewEventBus(mgr2, client())
	go bus2.RunSubscriber(ctx)

	sess, err := mgr2.Join(ctx, "sl-1", "user-2", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	recvEvent(t, sess)

	// Re-publishing until the relay lands keeps the test independent of
	// subscriber startup timing; the room dedupes the repeats.
	deadline := time.Now().Add(3 * time.Second)
	for {
		bus1.Announce(ctx, testChange(6))
		select {
		case data := <-sess.send:
			_ = data
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("change never relayed to the other instance")
		}
	}
}

func TestEventBus_DropsItsOwnEcho(t *testing.T) {
	_, client := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewRoomManager(testSnapshots(5))
	bus := NewEventBus(mgr, client())
	go bus.RunSubscriber(ctx)
	time.Sleep(50 * time.Millisecond)

	sess, err := mgr.Join(ctx, "sl-1", "user-1", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	recvEvent(t, sess)

	bus.Announce(ctx, testChange(6))
	if _, version := recvEvent(t, sess); version != 6 {
		t.Fatalf("got v%d, want v6", version)
	}
	// Give the echo a chance to come back before asserting it was dropped.
	time.Sleep(100 * time.Millisecond)
	assertNoEvent(t, sess)
}

func TestEventBus_SubscriberStopsOnCancel(t *testing.T) {
	_, client := testRedis(t)
	bus := NewEventBus(NewRoomManager(testSnapshots(5)), client())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.RunSubscriber(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber kept running after cancellation")
	}
}

func TestEventBus_WorksWithoutRedis(t *testing.T) {
	mgr := NewRoomManager(testSnapshots(5))
	bus := NewEventBus(mgr, nil)
	ctx := context.Background()

	sess, err := mgr.Join(ctx, "sl-1", "user-1", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	recvEvent(t, sess)

	bus.Announce(ctx, testChange(6))
	if typ, version := recvEvent(t, sess); typ != eventChanged || version != 6 {
		t.Fatalf("got %s v%d, want %s v6", typ, version, eventChanged)
	}
	bus.RunSubscriber(ctx) // no redis, returns immediately
}
