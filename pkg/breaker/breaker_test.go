package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTripBroadcastsToAllSubscribers(t *testing.T) {
	b := New()
	subs := make([]<-chan Event, 5)
	for i := range subs {
		subs[i] = b.Subscribe()
	}

	want := Event{Kind: KindRpcFailure, Side: SideEth, Err: errors.New("boom")}
	b.Trip(want)

	for i, s := range subs {
		select {
		case got := <-s:
			require.Equal(t, want, got, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received event", i)
		}
	}

	select {
	case <-b.Done():
	default:
		t.Fatal("Done() channel should be closed after Trip")
	}
}

func TestTripOnlyFirstEventWins(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	first := Event{Kind: KindBridgeHalted, Side: SideAzero}
	second := Event{Kind: KindAdvisoryEmergency, AdvisoryID: "adv-1"}

	b.Trip(first)
	b.Trip(second)

	got := <-sub
	require.Equal(t, first, got)

	ev, tripped := b.Tripped()
	require.True(t, tripped)
	require.Equal(t, first, ev)
}

func TestLateSubscriberSeesPastTrip(t *testing.T) {
	b := New()
	b.Trip(Event{Kind: KindHandlerFailure, Side: SideEth, Reason: "reverted"})

	late := b.Subscribe()
	select {
	case got := <-late:
		require.Equal(t, KindHandlerFailure, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("late subscriber should immediately observe the already-tripped event")
	}
}

func TestOnTripFiresExactlyOnceBeforeSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	var observed []Event
	b.OnTrip(func(ev Event) {
		require.Empty(t, sub, "onTrip must run before subscribers are notified")
		observed = append(observed, ev)
	})

	want := Event{Kind: KindRpcFailure, Side: SideAzero, Err: errors.New("down")}
	b.Trip(want)
	b.Trip(Event{Kind: KindBridgeHalted, Side: SideEth})

	<-sub

	require.Len(t, observed, 1)
	require.Equal(t, want, observed[0])
}
