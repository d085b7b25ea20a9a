package rpc

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFanout_NotifyReachesSubscriber(t *testing.T) {
	f := NewFanout()
	c := &Conn{send: make(chan []byte, 4)}
	f.Subscribe(c, "sess-1")

	f.Notify("sess-1", "agent.text_delta", map[string]any{"delta": "hi"})

	select {
	case msg := <-c.send:
		var n Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if n.Method != "agent.text_delta" {
			t.Errorf("method = %q, want agent.text_delta", n.Method)
		}
	default:
		t.Fatal("expected a queued notification")
	}
}

func TestFanout_NotifyIgnoresOtherSessions(t *testing.T) {
	f := NewFanout()
	c := &Conn{send: make(chan []byte, 4)}
	f.Subscribe(c, "sess-1")

	f.Notify("sess-2", "agent.text_delta", map[string]any{"delta": "hi"})

	select {
	case <-c.send:
		t.Fatal("did not expect a notification for an unsubscribed session")
	default:
	}
}

func TestFanout_UnsubscribeStopsDelivery(t *testing.T) {
	f := NewFanout()
	c := &Conn{send: make(chan []byte, 4)}
	f.Subscribe(c, "sess-1")
	f.Unsubscribe(c)

	f.Notify("sess-1", "agent.text_delta", map[string]any{"delta": "hi"})

	select {
	case <-c.send:
		t.Fatal("did not expect a notification after unsubscribe")
	default:
	}
}

func TestFanout_SlowSubscriberDoesNotBlock(t *testing.T) {
	f := NewFanout()
	c := &Conn{send: make(chan []byte, 1)}
	f.Subscribe(c, "sess-1")

	// Fill the buffered channel, then send one more: Notify must return
	// promptly rather than block on the full channel.
	f.Notify("sess-1", "agent.text_delta", map[string]any{"delta": "1"})
	done := make(chan struct{})
	go func() {
		f.Notify("sess-1", "agent.text_delta", map[string]any{"delta": "2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full subscriber channel")
	}
}
