package ussd

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMailboxFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	m := NewMailbox("fifo", func(msg any) {
		mu.Lock()
		got = append(got, msg.(int))
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	}, discardLogger())
	defer m.Stop()

	for i := 0; i < 100; i++ {
		m.Tell(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("message %d = %d, want %d", i, v, i)
		}
	}
}

func TestMailboxSurvivesPanic(t *testing.T) {
	received := make(chan any, 2)
	m := NewMailbox("panicky", func(msg any) {
		if msg == "boom" {
			panic("boom")
		}
		received <- msg
	}, discardLogger())
	defer m.Stop()

	m.Tell("boom")
	m.Tell("after")

	select {
	case msg := <-received:
		if msg != "after" {
			t.Errorf("received %v, want after", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox stopped processing after panic")
	}
}

func TestMailboxStop(t *testing.T) {
	var count int
	var mu sync.Mutex
	var m *Mailbox
	m = NewMailbox("stopper", func(msg any) {
		mu.Lock()
		count++
		mu.Unlock()
		m.Stop()
	}, discardLogger())

	m.Tell(1)
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox did not exit after Stop")
	}

	m.Tell(2)
	if !m.Stopped() {
		t.Error("Stopped() = false after Stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("receive called %d times, want 1", count)
	}
}
