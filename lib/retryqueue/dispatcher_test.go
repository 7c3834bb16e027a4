// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retryqueue

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/testutil"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeDeliverer records Deliver calls and returns errors from errorSeq
// in order; past the end of errorSeq it returns fallback. The called
// channel signals after every call.
type fakeDeliverer struct {
	mu       sync.Mutex
	packets  [][]byte
	errorSeq []error
	fallback error
	called   chan struct{}
}

func newFakeDeliverer(errorSeq []error, fallback error) *fakeDeliverer {
	return &fakeDeliverer{errorSeq: errorSeq, fallback: fallback, called: make(chan struct{}, 100)}
}

func (f *fakeDeliverer) Deliver(_ context.Context, packet []byte) error {
	f.mu.Lock()
	f.packets = append(f.packets, append([]byte(nil), packet...))
	err := f.fallback
	if index := len(f.packets) - 1; index < len(f.errorSeq) {
		err = f.errorSeq[index]
	}
	f.mu.Unlock()

	f.called <- struct{}{}
	return err
}

func (f *fakeDeliverer) order() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var order []byte
	for _, packet := range f.packets {
		order = append(order, packet[0])
	}
	return order
}

func (f *fakeDeliverer) waitForCalls(t *testing.T, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		testutil.RequireReceive(t, f.called, 5*time.Second, "waiting for delivery %d", i+1)
	}
}

func startDispatcher(t *testing.T, config DispatcherConfig) (*Dispatcher, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	dispatcher := NewDispatcher(config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return dispatcher, cancel, done
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	queue := NewQueue()
	deliverer := newFakeDeliverer(nil, nil)
	dispatcher, _, _ := startDispatcher(t, DispatcherConfig{
		Queue:     queue,
		Deliverer: deliverer,
		Clock:     clock.Fake(testEpoch),
	})

	for i := int16(1); i <= 4; i++ {
		queue.Enqueue(entryFor(i))
	}
	deliverer.waitForCalls(t, 4)

	if got := string(deliverer.order()); got != "\x01\x02\x03\x04" {
		t.Errorf("delivery order = %q, want 1,2,3,4", got)
	}
	// The counter moves after Deliver returns.
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return dispatcher.Stats().Delivered == 4
	}, "waiting for delivered count")
	if stats := dispatcher.Stats(); stats.Retries != 0 || stats.Depth != 0 {
		t.Errorf("Stats = %+v, want 0 retries, depth 0", stats)
	}
}

func TestDispatcherRetriesHeadBeforeLaterEntries(t *testing.T) {
	queue := NewQueue()
	queue.Enqueue(entryFor(1))
	queue.Enqueue(entryFor(2))

	refused := errors.New("connection refused")
	deliverer := newFakeDeliverer([]error{refused, refused}, nil)
	fakeClock := clock.Fake(testEpoch)
	dispatcher, _, _ := startDispatcher(t, DispatcherConfig{
		Queue:     queue,
		Deliverer: deliverer,
		Clock:     fakeClock,
		Backoff:   5 * time.Second,
	})

	for attempt := 0; attempt < 2; attempt++ {
		deliverer.waitForCalls(t, 1)
		// The poll ticker plus the backoff timer.
		fakeClock.WaitForTimers(2)
		queue.Enqueue(entryFor(int16(3 + attempt)))
		fakeClock.Advance(5 * time.Second)
	}
	deliverer.waitForCalls(t, 4)

	if got := string(deliverer.order()); got != "\x01\x01\x01\x02\x03\x04" {
		t.Errorf("delivery order = %q, want 1,1,1,2,3,4", got)
	}
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return dispatcher.Stats().Delivered == 4
	}, "waiting for delivered count")
	if stats := dispatcher.Stats(); stats.Retries != 2 {
		t.Errorf("Stats = %+v, want 2 retries", stats)
	}
}

func TestDispatcherBackoffHoldsNextAttempt(t *testing.T) {
	queue := NewQueue()
	queue.Enqueue(entryFor(1))

	deliverer := newFakeDeliverer([]error{errors.New("down")}, nil)
	fakeClock := clock.Fake(testEpoch)
	startDispatcher(t, DispatcherConfig{
		Queue:     queue,
		Deliverer: deliverer,
		Clock:     fakeClock,
		Backoff:   5 * time.Second,
	})

	deliverer.waitForCalls(t, 1)
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(4 * time.Second)

	select {
	case <-deliverer.called:
		t.Fatal("retried before the backoff elapsed")
	case <-time.After(50 * time.Millisecond): //nolint:realclock negative check window
	}

	fakeClock.Advance(time.Second)
	deliverer.waitForCalls(t, 1)
}

func TestDispatcherDeadLetter(t *testing.T) {
	queue := NewQueue()
	queue.Enqueue(entryFor(9))

	failure := errors.New("still down")
	deliverer := newFakeDeliverer(nil, failure)
	fakeClock := clock.Fake(testEpoch)

	deadLetters := make(chan *Entry, 1)
	dispatcher, _, _ := startDispatcher(t, DispatcherConfig{
		Queue:       queue,
		Deliverer:   deliverer,
		Clock:       fakeClock,
		MaxAttempts: 2,
		DeadLetter: func(entry *Entry, err error) {
			if !errors.Is(err, failure) {
				t.Errorf("dead-letter error = %v, want %v", err, failure)
			}
			deadLetters <- entry
		},
	})

	deliverer.waitForCalls(t, 1)
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(DefaultBackoff)
	deliverer.waitForCalls(t, 1)

	entry := testutil.RequireReceive(t, deadLetters, 5*time.Second, "waiting for dead letter")
	if entry.SensorID != 9 || entry.Attempts != 2 {
		t.Errorf("dead-lettered entry = sensor %d after %d attempts, want sensor 9 after 2", entry.SensorID, entry.Attempts)
	}
	if queue.Len() != 0 {
		t.Errorf("queue depth = %d after dead letter, want 0", queue.Len())
	}
	if stats := dispatcher.Stats(); stats.DeadLettered != 1 || stats.Retries != 1 {
		t.Errorf("Stats = %+v, want 1 dead-lettered, 1 retry", stats)
	}
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	queue := NewQueue()
	for i := int16(1); i <= 3; i++ {
		queue.Enqueue(entryFor(i))
	}
	deliverer := newFakeDeliverer(nil, nil)
	dispatcher := NewDispatcher(DispatcherConfig{
		Queue:     queue,
		Deliverer: deliverer,
		Clock:     clock.Fake(testEpoch),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatcher.Run(ctx)

	if got := string(deliverer.order()); got != "\x01\x02\x03" {
		t.Errorf("drained = %q, want 1,2,3", got)
	}
	if queue.Len() != 0 {
		t.Errorf("queue depth = %d after drain, want 0", queue.Len())
	}
}

func TestDispatcherDrainStopsAtFirstFailure(t *testing.T) {
	queue := NewQueue()
	for i := int16(1); i <= 3; i++ {
		queue.Enqueue(entryFor(i))
	}
	deliverer := newFakeDeliverer(nil, errors.New("down"))
	dispatcher := NewDispatcher(DispatcherConfig{
		Queue:     queue,
		Deliverer: deliverer,
		Clock:     clock.Fake(testEpoch),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatcher.Run(ctx)

	if len(deliverer.order()) != 1 {
		t.Errorf("drain made %d attempts, want 1", len(deliverer.order()))
	}
	if queue.Len() != 3 {
		t.Errorf("queue depth = %d, want all 3 entries kept", queue.Len())
	}
}

func TestDispatcherStopsDuringBackoff(t *testing.T) {
	queue := NewQueue()
	queue.Enqueue(entryFor(1))
	deliverer := newFakeDeliverer(nil, errors.New("down"))
	fakeClock := clock.Fake(testEpoch)
	_, cancel, done := startDispatcher(t, DispatcherConfig{
		Queue:     queue,
		Deliverer: deliverer,
		Clock:     fakeClock,
	})

	deliverer.waitForCalls(t, 1)
	fakeClock.WaitForTimers(2)
	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "dispatcher did not stop during backoff")
}

func TestTCPDeliverer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	deliverer := &TCPDeliverer{Address: listener.Addr().String(), Timeout: 2 * time.Second}
	packet := []byte(`{"datos":{},"firma":""}` + "\n")
	if err := deliverer.Deliver(context.Background(), packet); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	data := testutil.RequireReceive(t, received, 5*time.Second, "waiting for server read")
	if string(data) != string(packet) {
		t.Errorf("server read %q, want %q", data, packet)
	}
}

func TestTCPDelivererRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := listener.Addr().String()
	listener.Close()

	deliverer := &TCPDeliverer{Address: address, Timeout: 2 * time.Second}
	if err := deliverer.Deliver(context.Background(), []byte("x\n")); !errors.Is(err, ErrTransport) {
		t.Errorf("error = %v, want ErrTransport", err)
	}
}
