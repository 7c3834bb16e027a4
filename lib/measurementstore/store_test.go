// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package measurementstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "measurements.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func reading(sensorID int16, timestamp uint64, temperature float32) wire.Reading {
	return wire.Reading{
		SensorID:    sensorID,
		Timestamp:   wire.ParseWireTimestamp(timestamp),
		Temperature: temperature,
		Pressure:    1010,
		Humidity:    45,
	}
}

func TestInsertAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.Insert(ctx, reading(7, 20240101120000, 22.5))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if outcome != Inserted {
		t.Errorf("outcome = %v, want inserted", outcome)
	}

	rows, err := store.ListDescendingByTime(ctx)
	if err != nil {
		t.Fatalf("ListDescendingByTime: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	want := Measurement{ID: rows[0].ID, SensorID: 7, Timestamp: "2024-01-01 12:00:00", Temperature: 22.5, Pressure: 1010, Humidity: 45}
	if rows[0] != want {
		t.Errorf("row = %+v, want %+v", rows[0], want)
	}
}

func TestInsertDuplicateIgnored(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Insert(ctx, reading(7, 20240101120000, 22.5)); err != nil {
		t.Fatal(err)
	}
	// Same key, different measurement: still a replay.
	outcome, err := store.Insert(ctx, reading(7, 20240101120000, 30))
	if err != nil {
		t.Fatalf("duplicate Insert returned error: %v", err)
	}
	if outcome != DuplicateIgnored {
		t.Errorf("outcome = %v, want duplicate_ignored", outcome)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
	rows, _ := store.ListDescendingByTime(ctx)
	if rows[0].Temperature != 22.5 {
		t.Errorf("stored temperature = %v, the duplicate overwrote the original", rows[0].Temperature)
	}

	// Same timestamp from another sensor is a distinct key.
	if outcome, _ := store.Insert(ctx, reading(8, 20240101120000, 22.5)); outcome != Inserted {
		t.Errorf("other sensor outcome = %v, want inserted", outcome)
	}
}

func TestInvalidTimestampIsAKeyToo(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, _ := store.Insert(ctx, reading(3, 0, 20))
	second, _ := store.Insert(ctx, reading(3, 99, 21))
	if first != Inserted || second != DuplicateIgnored {
		t.Errorf("outcomes = %v, %v; two sentinel timestamps from one sensor share a key", first, second)
	}
}

func TestConcurrentDuplicateInserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	outcomes := make(chan InsertOutcome, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.Insert(ctx, reading(7, 20240101120000, 22.5))
			if err != nil {
				t.Errorf("Insert: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	inserted := 0
	for outcome := range outcomes {
		if outcome == Inserted {
			inserted++
		}
	}
	if inserted != 1 {
		t.Errorf("%d concurrent inserts won, want exactly 1", inserted)
	}
}

func TestListDescendingOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, timestamp := range []uint64{20240101120000, 20231231235959, 20240601000000, 0, 20240101120000} {
		store.Insert(ctx, reading(1, timestamp, 20))
	}
	store.Insert(ctx, reading(2, 20240101120000, 20))

	rows, err := store.ListDescendingByTime(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1].Timestamp < rows[i].Timestamp {
			t.Errorf("rows %d,%d out of order: %q before %q", i-1, i, rows[i-1].Timestamp, rows[i].Timestamp)
		}
	}
	if rows[len(rows)-1].Timestamp != "0" {
		t.Errorf("last row timestamp = %q, want the invalid sentinel", rows[len(rows)-1].Timestamp)
	}
	// Equal timestamps: the later insert comes first.
	if rows[1].SensorID != 2 || rows[2].SensorID != 1 {
		t.Errorf("tie order = sensors %d,%d, want 2,1", rows[1].SensorID, rows[2].SensorID)
	}
}

func TestListLimitAndLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Latest(ctx); err != nil || ok {
		t.Fatalf("Latest on empty store = ok %v, err %v; want false, nil", ok, err)
	}
	rows, err := store.List(ctx, 10)
	if err != nil || rows == nil || len(rows) != 0 {
		t.Fatalf("List on empty store = %v, %v; want empty non-nil slice", rows, err)
	}

	for i := uint64(0); i < 5; i++ {
		store.Insert(ctx, reading(1, 20240101120000+i, float32(20+i)))
	}

	rows, err = store.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Timestamp != "2024-01-01 12:00:04" {
		t.Errorf("List(2) = %+v, want the two newest", rows)
	}
	if all, _ := store.List(ctx, 0); len(all) != 5 {
		t.Errorf("List(0) returned %d rows, want all 5", len(all))
	}

	latest, ok, err := store.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest = ok %v, err %v", ok, err)
	}
	if latest.Temperature != 24 {
		t.Errorf("Latest temperature = %v, want 24", latest.Temperature)
	}
}

func TestWidenKeepsShortestDecimal(t *testing.T) {
	if got := widen(21.3); got != 21.3 {
		t.Errorf("widen(21.3) = %v, want 21.3", got)
	}
	if got := widen(1013.25); got != 1013.25 {
		t.Errorf("widen(1013.25) = %v", got)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurements.db")
	store, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	store.Insert(context.Background(), reading(7, 20240101120000, 22.5))
	store.Close()

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	outcome, err := reopened.Insert(context.Background(), reading(7, 20240101120000, 22.5))
	if err != nil || outcome != DuplicateIgnored {
		t.Errorf("replay after reopen = %v, %v; want duplicate_ignored", outcome, err)
	}
}
