// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// TimestampLayout is the text form stored and served downstream.
	TimestampLayout = "2006-01-02 15:04:05"

	wireTimestampLayout  = "20060102150405"
	invalidTimestampText = "0"
)

// Timestamp is a second-resolution calendar time with no zone, or the
// invalid sentinel. The zero value is InvalidTimestamp.
type Timestamp struct {
	at    time.Time
	valid bool
}

// InvalidTimestamp marks a wire timestamp that did not parse. It is
// rendered as "0" and sorts before every valid timestamp.
var InvalidTimestamp = Timestamp{}

// ParseWireTimestamp interprets a YYYYMMDDHHMMSS decimal value. Any
// value that is not exactly 14 digits forming a real date returns
// InvalidTimestamp; it never fails.
func ParseWireTimestamp(raw uint64) Timestamp {
	digits := strconv.FormatUint(raw, 10)
	if len(digits) != len(wireTimestampLayout) {
		return InvalidTimestamp
	}
	at, err := time.Parse(wireTimestampLayout, digits)
	if err != nil {
		return InvalidTimestamp
	}
	return Timestamp{at: at, valid: true}
}

// NewTimestamp truncates t to whole seconds and drops its zone.
func NewTimestamp(t time.Time) Timestamp {
	at := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	return Timestamp{at: at, valid: true}
}

// Valid reports whether t is a real date.
func (t Timestamp) Valid() bool { return t.valid }

// Time returns the calendar time in UTC, or the zero time for the
// sentinel.
func (t Timestamp) Time() time.Time { return t.at }

// WireValue returns the YYYYMMDDHHMMSS decimal encoding, or 0 for the
// sentinel.
func (t Timestamp) WireValue() uint64 {
	if !t.valid {
		return 0
	}
	value, _ := strconv.ParseUint(t.at.Format(wireTimestampLayout), 10, 64)
	return value
}

// String returns "YYYY-MM-DD HH:MM:SS", or "0" for the sentinel.
func (t Timestamp) String() string {
	if !t.valid {
		return invalidTimestampText
	}
	return t.at.Format(TimestampLayout)
}

// MarshalText implements encoding.TextMarshaler.
func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts exactly the forms String produces.
func (t *Timestamp) UnmarshalText(text []byte) error {
	if string(text) == invalidTimestampText {
		*t = InvalidTimestamp
		return nil
	}
	at, err := time.Parse(TimestampLayout, string(text))
	if err != nil {
		return fmt.Errorf("wire: timestamp %q: %w", text, err)
	}
	*t = Timestamp{at: at, valid: true}
	return nil
}
