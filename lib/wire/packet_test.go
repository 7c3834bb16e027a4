// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeRawPacket(t *testing.T) {
	packet := RawPacket{
		SensorID:    7,
		Timestamp:   20240101120000,
		Temperature: 22.5,
		Pressure:    1010,
		Humidity:    45,
	}

	reading, err := DecodeRawPacket(packet.Encode())
	if err != nil {
		t.Fatalf("DecodeRawPacket: %v", err)
	}
	if reading.SensorID != 7 {
		t.Errorf("SensorID = %d, want 7", reading.SensorID)
	}
	if got := reading.Timestamp.String(); got != "2024-01-01 12:00:00" {
		t.Errorf("Timestamp = %q, want 2024-01-01 12:00:00", got)
	}
	if reading.Temperature != 22.5 || reading.Pressure != 1010 || reading.Humidity != 45 {
		t.Errorf("measurements = %v/%v/%v, want 22.5/1010/45",
			reading.Temperature, reading.Pressure, reading.Humidity)
	}
}

func TestRawPacketLayout(t *testing.T) {
	data := RawPacket{SensorID: -2, Timestamp: 1, Temperature: 1}.Encode()
	if len(data) != RawPacketSize {
		t.Fatalf("encoded length = %d, want %d", len(data), RawPacketSize)
	}
	// int16 -2 little-endian, then uint64 1, then float32 1.0 (0x3f800000).
	want := []byte{0xfe, 0xff, 1, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x00, 0x80, 0x3f}
	if !bytes.Equal(data[:14], want) {
		t.Errorf("prefix = % x, want % x", data[:14], want)
	}
}

func TestDecodeRawPacketInvalidTimestamp(t *testing.T) {
	for _, raw := range []uint64{0, 123, 20241301000000, 20240230120000, 202401011200001} {
		packet := RawPacket{SensorID: 3, Timestamp: raw, Temperature: 20, Pressure: 1000, Humidity: 50}
		reading, err := DecodeRawPacket(packet.Encode())
		if err != nil {
			t.Fatalf("timestamp %d: DecodeRawPacket: %v", raw, err)
		}
		if reading.Timestamp.Valid() {
			t.Errorf("timestamp %d: decoded as valid %v", raw, reading.Timestamp)
		}
		if got := reading.Timestamp.String(); got != "0" {
			t.Errorf("timestamp %d: String = %q, want \"0\"", raw, got)
		}
		if reading.Temperature != 20 {
			t.Errorf("timestamp %d: other fields not preserved", raw)
		}
	}
}

func TestDecodeRawPacketWrongLength(t *testing.T) {
	for _, size := range []int{0, 21, 23, FrameSize} {
		_, err := DecodeRawPacket(make([]byte, size))
		if !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("size %d: error = %v, want ErrMalformedPacket", size, err)
		}
	}
}

func TestSplitAndBuildFrame(t *testing.T) {
	payload := RawPacket{SensorID: 1, Timestamp: 20240101000000}.Encode()
	signature := bytes.Repeat([]byte{0xab}, SignatureSize)

	frame, err := BuildFrame(payload, signature)
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	if len(frame) != FrameSize {
		t.Fatalf("frame length = %d, want %d", len(frame), FrameSize)
	}

	gotPayload, gotSignature, err := SplitFrame(frame)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	if !bytes.Equal(gotPayload, payload) || !bytes.Equal(gotSignature, signature) {
		t.Error("SplitFrame did not return the original halves")
	}

	if _, _, err := SplitFrame(frame[:FrameSize-1]); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("short frame: error = %v, want ErrMalformedPacket", err)
	}
	if _, err := BuildFrame(payload, signature[:10]); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("short signature: error = %v, want ErrMalformedPacket", err)
	}
}
