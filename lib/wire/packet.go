// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Frame geometry. These are protocol constants, not negotiated.
const (
	RawPacketSize = 22
	SignatureSize = 256
	FrameSize     = RawPacketSize + SignatureSize
)

// ErrMalformedPacket is returned for input that cannot be a valid
// packet: wrong frame length or an undecodable envelope.
var ErrMalformedPacket = errors.New("wire: malformed packet")

// ErrNonFiniteReading is returned when a reading carries NaN or an
// infinity, which have no JSON encoding. The frame itself is well
// formed.
var ErrNonFiniteReading = errors.New("wire: non-finite reading")

// RawPacket is the sensor's binary payload before timestamp
// interpretation.
type RawPacket struct {
	SensorID    int16
	Timestamp   uint64
	Temperature float32
	Pressure    float32
	Humidity    float32
}

// Reading is the canonical unit flowing through the pipeline. It is
// created once from wire bytes and never mutated, only re-serialized.
// The JSON tags and field order define the canonical "datos" encoding.
type Reading struct {
	SensorID    int16     `json:"id"`
	Timestamp   Timestamp `json:"timestamp"`
	Temperature float32   `json:"temperatura"`
	Pressure    float32   `json:"presion"`
	Humidity    float32   `json:"humedad"`
}

// Encode returns the 22-byte little-endian encoding of p.
func (p RawPacket) Encode() []byte {
	data := make([]byte, RawPacketSize)
	binary.LittleEndian.PutUint16(data[0:2], uint16(p.SensorID))
	binary.LittleEndian.PutUint64(data[2:10], p.Timestamp)
	binary.LittleEndian.PutUint32(data[10:14], math.Float32bits(p.Temperature))
	binary.LittleEndian.PutUint32(data[14:18], math.Float32bits(p.Pressure))
	binary.LittleEndian.PutUint32(data[18:22], math.Float32bits(p.Humidity))
	return data
}

// ParseRawPacket decodes exactly RawPacketSize bytes.
func ParseRawPacket(data []byte) (RawPacket, error) {
	if len(data) != RawPacketSize {
		return RawPacket{}, fmt.Errorf("%w: payload is %d bytes, want %d", ErrMalformedPacket, len(data), RawPacketSize)
	}
	return RawPacket{
		SensorID:    int16(binary.LittleEndian.Uint16(data[0:2])),
		Timestamp:   binary.LittleEndian.Uint64(data[2:10]),
		Temperature: math.Float32frombits(binary.LittleEndian.Uint32(data[10:14])),
		Pressure:    math.Float32frombits(binary.LittleEndian.Uint32(data[14:18])),
		Humidity:    math.Float32frombits(binary.LittleEndian.Uint32(data[18:22])),
	}, nil
}

// DecodeRawPacket decodes a 22-byte payload into a Reading. Only the
// length can fail it: an unparsable timestamp yields InvalidTimestamp
// and decoding continues.
func DecodeRawPacket(data []byte) (Reading, error) {
	packet, err := ParseRawPacket(data)
	if err != nil {
		return Reading{}, err
	}
	return packet.Reading(), nil
}

// Reading interprets the packet's timestamp.
func (p RawPacket) Reading() Reading {
	return Reading{
		SensorID:    p.SensorID,
		Timestamp:   ParseWireTimestamp(p.Timestamp),
		Temperature: p.Temperature,
		Pressure:    p.Pressure,
		Humidity:    p.Humidity,
	}
}

// SplitFrame splits a FrameSize sensor frame into its payload and
// signature. The returned slices alias frame.
func SplitFrame(frame []byte) (payload, signature []byte, err error) {
	if len(frame) != FrameSize {
		return nil, nil, fmt.Errorf("%w: frame is %d bytes, want %d", ErrMalformedPacket, len(frame), FrameSize)
	}
	return frame[:RawPacketSize], frame[RawPacketSize:], nil
}

// BuildFrame concatenates a payload and its signature into a sensor
// frame. Used by the sensor mock and tests.
func BuildFrame(payload, signature []byte) ([]byte, error) {
	if len(payload) != RawPacketSize || len(signature) != SignatureSize {
		return nil, fmt.Errorf("%w: payload %d bytes, signature %d bytes", ErrMalformedPacket, len(payload), len(signature))
	}
	frame := make([]byte, 0, FrameSize)
	frame = append(frame, payload...)
	return append(frame, signature...), nil
}
