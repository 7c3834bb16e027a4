// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// ForwardedPacket is a decoded Intermediate → Final line: the reading
// and the relay's signature over its canonical encoding.
type ForwardedPacket struct {
	Reading   Reading
	Signature []byte
}

// SignedPayload returns the bytes the relay signed: the canonical
// re-serialization of the reading.
func (p ForwardedPacket) SignedPayload() ([]byte, error) {
	return CanonicalJSON(p.Reading)
}

type envelope struct {
	Datos json.RawMessage `json:"datos"`
	Firma string          `json:"firma"`
}

// envelopeReading is the decode-side shape of "datos". Pointers detect
// missing fields, which a plain Reading would silently zero.
type envelopeReading struct {
	SensorID    *int16     `json:"id"`
	Timestamp   *Timestamp `json:"timestamp"`
	Temperature *float32   `json:"temperatura"`
	Pressure    *float32   `json:"presion"`
	Humidity    *float32   `json:"humedad"`
}

// CanonicalJSON returns the signed encoding of r: keys in the order
// id, timestamp, temperatura, presion, humedad, no whitespace, floats
// in shortest round-trip form. A reading with a non-finite measurement
// has no encoding and returns ErrNonFiniteReading.
func CanonicalJSON(r Reading) ([]byte, error) {
	if !finite(r.Temperature) || !finite(r.Pressure) || !finite(r.Humidity) {
		return nil, fmt.Errorf("%w: sensor %d temperatura=%v presion=%v humedad=%v",
			ErrNonFiniteReading, r.SensorID, r.Temperature, r.Pressure, r.Humidity)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding reading from sensor %d: %v", ErrMalformedPacket, r.SensorID, err)
	}
	return data, nil
}

func finite(value float32) bool {
	return !math.IsNaN(float64(value)) && !math.IsInf(float64(value), 0)
}

// EncodeForwardedPacket builds one newline-terminated envelope line.
func EncodeForwardedPacket(r Reading, signature []byte) ([]byte, error) {
	datos, err := CanonicalJSON(r)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(envelope{
		Datos: datos,
		Firma: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding envelope: %v", ErrMalformedPacket, err)
	}
	return append(line, '\n'), nil
}

// DecodeForwardedPacket parses one envelope line. A trailing newline is
// tolerated. Unknown keys, missing fields, bad base64, and trailing
// data are all ErrMalformedPacket.
func DecodeForwardedPacket(line []byte) (ForwardedPacket, error) {
	var outer envelope
	if err := decodeStrict(line, &outer); err != nil {
		return ForwardedPacket{}, fmt.Errorf("%w: envelope: %v", ErrMalformedPacket, err)
	}
	if len(outer.Datos) == 0 || bytes.Equal(outer.Datos, []byte("null")) {
		return ForwardedPacket{}, fmt.Errorf("%w: envelope has no datos", ErrMalformedPacket)
	}

	var inner envelopeReading
	if err := decodeStrict(outer.Datos, &inner); err != nil {
		return ForwardedPacket{}, fmt.Errorf("%w: datos: %v", ErrMalformedPacket, err)
	}
	if inner.SensorID == nil || inner.Timestamp == nil || inner.Temperature == nil ||
		inner.Pressure == nil || inner.Humidity == nil {
		return ForwardedPacket{}, fmt.Errorf("%w: datos is missing a field", ErrMalformedPacket)
	}

	signature, err := base64.StdEncoding.DecodeString(outer.Firma)
	if err != nil {
		return ForwardedPacket{}, fmt.Errorf("%w: firma: %v", ErrMalformedPacket, err)
	}

	return ForwardedPacket{
		Reading: Reading{
			SensorID:    *inner.SensorID,
			Timestamp:   *inner.Timestamp,
			Temperature: *inner.Temperature,
			Pressure:    *inner.Pressure,
			Humidity:    *inner.Humidity,
		},
		Signature: signature,
	}, nil
}

func decodeStrict(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
