// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sensorrelay-sensor-mock stands in for sensor firmware. It sends
// signed 278-byte frames to an Intermediate Server, one connection per
// frame, with readings drawn from the ranges real sensors report:
// 20-30 °C, 990-1025 hPa, 30-70 % relative humidity.
//
//	sensorrelay-sensor-mock --sensor-id 101 --key keys/101.key --target 127.0.0.1:4000
//
// The protocol has no acknowledgement, so a frame the relay rejects
// looks the same as one it accepted. Check the relay's status action
// or the Final Server's query API to see what arrived.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/process"
	"github.com/bureau-foundation/sensorrelay/lib/service"
	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/version"
	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

const binaryName = "sensorrelay-sensor-mock"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		sensorID    int16
		keyPath     string
		target      string
		interval    time.Duration
		count       int
		timeout     time.Duration
		verbose     bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.Int16Var(&sensorID, "sensor-id", 101, "sensor id written into each frame")
	flagSet.StringVar(&keyPath, "key", "", "the sensor's PEM private key (required)")
	flagSet.StringVar(&target, "target", "127.0.0.1:4000", "Intermediate Server address")
	flagSet.DurationVar(&interval, "interval", 5*time.Second, "pause between frames")
	flagSet.IntVar(&count, "count", 0, "number of frames to send; 0 sends until interrupted")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Second, "connect and write timeout per frame")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every frame")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print(binaryName)
		return nil
	}
	if keyPath == "" {
		return fmt.Errorf("--key is required")
	}
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := service.NewLogger(level)

	keyID := signature.SensorKeyID(sensorID)
	keys := signature.NewKeyStore(signature.KeyStoreConfig{
		PrivateKeys: map[string]string{keyID: keyPath},
		Logger:      logger,
	})
	if _, err := keys.PrivateKey(keyID); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mock := &sensor{
		id:     sensorID,
		signer: signature.NewSigner(keys),
		clock:  clock.Real(),
		random: rand.New(rand.NewPCG(uint64(sensorID), uint64(time.Now().UnixNano()))),
	}

	ticker := mock.clock.NewTicker(interval)
	defer ticker.Stop()

	for sent := 0; count == 0 || sent < count; sent++ {
		if sent > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		frame, packet, err := mock.frame()
		if err != nil {
			return err
		}
		if err := send(ctx, target, frame, timeout); err != nil {
			logger.Warn("frame not sent", "error", err)
			continue
		}
		logger.Debug("frame sent",
			"sensor_id", packet.SensorID,
			"timestamp", packet.Timestamp,
			"temperature", packet.Temperature,
			"pressure", packet.Pressure,
			"humidity", packet.Humidity,
		)
	}
	return nil
}

// sensor produces signed frames for one sensor id.
type sensor struct {
	id     int16
	signer *signature.Signer
	clock  clock.Clock
	random *rand.Rand
}

// frame draws a reading stamped with the current time, signs it, and
// returns the 278 bytes a sensor would send.
func (s *sensor) frame() ([]byte, wire.RawPacket, error) {
	packet := wire.RawPacket{
		SensorID:    s.id,
		Timestamp:   wire.NewTimestamp(s.clock.Now()).WireValue(),
		Temperature: s.uniform(20, 30),
		Pressure:    s.uniform(990, 1025),
		Humidity:    s.uniform(30, 70),
	}
	payload := packet.Encode()
	sig, err := s.signer.Sign(payload, signature.SensorKeyID(s.id))
	if err != nil {
		return nil, packet, err
	}
	frame, err := wire.BuildFrame(payload, sig)
	return frame, packet, err
}

// uniform returns a value in [low, high) rounded to two decimals.
func (s *sensor) uniform(low, high float64) float32 {
	value := low + s.random.Float64()*(high-low)
	return float32(float64(int(value*100)) / 100)
}

// send writes frame on a fresh connection, the way sensors do.
func send(ctx context.Context, target string, frame []byte, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}
