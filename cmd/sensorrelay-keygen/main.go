// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sensorrelay-keygen writes RSA-2048 key pairs in the layout the
// servers read.
//
//	sensorrelay-keygen --out keys --name intermediate
//	sensorrelay-keygen --out keys --name 101 --name 102
//
// Each name produces "<name>.key" (PKCS#8, mode 0600) and "<name>.pem"
// (PKIX, mode 0644). Sensor public keys are looked up as
// "<sensorId>.pem", so sensor key pairs are named by their id.
// Existing files are not overwritten unless --force is given.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/sensorrelay/lib/process"
	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/version"
)

const binaryName = "sensorrelay-keygen"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		outDir      string
		names       []string
		force       bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&outDir, "out", "keys", "directory to write keys into (created if missing)")
	flagSet.StringArrayVar(&names, "name", nil, "key pair name: a sensor id or \"intermediate\" (repeatable)")
	flagSet.BoolVar(&force, "force", false, "overwrite existing key files")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print(binaryName)
		return nil
	}
	if len(names) == 0 {
		return fmt.Errorf("at least one --name is required")
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", outDir, err)
	}

	for _, name := range names {
		if name == "" || filepath.Base(name) != name {
			return fmt.Errorf("invalid key name %q", name)
		}
		if !force {
			if err := refuseExisting(outDir, name); err != nil {
				return err
			}
		}

		key, err := signature.GenerateKey()
		if err != nil {
			return err
		}
		privatePath, publicPath, err := signature.WriteKeyPair(outDir, name, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", signature.Fingerprint(&key.PublicKey), privatePath, publicPath)
	}
	return nil
}

func refuseExisting(dir, name string) error {
	for _, extension := range []string{".key", ".pem"} {
		path := filepath.Join(dir, name+extension)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
