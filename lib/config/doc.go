// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the
// sensorrelay servers.
//
// Configuration is loaded from a single file specified by either the
// SENSORRELAY_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. Running a server without
// any file uses [Default], which carries the fixed ports and timings
// the deployed sensors expect.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${XDG_RUNTIME_DIR}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Keys, Intermediate, Final
//   - [Default] -- returns a Config with the reference deployment's values
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.ValidateIntermediate] and [Config.ValidateFinal] --
//     per-process checks that report every problem at once
//
// This package depends on no other sensorrelay packages.
package config
