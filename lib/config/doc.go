// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the warden master.
//
// Configuration is loaded from a single YAML file passed on the command
// line. There is no automatic discovery and there are no hidden
// overrides: what the file says, plus documented defaults, is what
// runs.
package config
