// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads fedsync configuration.
//
// Configuration comes from a single file named by the --config flag or
// the FEDSYNC_CONFIG environment variable. There is no discovery and
// no per-field environment override; without a file every value comes
// from [Default]. Files ending in .json or .jsonc are parsed as JSON
// with comments, anything else as YAML.
//
// Path fields expand ${HOME}, ${FEDSYNC_ROOT} and ${VAR:-default}
// after loading. [Config.Validate] reports every invalid field at once.
package config
