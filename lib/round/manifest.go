// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package round

import (
	"fmt"
	"os"

	"github.com/chithram/fedsync/lib/codec"
	"github.com/chithram/fedsync/lib/graph"
)

// ManifestName is the manifest's file name in the models directory.
const ManifestName = "manifest.cbor"

// Manifest describes the current global model.
type Manifest struct {
	Name string `json:"name"`

	// Version is the publication time as YYYYMMDDhhmmss in UTC.
	Version string `json:"version"`

	// Model is the global model's file name in the models directory.
	Model string `json:"model"`

	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
	Updates   int    `json:"updates"`
	UpdatedAt int64  `json:"updated_at"`
}

// ReadManifest reads a manifest written by a round.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := codec.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", path, err)
	}
	return &manifest, nil
}

// WriteManifest atomically replaces the manifest at path.
func WriteManifest(path string, manifest *Manifest) error {
	data, err := codec.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return graph.WriteFile(path, data)
}
