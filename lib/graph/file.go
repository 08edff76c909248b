// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chithram/fedsync/lib/codec"
	"github.com/chithram/fedsync/lib/compress"
	"github.com/chithram/fedsync/lib/tensor"
)

// FileFormat identifies .fsg files. FileVersion is bumped on any
// incompatible envelope change.
const (
	FileFormat  = "fedsync.graph"
	FileVersion = 1
)

// fileEnvelope is the on-disk form of a graph.
type fileEnvelope struct {
	Format       string         `cbor:"format"`
	Version      int            `cbor:"version"`
	Graph        *Graph         `cbor:"graph"`
	Initializers []storedTensor `cbor:"initializers"`
}

// storedTensor is one initializer payload. Size is the uncompressed
// byte length and is verified on decode.
type storedTensor struct {
	Name        string       `cbor:"name"`
	DType       tensor.DType `cbor:"dtype"`
	Shape       []int        `cbor:"shape"`
	Compression compress.Tag `cbor:"compression"`
	Size        int          `cbor:"size"`
	Data        []byte       `cbor:"data"`
}

// Encode serializes g. Each initializer payload is compressed with
// compression when that shrinks it and stored verbatim otherwise.
func Encode(g *Graph, compression compress.Tag) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("encoding graph: %w", err)
	}
	envelope := fileEnvelope{
		Format:       FileFormat,
		Version:      FileVersion,
		Graph:        g,
		Initializers: make([]storedTensor, len(g.Initializers)),
	}
	for i, initializer := range g.Initializers {
		payload, tag, err := compress.Auto(initializer.Data, compression, initializer.DType.Size())
		if err != nil {
			return nil, fmt.Errorf("compressing initializer %q: %w", initializer.Name, err)
		}
		envelope.Initializers[i] = storedTensor{
			Name:        initializer.Name,
			DType:       initializer.DType,
			Shape:       initializer.Shape,
			Compression: tag,
			Size:        len(initializer.Data),
			Data:        payload,
		}
	}
	return codec.Marshal(envelope)
}

// Decode parses an encoded graph and validates it.
func Decode(data []byte) (*Graph, error) {
	var envelope fileEnvelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding graph envelope: %w", err)
	}
	if envelope.Format != FileFormat {
		return nil, fmt.Errorf("not a graph file (format %q)", envelope.Format)
	}
	if envelope.Version != FileVersion {
		return nil, fmt.Errorf("unsupported graph file version %d", envelope.Version)
	}
	if envelope.Graph == nil {
		return nil, errors.New("graph file has no graph section")
	}

	g := envelope.Graph
	g.Initializers = make([]*tensor.Tensor, len(envelope.Initializers))
	for i, stored := range envelope.Initializers {
		data, err := compress.Decompress(stored.Data, stored.Compression, stored.Size)
		if err != nil {
			return nil, fmt.Errorf("initializer %q: %w", stored.Name, err)
		}
		g.Initializers[i] = &tensor.Tensor{
			Name:  stored.Name,
			DType: stored.DType,
			Shape: stored.Shape,
			Data:  data,
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Load reads and decodes the graph file at path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return g, nil
}

// Save atomically writes g to path. A reader never observes a
// partially written file: the graph is written to a temporary file in
// the same directory and renamed into place.
func Save(path string, g *Graph, compression compress.Tag) error {
	data, err := Encode(g, compression)
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// CopyFile copies source to destination byte-for-byte, atomically.
// This is the fallback output when a training session cannot produce
// an updated graph.
func CopyFile(source, destination string) error {
	input, err := os.Open(source)
	if err != nil {
		return err
	}
	defer input.Close()

	return writeAtomicFrom(destination, input)
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	return writeAtomicFrom(path, bytes.NewReader(data))
}

func writeAtomicFrom(path string, reader io.Reader) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}

	tmpFile, err := os.CreateTemp(directory, ".fedsync-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, reader); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		return fmt.Errorf("setting mode of %s: %w", path, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}

	success = true
	return nil
}
