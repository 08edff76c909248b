// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/chithram/fedsync/lib/compress"
)

// Hash is a 32-byte BLAKE3 model digest.
type Hash [32]byte

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses the hex form produced by [Hash.String].
func ParseHash(text string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return h, fmt.Errorf("parsing model digest: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("model digest is %d bytes, want %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}

// digestDomainKey separates model digests from any other BLAKE3 use of
// the same bytes. Changing it changes every model's identity.
var digestDomainKey = [32]byte{
	'f', 'e', 'd', 's', 'y', 'n', 'c', '.', 'g', 'r', 'a', 'p', 'h', 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Digest returns the identity of g: a keyed BLAKE3 hash of its
// uncompressed encoding. Two graphs with equal digests have identical
// nodes and initializer bytes.
func Digest(g *Graph) (Hash, error) {
	data, err := Encode(g, compress.None)
	if err != nil {
		return Hash{}, err
	}
	hasher, err := blake3.NewKeyed(digestDomainKey[:])
	if err != nil {
		return Hash{}, fmt.Errorf("creating digest hasher: %w", err)
	}
	hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, nil
}
