/*
Copyright 2025 The ktransformers Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package block

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Key is the content identity of one cache block: a chain hash over the
// block's token IDs and the key of the preceding block. Two sequences sharing
// the first k blocks verbatim produce the identical first k keys, so the key
// encodes both the block content and its prefix path.
//
// Key equality is trusted without byte re-verification; see Keyer.
type Key int64

func (k Key) String() string {
	return strconv.FormatInt(int64(k), 16)
}

// Keyer computes block keys: canonical CBOR of [parentKey, ids], SHA-256,
// first 8 bytes big-endian.
// The chain start derives from HashSeed so that separate processes sharing a
// seed compute identical keys.
type Keyer struct {
	blockLength int
	initKey     Key
	encMode     cbor.EncMode
}

// NewKeyer creates a Keyer for the given block length and hash seed.
func NewKeyer(blockLength int, hashSeed int64) (*Keyer, error) {
	if blockLength <= 0 {
		return nil, fmt.Errorf("invalid block length %d", blockLength)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	k := &Keyer{blockLength: blockLength, encMode: encMode}
	k.initKey = initKey(hashSeed)
	return k, nil
}

// initKey returns the chain start: SHA-256 of the seed's decimal string.
func initKey(seed int64) Key {
	sum := sha256.Sum256([]byte(strconv.FormatInt(seed, 10)))
	return Key(int64(binary.BigEndian.Uint64(sum[:8])))
}

// hash computes the key of one block given its parent key and token IDs.
func (k *Keyer) hash(parent Key, ids []uint32) (Key, error) {
	payload := []interface{}{int64(parent), ids}

	b, err := k.encMode.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal key payload to CBOR: %w", err)
	}

	sum := sha256.Sum256(b)
	return Key(int64(binary.BigEndian.Uint64(sum[:8]))), nil
}

// BlockLength returns the configured block length.
func (k *Keyer) BlockLength() int {
	return k.blockLength
}

// BlockKeys computes the chained keys for every full block of ids. Any
// trailing partial block is dropped.
func (k *Keyer) BlockKeys(ids []uint32) ([]Key, error) {
	prev := k.initKey

	var keys []Key
	for start := 0; start < len(ids); start += k.blockLength {
		end := start + k.blockLength
		if end > len(ids) {
			break // no partial blocks
		}

		key, err := k.hash(prev, ids[start:end])
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		prev = key
	}

	return keys, nil
}
