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
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when a handle's buffers do not match the
// tensor layout of the cache instance.
var ErrShapeMismatch = errors.New("buffer shape mismatch")

// MatchResult reports the outcome of a read.
type MatchResult struct {
	// Length is the number of leading token positions for which cached data
	// was found and copied. Always a multiple of CacheInfo.BlockLength.
	Length int
}

// Handle is the caller-facing unit of an insert or read request: an ordered
// sequence of token IDs plus one tensor buffer per layer. The buffers cover
// the IDs rounded up to whole blocks; the trailing partial block is padding
// and is never matched or stored.
type Handle struct {
	IDs []uint32
	// Data holds one contiguous buffer per layer, each sized
	// BufferBlocks(len(IDs)) * BlockBytesPerLayer.
	Data [][]byte

	Match MatchResult
}

// NewHandle allocates a zero-filled handle for the given IDs.
func NewHandle(info CacheInfo, ids []uint32) *Handle {
	blocks := info.BufferBlocks(len(ids))
	data := make([][]byte, info.NumLayers)
	for l := range data {
		data[l] = make([]byte, blocks*info.BlockBytesPerLayer())
	}
	return &Handle{IDs: ids, Data: data}
}

// Validate checks the handle's buffers against the cache layout. Shape errors
// are rejected synchronously, before any block is touched.
func (h *Handle) Validate(info CacheInfo) error {
	if len(h.Data) != info.NumLayers {
		return fmt.Errorf("%w: got %d layer buffers, want %d",
			ErrShapeMismatch, len(h.Data), info.NumLayers)
	}
	want := info.BufferBlocks(len(h.IDs)) * info.BlockBytesPerLayer()
	for l, buf := range h.Data {
		if len(buf) != want {
			return fmt.Errorf("%w: layer %d buffer is %d bytes, want %d",
				ErrShapeMismatch, l, len(buf), want)
		}
	}
	return nil
}

// BlockSlice returns the window of the given layer buffer that belongs to
// block blk.
func (h *Handle) BlockSlice(info CacheInfo, layer, blk int) []byte {
	size := info.BlockBytesPerLayer()
	return h.Data[layer][blk*size : (blk+1)*size]
}

// BlockLayers returns the per-layer windows of block blk, one slice per
// layer. The slices alias the handle's buffers.
func (h *Handle) BlockLayers(info CacheInfo, blk int) [][]byte {
	layers := make([][]byte, info.NumLayers)
	for l := range layers {
		layers[l] = h.BlockSlice(info, l, blk)
	}
	return layers
}

// BlockIDs returns the token IDs of block blk.
func (h *Handle) BlockIDs(info CacheInfo, blk int) []uint32 {
	return h.IDs[blk*info.BlockLength : (blk+1)*info.BlockLength]
}
