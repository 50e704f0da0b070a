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

// Package block defines the data model of the KV cache engine: the static
// tensor layout (CacheInfo), the caller-facing request unit (Handle) and the
// content identity of cache blocks (Key).
package block

import (
	"fmt"

	"github.com/Sakura-Byte/ktransformers/pkg/utils"
)

// DType identifies the element type of the cached tensors.
type DType string

const (
	F16  DType = "F16"
	BF16 DType = "BF16"
	F32  DType = "F32"
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	case F32:
		return 4
	default:
		return 0
	}
}

// CacheInfo is the static description of one cache instance. It is supplied
// by the model runtime and immutable for the lifetime of a KVC2 instance.
type CacheInfo struct {
	ModelName string `json:"modelName"`
	// BlockLength is the number of token positions per cache block.
	BlockLength int `json:"blockLength"`
	// NumLayers is the number of transformer layers with a KV cache.
	NumLayers  int   `json:"numLayers"`
	NumKVHeads int   `json:"numKVHeads"`
	HeadDim    int   `json:"headDim"`
	DType      DType `json:"dtype"`
}

// Validate checks that the layout describes a non-empty tensor shape.
func (ci *CacheInfo) Validate() error {
	if ci.BlockLength <= 0 {
		return fmt.Errorf("invalid block length %d", ci.BlockLength)
	}
	if ci.NumLayers <= 0 || ci.NumKVHeads <= 0 || ci.HeadDim <= 0 {
		return fmt.Errorf("invalid tensor layout: layers=%d kv-heads=%d head-dim=%d",
			ci.NumLayers, ci.NumKVHeads, ci.HeadDim)
	}
	if ci.DType.Size() == 0 {
		return fmt.Errorf("unknown dtype %q", ci.DType)
	}
	return nil
}

// TokenBytesPerLayer returns the bytes one token position occupies in one
// layer, counting both the K and the V tensor.
func (ci CacheInfo) TokenBytesPerLayer() int {
	return 2 * ci.NumKVHeads * ci.HeadDim * ci.DType.Size()
}

// BlockBytesPerLayer returns the payload size of one block in one layer.
func (ci CacheInfo) BlockBytesPerLayer() int {
	return ci.BlockLength * ci.TokenBytesPerLayer()
}

// LayerShape returns the logical tensor shape of one block within one layer:
// [K/V, BlockLength, NumKVHeads, HeadDim].
func (ci CacheInfo) LayerShape() [4]int {
	return [4]int{2, ci.BlockLength, ci.NumKVHeads, ci.HeadDim}
}

// BlockBytes returns the total payload size of one block across all layers.
func (ci CacheInfo) BlockBytes() int {
	return ci.NumLayers * ci.BlockBytesPerLayer()
}

// FullBlocks returns the number of complete blocks covered by n token
// positions. The trailing partial block, if any, is dropped.
func (ci CacheInfo) FullBlocks(n int) int {
	return n / ci.BlockLength
}

// BufferBlocks returns the number of blocks a caller buffer must cover for n
// token positions, rounding the trailing partial block up.
func (ci CacheInfo) BufferBlocks(n int) int {
	return utils.Ceil(n, ci.BlockLength)
}
