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

package kvc2

import (
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/block"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/blockstore"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/snapshot"
)

// Config holds the configuration for one KVC2 instance. The configuration
// covers the different components composed by the facade.
type Config struct {
	// Path is the on-disk cache directory.
	Path string `json:"path"`
	// CacheInfo describes the tensor layout. Supplied by the model runtime.
	CacheInfo block.CacheInfo `json:"cacheInfo"`
	// HashSeed prefixes the block key chain. Instances must share a seed to
	// share snapshots.
	HashSeed int64 `json:"hashSeed"`

	BlockStoreConfig *blockstore.Config `json:"blockStoreConfig"`
	SnapshotConfig   *snapshot.Config   `json:"snapshotConfig"`
}

// NewDefaultConfig returns a default configuration. Path and CacheInfo must
// be filled in by the caller.
func NewDefaultConfig() *Config {
	return &Config{
		BlockStoreConfig: blockstore.DefaultConfig(),
		SnapshotConfig:   snapshot.DefaultConfig(),
	}
}
