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

// Package kvc2 is the entry point of the block-chunked, prefix-sharing KV
// cache engine. It composes the prefix tree, the block store, the I/O dealer
// and the persistence engine, and exposes Insert, Read, Save and Load to the
// model runtime.
package kvc2

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"k8s.io/klog/v2"

	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/block"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/blockstore"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/iodealer"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/metrics"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/prefixtree"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/snapshot"
	"github.com/Sakura-Byte/ktransformers/pkg/telemetry"
	"github.com/Sakura-Byte/ktransformers/pkg/utils/logging"
)

// KVC2 is one cache instance. Construct with New, call Start before the
// first disk-touching operation and Close before discarding the instance;
// Close drains the I/O dealer, which makes a completed Save durable.
type KVC2 struct {
	config *Config

	keyer  *block.Keyer        // turns token IDs into chained block keys
	store  *blockstore.Store   // owns block payload bytes
	tree   *prefixtree.Tree    // longest-prefix index over block keys
	dealer *iodealer.Dealer    // serializes all disk I/O
	snap   *snapshot.Engine    // save/load of tree + payloads
}

// New creates a KVC2 instance rooted at config.Path.
func New(ctx context.Context, config *Config) (*KVC2, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("cache directory path is required")
	}
	if err := config.CacheInfo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache info: %w", err)
	}
	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	keyer, err := block.NewKeyer(config.CacheInfo.BlockLength, config.HashSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create block keyer: %w", err)
	}

	store, err := blockstore.New(config.CacheInfo, config.BlockStoreConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create block store: %w", err)
	}

	tree := prefixtree.New(config.CacheInfo, store)
	dealer := iodealer.New()
	snap := snapshot.New(config.Path, config.CacheInfo, config.HashSeed,
		config.SnapshotConfig, tree, store, dealer)

	klog.FromContext(ctx).V(logging.DEBUG).Info("created kvc2 instance",
		"path", config.Path, "model", config.CacheInfo.ModelName,
		"layer-shape", config.CacheInfo.LayerShape(),
		"block-length", config.CacheInfo.BlockLength)

	return &KVC2{
		config: config,
		keyer:  keyer,
		store:  store,
		tree:   tree,
		dealer: dealer,
		snap:   snap,
	}, nil
}

// Start spawns the I/O worker. Must be called once before Save, Load or any
// read that touches disk.
func (k *KVC2) Start(ctx context.Context) {
	k.dealer.Start(ctx)
}

// Close drains all pending I/O and stops the worker. Requests submitted
// afterwards fail fast.
func (k *KVC2) Close(ctx context.Context) error {
	k.dealer.Stop()
	klog.FromContext(ctx).V(logging.DEBUG).Info("kvc2 instance closed", "path", k.config.Path)
	return nil
}

// Insert stores every full block of the handle that is not already cached.
// The trailing partial block is ignored. On allocation failure the insert
// stops, but blocks published earlier in the same call remain valid.
func (k *KVC2) Insert(ctx context.Context, h *block.Handle) error {
	ctx, span := telemetry.Tracer().Start(ctx, "kvc2.Insert")
	defer span.End()

	if err := h.Validate(k.config.CacheInfo); err != nil {
		return err
	}

	keys, err := k.keyer.BlockKeys(h.IDs)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	span.SetAttributes(attribute.Int("blocks", len(keys)))

	if err := k.tree.Insert(ctx, keys, h); err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("inserted handle",
		"ids", len(h.IDs), "blocks", len(keys))
	return nil
}

// Read matches the handle's IDs against the cache and copies the payload of
// every matched block into the handle's buffers. On return h.Match.Length
// holds the number of matched token positions, always a multiple of the
// block length; buffers past the match are untouched.
func (k *KVC2) Read(ctx context.Context, h *block.Handle) error {
	ctx, span := telemetry.Tracer().Start(ctx, "kvc2.Read")
	defer span.End()

	metrics.LookupRequests.Inc()
	timer := time.Now()
	defer func() {
		metrics.LookupLatency.Observe(time.Since(timer).Seconds())
	}()

	h.Match = block.MatchResult{}
	if err := h.Validate(k.config.CacheInfo); err != nil {
		return err
	}

	keys, err := k.keyer.BlockKeys(h.IDs)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	matched := k.tree.Lookup(ctx, keys)
	metrics.BlockLookupResults.WithLabelValues("hit").Add(float64(len(matched)))
	metrics.BlockLookupResults.WithLabelValues("miss").Add(float64(len(keys) - len(matched)))
	span.SetAttributes(
		attribute.Int("blocks", len(keys)),
		attribute.Int("matched", len(matched)),
	)

	for i, id := range matched {
		if err := k.store.Read(ctx, id, h.BlockLayers(k.config.CacheInfo, i)); err != nil {
			return fmt.Errorf("read block %d: %w", i, err)
		}
	}

	h.Match.Length = len(matched) * k.config.CacheInfo.BlockLength
	klog.FromContext(ctx).V(logging.TRACE).Info("read handle",
		"ids", len(h.IDs), "match-length", h.Match.Length)
	return nil
}

// Save persists the current cache state to the cache directory. A failed
// save leaves any previous snapshot intact.
func (k *KVC2) Save(ctx context.Context) error {
	ctx, span := telemetry.Tracer().Start(ctx, "kvc2.Save")
	defer span.End()

	timer := time.Now()
	err := k.snap.Save(ctx)
	metrics.SnapshotLatency.WithLabelValues("save").Observe(time.Since(timer).Seconds())
	return err
}

// Load restores cache state from the cache directory. Load is expected to be
// the first operation on a fresh instance; after a failed load the in-memory
// state is undefined.
func (k *KVC2) Load(ctx context.Context) error {
	ctx, span := telemetry.Tracer().Start(ctx, "kvc2.Load")
	defer span.End()

	timer := time.Now()
	err := k.snap.Load(ctx)
	metrics.SnapshotLatency.WithLabelValues("load").Observe(time.Since(timer).Seconds())
	return err
}

// Debug logs the prefix tree shape. Read-only.
func (k *KVC2) Debug(ctx context.Context) {
	k.tree.Debug(ctx)
}

// TreeStats reports the prefix tree shape for diagnostics.
func (k *KVC2) TreeStats() prefixtree.Stats {
	return k.tree.Stats()
}

// Dir returns the cache directory of this instance.
func (k *KVC2) Dir() string {
	return k.config.Path
}

// PayloadPath returns the live snapshot payload file, empty before the first
// save or load.
func (k *KVC2) PayloadPath() string {
	return k.snap.PayloadPath()
}
