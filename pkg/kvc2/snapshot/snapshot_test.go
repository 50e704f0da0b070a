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

package snapshot

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/block"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/blockstore"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/iodealer"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/prefixtree"
)

func testInfo() block.CacheInfo {
	return block.CacheInfo{
		ModelName:   "qwen-test",
		BlockLength: 8,
		NumLayers:   2,
		NumKVHeads:  2,
		HeadDim:     4,
		DType:       block.F16,
	}
}

type instance struct {
	info   block.CacheInfo
	keyer  *block.Keyer
	store  *blockstore.Store
	tree   *prefixtree.Tree
	dealer *iodealer.Dealer
	engine *Engine
}

func newInstance(t *testing.T, dir string, cfg *Config) *instance {
	t.Helper()
	info := testInfo()
	keyer, err := block.NewKeyer(info.BlockLength, 0)
	require.NoError(t, err)
	store, err := blockstore.New(info, nil)
	require.NoError(t, err)
	tree := prefixtree.New(info, store)
	dealer := iodealer.New()
	dealer.Start(context.Background())
	t.Cleanup(dealer.Stop)

	return &instance{
		info:   info,
		keyer:  keyer,
		store:  store,
		tree:   tree,
		dealer: dealer,
		engine: New(dir, info, 0, cfg, tree, store, dealer),
	}
}

func (in *instance) insert(t *testing.T, blocks int, rng *rand.Rand) *block.Handle {
	t.Helper()
	ids := make([]uint32, blocks*in.info.BlockLength)
	for i := range ids {
		ids[i] = rng.Uint32() % 32000
	}
	h := block.NewHandle(in.info, ids)
	for l := range h.Data {
		rng.Read(h.Data[l])
	}

	keys, err := in.keyer.BlockKeys(ids)
	require.NoError(t, err)
	require.NoError(t, in.tree.Insert(context.Background(), keys, h))
	return h
}

func (in *instance) verify(t *testing.T, h *block.Handle) {
	t.Helper()
	keys, err := in.keyer.BlockKeys(h.IDs)
	require.NoError(t, err)
	matched := in.tree.Lookup(context.Background(), keys)
	require.Len(t, matched, len(keys))

	for i, id := range matched {
		dst := make([][]byte, in.info.NumLayers)
		for l := range dst {
			dst[l] = make([]byte, in.info.BlockBytesPerLayer())
		}
		require.NoError(t, in.store.Read(context.Background(), id, dst))
		assert.Equal(t, h.BlockLayers(in.info, i), dst, "block %d", i)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, cfg := range []*Config{
		{Compression: blockstore.CompressionNone},
		{Compression: blockstore.CompressionLZ4},
	} {
		t.Run(string(cfg.Compression), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			rng := rand.New(rand.NewSource(1))

			src := newInstance(t, dir, cfg)
			h1 := src.insert(t, 4, rng)
			h2 := src.insert(t, 6, rng)
			require.NoError(t, src.engine.Save(ctx))

			dst := newInstance(t, dir, cfg)
			require.NoError(t, dst.engine.Load(ctx))

			assert.Equal(t, src.tree.Stats(), dst.tree.Stats())
			dst.verify(t, h1)
			dst.verify(t, h2)
		})
	}
}

func TestSaveIsReachableOnlyAndRepeatable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(2))

	src := newInstance(t, dir, nil)
	h1 := src.insert(t, 4, rng)
	require.NoError(t, src.engine.Save(ctx))

	// Inserting more and saving again replaces the snapshot in place. The
	// second save reads the first snapshot's disk extents back through the
	// dealer.
	h2 := src.insert(t, 4, rng)
	require.NoError(t, src.engine.Save(ctx))

	dst := newInstance(t, dir, nil)
	require.NoError(t, dst.engine.Load(ctx))
	dst.verify(t, h1)
	dst.verify(t, h2)
}

func TestLoadMissingMetadata(t *testing.T) {
	in := newInstance(t, t.TempDir(), nil)
	err := in.engine.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptMetadata)
}

func TestLoadCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(3))

	src := newInstance(t, dir, nil)
	src.insert(t, 3, rng)
	require.NoError(t, src.engine.Save(ctx))

	metaPath := filepath.Join(dir, MetadataFile)
	good, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	cases := map[string][]byte{
		"truncated": good[:10],
		"bad magic": append([]byte{0, 0, 0, 0}, good[4:]...),
		"flipped payload bit": func() []byte {
			b := append([]byte(nil), good...)
			b[len(b)-1] ^= 0xFF
			return b
		}(),
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(metaPath, corrupt, 0o644))

			dst := newInstance(t, dir, nil)
			err := dst.engine.Load(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorruptMetadata)
		})
	}
}

func TestLoadCorruptPayload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(4))

	src := newInstance(t, dir, &Config{Compression: blockstore.CompressionNone})
	h := src.insert(t, 2, rng)
	require.NoError(t, src.engine.Save(ctx))

	// Flip a byte in the payload file; the checksum catches it on read.
	payloadPath := src.engine.PayloadPath()
	raw, err := os.ReadFile(payloadPath)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(payloadPath, raw, 0o644))

	dst := newInstance(t, dir, nil)
	require.NoError(t, dst.engine.Load(ctx))

	keys, err := dst.keyer.BlockKeys(h.IDs)
	require.NoError(t, err)
	matched := dst.tree.Lookup(ctx, keys)
	require.Len(t, matched, 2)

	buf := make([][]byte, dst.info.NumLayers)
	for l := range buf {
		buf[l] = make([]byte, dst.info.BlockBytesPerLayer())
	}
	err = dst.store.Read(ctx, matched[0], buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, blockstore.ErrCorruptPayload)
}

func TestLoadMissingPayloadFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(10))

	src := newInstance(t, dir, nil)
	src.insert(t, 3, rng)
	require.NoError(t, src.engine.Save(ctx))
	require.NoError(t, os.Remove(src.engine.PayloadPath()))

	dst := newInstance(t, dir, nil)
	err := dst.engine.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptMetadata)
}

func TestLoadTruncatedPayloadFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(11))

	src := newInstance(t, dir, nil)
	src.insert(t, 3, rng)
	require.NoError(t, src.engine.Save(ctx))

	payloadPath := src.engine.PayloadPath()
	fi, err := os.Stat(payloadPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(payloadPath, fi.Size()/2))

	dst := newInstance(t, dir, nil)
	err = dst.engine.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptMetadata)
}

// A payload generation written by a save that never committed its index must
// not shadow the live snapshot, and is collected on the next load.
func TestAbandonedPayloadGenerationIsIgnored(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(12))

	src := newInstance(t, dir, nil)
	h := src.insert(t, 3, rng)
	require.NoError(t, src.engine.Save(ctx))

	abandoned := filepath.Join(dir, "payload.ffffffffffffffff.kvc2")
	require.NoError(t, os.WriteFile(abandoned, []byte("half-written save"), 0o644))

	dst := newInstance(t, dir, nil)
	require.NoError(t, dst.engine.Load(ctx))
	dst.verify(t, h)

	assert.Equal(t, src.engine.PayloadPath(), dst.engine.PayloadPath())
	_, err := os.Stat(abandoned)
	assert.True(t, os.IsNotExist(err))
}

// A committed save supersedes the previous payload generation and removes it.
func TestSaveCollectsSupersededGeneration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(13))

	src := newInstance(t, dir, nil)
	h := src.insert(t, 3, rng)
	require.NoError(t, src.engine.Save(ctx))
	firstGen := src.engine.PayloadPath()

	src.insert(t, 3, rng)
	require.NoError(t, src.engine.Save(ctx))
	secondGen := src.engine.PayloadPath()

	assert.NotEqual(t, firstGen, secondGen)
	_, err := os.Stat(firstGen)
	assert.True(t, os.IsNotExist(err))

	// Reads of the pre-existing blocks follow the new generation.
	src.verify(t, h)
}

func TestLoadInfoMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(5))

	src := newInstance(t, dir, nil)
	src.insert(t, 2, rng)
	require.NoError(t, src.engine.Save(ctx))

	other := testInfo()
	other.NumLayers++
	store, err := blockstore.New(other, nil)
	require.NoError(t, err)
	dealer := iodealer.New()
	dealer.Start(ctx)
	t.Cleanup(dealer.Stop)

	engine := New(dir, other, 0, nil, prefixtree.New(other, store), store, dealer)
	err = engine.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptMetadata)
}

func TestFailedSaveKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(6))

	src := newInstance(t, dir, nil)
	h := src.insert(t, 3, rng)
	require.NoError(t, src.engine.Save(ctx))

	// A save over a stopped dealer fails; the snapshot on disk stays valid.
	src.insert(t, 3, rng)
	src.dealer.Stop()
	require.Error(t, src.engine.Save(ctx))

	dst := newInstance(t, dir, nil)
	require.NoError(t, dst.engine.Load(ctx))
	dst.verify(t, h)
}

func TestEmptySaveLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := newInstance(t, dir, nil)
	require.NoError(t, src.engine.Save(ctx))

	dst := newInstance(t, dir, nil)
	require.NoError(t, dst.engine.Load(ctx))
	assert.Zero(t, dst.tree.Stats().Nodes)
}
