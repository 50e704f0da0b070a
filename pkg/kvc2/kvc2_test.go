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
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/block"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/snapshot"
)

func testConfig(dir string) *Config {
	cfg := NewDefaultConfig()
	cfg.Path = dir
	cfg.CacheInfo = block.CacheInfo{
		ModelName:   "qwen-test",
		BlockLength: 10,
		NumLayers:   4,
		NumKVHeads:  2,
		HeadDim:     8,
		DType:       block.F16,
	}
	return cfg
}

func newCache(t *testing.T, dir string) *KVC2 {
	t.Helper()
	ctx := context.Background()
	k, err := New(ctx, testConfig(dir))
	require.NoError(t, err)
	k.Start(ctx)
	t.Cleanup(func() { _ = k.Close(ctx) })
	return k
}

func randomHandle(info block.CacheInfo, tokens int, rng *rand.Rand) *block.Handle {
	ids := make([]uint32, tokens)
	for i := range ids {
		ids[i] = rng.Uint32() % 152064
	}
	h := block.NewHandle(info, ids)
	for l := range h.Data {
		rng.Read(h.Data[l])
	}
	return h
}

// emptyHandle builds a handle with the given IDs and zeroed buffers, ready to
// receive payloads from Read.
func emptyHandle(info block.CacheInfo, ids []uint32) *block.Handle {
	return block.NewHandle(info, ids)
}

func requireMatchedData(t *testing.T, info block.CacheInfo, got, want *block.Handle, blocks int) {
	t.Helper()
	for b := 0; b < blocks; b++ {
		assert.Equal(t, want.BlockLayers(info, b), got.BlockLayers(info, b), "block %d", b)
	}
}

func TestInsertReadExactMatch(t *testing.T) {
	ctx := context.Background()
	k := newCache(t, t.TempDir())
	info := k.config.CacheInfo
	rng := rand.New(rand.NewSource(1))

	h := randomHandle(info, 5*info.BlockLength, rng)
	require.NoError(t, k.Insert(ctx, h))

	out := emptyHandle(info, h.IDs)
	require.NoError(t, k.Read(ctx, out))
	assert.Equal(t, 5*info.BlockLength, out.Match.Length)
	requireMatchedData(t, info, out, h, 5)
}

func TestReadIgnoresPartialTailBlock(t *testing.T) {
	ctx := context.Background()
	k := newCache(t, t.TempDir())
	info := k.config.CacheInfo
	rng := rand.New(rand.NewSource(2))

	h := randomHandle(info, 3*info.BlockLength, rng)
	require.NoError(t, k.Insert(ctx, h))

	// Two full blocks plus half a block of matching IDs: the partial tail
	// never participates in matching.
	partial := emptyHandle(info, h.IDs[:2*info.BlockLength+info.BlockLength/2])
	require.NoError(t, k.Read(ctx, partial))
	assert.Equal(t, 2*info.BlockLength, partial.Match.Length)
}

func TestReadResetsPreviousMatch(t *testing.T) {
	ctx := context.Background()
	k := newCache(t, t.TempDir())
	info := k.config.CacheInfo
	rng := rand.New(rand.NewSource(3))

	h := randomHandle(info, 2*info.BlockLength, rng)
	require.NoError(t, k.Insert(ctx, h))

	out := emptyHandle(info, h.IDs)
	require.NoError(t, k.Read(ctx, out))
	require.Equal(t, 2*info.BlockLength, out.Match.Length)

	// Reusing the handle against unrelated IDs must not leave a stale match.
	miss := randomHandle(info, 2*info.BlockLength, rng)
	out.IDs = miss.IDs
	require.NoError(t, k.Read(ctx, out))
	assert.Zero(t, out.Match.Length)
}

func TestShapeValidation(t *testing.T) {
	ctx := context.Background()
	k := newCache(t, t.TempDir())
	info := k.config.CacheInfo

	h := block.NewHandle(info, make([]uint32, info.BlockLength))
	h.Data = h.Data[:info.NumLayers-1]
	assert.ErrorIs(t, k.Insert(ctx, h), block.ErrShapeMismatch)
	assert.ErrorIs(t, k.Read(ctx, h), block.ErrShapeMismatch)
}

func TestNewRejectsBadConfig(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, nil)
	assert.Error(t, err)

	cfg := testConfig(t.TempDir())
	cfg.CacheInfo.BlockLength = 0
	_, err = New(ctx, cfg)
	assert.Error(t, err)
}

func TestLoadWithoutSnapshotFails(t *testing.T) {
	k := newCache(t, t.TempDir())
	err := k.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrCorruptMetadata)
}

// TestSaveLoadScenario exercises the full lifecycle: fill a cache with ten
// sequences of ten blocks each, save, tear the instance down, load into a
// fresh instance and check the match semantics from the other side.
func TestSaveLoadScenario(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(42))

	const numHandles = 10
	const numBlocks = 10

	first := newCache(t, dir)
	info := first.config.CacheInfo

	handles := make([]*block.Handle, numHandles)
	for i := range handles {
		handles[i] = randomHandle(info, numBlocks*info.BlockLength, rng)
		require.NoError(t, first.Insert(ctx, handles[i]))
	}
	require.NoError(t, first.Save(ctx))
	first.Debug(ctx)
	require.NoError(t, first.Close(ctx))

	second := newCache(t, dir)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, numHandles*numBlocks, second.TreeStats().Nodes)

	// Exact IDs of a saved handle match in full.
	h := handles[3]
	out := emptyHandle(info, h.IDs)
	require.NoError(t, second.Read(ctx, out))
	assert.Equal(t, numBlocks*info.BlockLength, out.Match.Length)
	requireMatchedData(t, info, out, h, numBlocks)

	// A three block prefix matches three blocks.
	out = emptyHandle(info, h.IDs[:3*info.BlockLength])
	require.NoError(t, second.Read(ctx, out))
	assert.Equal(t, 3*info.BlockLength, out.Match.Length)
	requireMatchedData(t, info, out, h, 3)

	// Five saved blocks followed by random IDs match exactly five blocks.
	mixed := make([]uint32, numBlocks*info.BlockLength)
	copy(mixed, h.IDs[:5*info.BlockLength])
	for i := 5 * info.BlockLength; i < len(mixed); i++ {
		mixed[i] = rng.Uint32() % 152064
	}
	out = emptyHandle(info, mixed)
	require.NoError(t, second.Read(ctx, out))
	assert.Equal(t, 5*info.BlockLength, out.Match.Length)
	requireMatchedData(t, info, out, h, 5)

	// Entirely random IDs match nothing.
	out = emptyHandle(info, randomHandle(info, numBlocks*info.BlockLength, rng).IDs)
	require.NoError(t, second.Read(ctx, out))
	assert.Zero(t, out.Match.Length)

	// Insert a new handle branching off handles[3] after five blocks. The
	// shared prefix reuses loaded disk blocks, the suffix lives in memory.
	branch := randomHandle(info, numBlocks*info.BlockLength, rng)
	copy(branch.IDs[:5*info.BlockLength], h.IDs[:5*info.BlockLength])
	require.NoError(t, second.Insert(ctx, branch))
	assert.Equal(t, numHandles*numBlocks+5, second.TreeStats().Nodes)

	// Reading the branch's first seven blocks plus one stray ID matches the
	// seven blocks: five from the snapshot, two freshly inserted.
	readIDs := append([]uint32{}, branch.IDs[:7*info.BlockLength]...)
	readIDs = append(readIDs, rng.Uint32()%152064)
	out = emptyHandle(info, readIDs)
	require.NoError(t, second.Read(ctx, out))
	assert.Equal(t, 7*info.BlockLength, out.Match.Length)
	for b := 0; b < 5; b++ {
		assert.Equal(t, h.BlockLayers(info, b), out.BlockLayers(info, b), "snapshot block %d", b)
	}
	for b := 5; b < 7; b++ {
		assert.Equal(t, branch.BlockLayers(info, b), out.BlockLayers(info, b), "fresh block %d", b)
	}
}

func TestSaveAfterLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(7))

	first := newCache(t, dir)
	info := first.config.CacheInfo

	h1 := randomHandle(info, 4*info.BlockLength, rng)
	require.NoError(t, first.Insert(ctx, h1))
	require.NoError(t, first.Save(ctx))
	require.NoError(t, first.Close(ctx))

	// Load, add a sequence, save again. The second snapshot must carry both
	// the disk-resident and the fresh blocks.
	second := newCache(t, dir)
	require.NoError(t, second.Load(ctx))
	h2 := randomHandle(info, 4*info.BlockLength, rng)
	require.NoError(t, second.Insert(ctx, h2))
	require.NoError(t, second.Save(ctx))
	require.NoError(t, second.Close(ctx))

	third := newCache(t, dir)
	require.NoError(t, third.Load(ctx))
	for _, h := range []*block.Handle{h1, h2} {
		out := emptyHandle(info, h.IDs)
		require.NoError(t, third.Read(ctx, out))
		assert.Equal(t, 4*info.BlockLength, out.Match.Length)
		requireMatchedData(t, info, out, h, 4)
	}
}

func TestHashSeedPartitionsSnapshots(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(8))

	cfg := testConfig(dir)
	cfg.HashSeed = 1
	first, err := New(ctx, cfg)
	require.NoError(t, err)
	first.Start(ctx)

	h := randomHandle(first.config.CacheInfo, 2*cfg.CacheInfo.BlockLength, rng)
	require.NoError(t, first.Insert(ctx, h))
	require.NoError(t, first.Save(ctx))
	require.NoError(t, first.Close(ctx))

	// A different seed produces incompatible keys; the load is refused
	// instead of serving silently wrong matches.
	other := testConfig(dir)
	other.HashSeed = 2
	second, err := New(ctx, other)
	require.NoError(t, err)
	second.Start(ctx)
	defer func() { _ = second.Close(ctx) }()

	err = second.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrCorruptMetadata)
}
