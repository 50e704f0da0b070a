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

// Package snapshot persists the prefix tree and every reachable block payload
// to the cache directory, and reconstructs both on load.
//
// On-disk layout:
//
//	payload.<gen>.kvc2  concatenated block payloads of one save, streamed
//	                    through the I/O dealer under a per-save unique name
//	index.kvc2          Magic (4 bytes)
//	                    Version (4 bytes)
//	                    Checksum (4 bytes) - CRC32 of payload
//	                    PayloadLength (4 bytes)
//	                    Payload: msgpack document (cache info, hash seed,
//	                    payload file name, node table)
//
// The index rename is the single commit point: the payload file of a save is
// invisible until the index referencing it by name is renamed into place, so
// a crash mid-save leaves the previous snapshot fully loadable. Payload
// generations no longer referenced by the index are collected on the next
// save or load.
package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/block"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/blockstore"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/iodealer"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/prefixtree"
	"github.com/Sakura-Byte/ktransformers/pkg/utils"
	"github.com/Sakura-Byte/ktransformers/pkg/utils/logging"
)

const (
	// MetadataFile is the name of the index file inside the cache directory.
	MetadataFile = "index.kvc2"
	// payloadGlob matches every payload generation in the cache directory.
	payloadGlob = "payload.*.kvc2"

	binaryMagic   = 0x4B564332 // "KVC2"
	binaryVersion = 2

	headerSize = 16
)

// ErrCorruptMetadata is returned when the index file is missing, truncated or
// fails validation.
var ErrCorruptMetadata = errors.New("corrupt snapshot metadata")

// Config holds the persistence settings.
type Config struct {
	// Compression selects the payload encoding. Incompressible blocks are
	// stored raw regardless.
	Compression blockstore.Compression `json:"compression"`
}

// DefaultConfig returns the default persistence configuration.
func DefaultConfig() *Config {
	return &Config{Compression: blockstore.CompressionLZ4}
}

// metadata is the msgpack document of the index file. Payload names the
// payload generation the node extents address.
type metadata struct {
	Info     block.CacheInfo
	HashSeed int64
	Payload  string
	Nodes    []nodeMeta
}

// nodeMeta is one prefix tree node plus the disk extent of its payload.
type nodeMeta struct {
	Parent      int
	Key         int64
	IDs         []uint32
	Offset      int64
	Length      int64
	RawLength   int64
	Checksum    uint64
	Compression string
}

// Engine is the persistence engine of one cache instance. Save and Load are
// not safe for concurrent use with each other.
type Engine struct {
	dir  string
	info block.CacheInfo
	seed int64
	cfg  Config

	tree   *prefixtree.Tree
	store  *blockstore.Store
	dealer *iodealer.Dealer

	// payload is the live payload generation, set by a committed Save or a
	// successful Load.
	payload string
}

// New creates an Engine bound to the given cache directory and components.
func New(dir string, info block.CacheInfo, hashSeed int64, cfg *Config,
	tree *prefixtree.Tree, store *blockstore.Store, dealer *iodealer.Dealer,
) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		dir:    dir,
		info:   info,
		seed:   hashSeed,
		cfg:    *cfg,
		tree:   tree,
		store:  store,
		dealer: dealer,
	}
}

// payloadChunk is one encoded block on its way to the payload file.
type payloadChunk struct {
	data []byte
	ext  blockstore.DiskExtent
}

// Save serializes the tree topology and every reachable block payload.
// Superseded branches that are no longer reachable are not persisted.
func (e *Engine) Save(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("snapshot")
	nodes := e.tree.Export()

	// Each save writes a fresh payload generation. The file stays unreferenced
	// until the index commit below, so a crash anywhere in between leaves the
	// previous snapshot untouched.
	payloadPath := filepath.Join(e.dir,
		fmt.Sprintf("payload.%016x.kvc2", time.Now().UnixNano()))
	metaPath := filepath.Join(e.dir, MetadataFile)
	metaTmp := metaPath + ".tmp"

	// A node owns its block exclusively; a handle showing up twice means the
	// tree invariant is broken and the snapshot would alias payloads.
	seen := sets.New(utils.SliceMap(nodes, func(n prefixtree.NodeInfo) blockstore.ID {
		return n.BlockID
	})...)
	if seen.Len() != len(nodes) {
		return fmt.Errorf("save: %d nodes share %d blocks", len(nodes), seen.Len())
	}

	exts := make([]blockstore.DiskExtent, len(nodes))

	// Producer encodes blocks and assigns offsets; the writer streams them
	// through the dealer. Physical write order stays sequential.
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan payloadChunk, 4)

	g.Go(func() error {
		defer close(chunks)
		var offset int64
		for i, n := range nodes {
			raw, err := e.store.Payload(gctx, n.BlockID)
			if err != nil {
				return fmt.Errorf("save: payload of block %d: %w", n.BlockID, err)
			}

			data, compression := e.encode(raw)
			ext := blockstore.DiskExtent{
				Offset:      offset,
				Length:      int64(len(data)),
				RawLength:   int64(len(raw)),
				Checksum:    xxhash.Sum64(raw),
				Compression: compression,
			}
			exts[i] = ext
			offset += ext.Length

			select {
			case chunks <- payloadChunk{data: data, ext: ext}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for chunk := range chunks {
			if err := e.dealer.WriteAt(gctx, payloadPath, chunk.ext.Offset, chunk.data); err != nil {
				return fmt.Errorf("save: write payload: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		e.discardTmp(ctx, payloadPath)
		return err
	}

	// The flush also creates the generation file of an empty snapshot.
	if err := e.dealer.Flush(ctx, payloadPath); err != nil {
		e.discardTmp(ctx, payloadPath)
		return fmt.Errorf("save: flush payload: %w", err)
	}

	meta := metadata{
		Info:     e.info,
		HashSeed: e.seed,
		Payload:  filepath.Base(payloadPath),
		Nodes:    make([]nodeMeta, len(nodes)),
	}
	for i, n := range nodes {
		meta.Nodes[i] = nodeMeta{
			Parent:      n.Parent,
			Key:         int64(n.Key),
			IDs:         n.IDs,
			Offset:      exts[i].Offset,
			Length:      exts[i].Length,
			RawLength:   exts[i].RawLength,
			Checksum:    exts[i].Checksum,
			Compression: string(exts[i].Compression),
		}
	}

	buf, err := encodeMetadata(&meta)
	if err != nil {
		e.discardTmp(ctx, payloadPath)
		return fmt.Errorf("save: %w", err)
	}
	if err := e.dealer.WriteAt(ctx, metaTmp, 0, buf); err != nil {
		e.discardTmp(ctx, payloadPath, metaTmp)
		return fmt.Errorf("save: write metadata: %w", err)
	}
	if err := e.dealer.Flush(ctx, metaTmp); err != nil {
		e.discardTmp(ctx, payloadPath, metaTmp)
		return fmt.Errorf("save: flush metadata: %w", err)
	}

	// Drop cached handles so the rename cannot race later requests against
	// stale inodes. The rename is the commit point.
	for _, p := range []string{metaTmp, metaPath} {
		if err := e.dealer.Close(ctx, p); err != nil {
			e.discardTmp(ctx, payloadPath, metaTmp)
			return fmt.Errorf("save: %w", err)
		}
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		e.discardTmp(ctx, payloadPath, metaTmp)
		return fmt.Errorf("save: finalize metadata: %w", err)
	}

	// The snapshot doubles as the disk tier: repoint every saved block at the
	// new generation in one step, then drop superseded generations.
	extByID := make(map[blockstore.ID]blockstore.DiskExtent, len(nodes))
	for i, n := range nodes {
		extByID[n.BlockID] = exts[i]
	}
	if err := e.store.AdoptSnapshot(e.dealer, payloadPath, extByID); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	e.payload = payloadPath
	e.collectGarbage(ctx)

	logger.V(logging.DEBUG).Info("saved snapshot",
		"dir", e.dir, "payload", meta.Payload, "nodes", len(nodes), "blocks", seen.Len())
	return nil
}

// PayloadPath returns the live payload generation, empty before the first
// committed save or load.
func (e *Engine) PayloadPath() string {
	return e.payload
}

// collectGarbage removes payload generations other than the live one:
// leftovers of crashed saves and generations superseded by a commit.
func (e *Engine) collectGarbage(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(e.dir, payloadGlob))
	if err != nil {
		return
	}
	logger := klog.FromContext(ctx).WithName("snapshot")
	for _, p := range matches {
		if p == e.payload {
			continue
		}
		_ = e.dealer.Close(ctx, p)
		if err := os.Remove(p); err == nil {
			logger.V(logging.DEBUG).Info("removed stale payload generation", "path", p)
		}
	}
}

// Load reads the index file, reconstructs the prefix tree node-by-node and
// registers one block store entry per node against the payload file. Corrupt
// metadata fails the whole load.
func (e *Engine) Load(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("snapshot")
	metaPath := filepath.Join(e.dir, MetadataFile)

	fi, err := os.Stat(metaPath)
	if err != nil {
		return fmt.Errorf("load: %w: %v", ErrCorruptMetadata, err)
	}

	buf := make([]byte, fi.Size())
	if err := e.dealer.ReadAt(ctx, metaPath, 0, buf); err != nil {
		return fmt.Errorf("load: read metadata: %w", err)
	}

	meta, err := decodeMetadata(buf)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if meta.Info != e.info {
		return fmt.Errorf("load: %w: snapshot is for %+v, instance is %+v",
			ErrCorruptMetadata, meta.Info, e.info)
	}
	if meta.HashSeed != e.seed {
		return fmt.Errorf("load: %w: snapshot hash seed %d, instance uses %d",
			ErrCorruptMetadata, meta.HashSeed, e.seed)
	}
	if meta.Payload == "" || meta.Payload != filepath.Base(meta.Payload) {
		return fmt.Errorf("load: %w: invalid payload file name %q",
			ErrCorruptMetadata, meta.Payload)
	}

	// The payload file must exist and cover every node extent; a missing or
	// truncated payload fails the load as a whole rather than surfacing on
	// the first read.
	payloadPath := filepath.Join(e.dir, meta.Payload)
	var need int64
	for _, nm := range meta.Nodes {
		if end := nm.Offset + nm.Length; end > need {
			need = end
		}
	}
	pfi, err := os.Stat(payloadPath)
	if err != nil {
		return fmt.Errorf("load: %w: payload file: %v", ErrCorruptMetadata, err)
	}
	if pfi.Size() < need {
		return fmt.Errorf("load: %w: payload file has %d bytes, extents need %d",
			ErrCorruptMetadata, pfi.Size(), need)
	}

	e.store.AttachPayload(e.dealer, payloadPath)

	nodes := make([]prefixtree.NodeInfo, len(meta.Nodes))
	for i, nm := range meta.Nodes {
		id, err := e.store.AddDiskEntry(blockstore.DiskExtent{
			Offset:      nm.Offset,
			Length:      nm.Length,
			RawLength:   nm.RawLength,
			Checksum:    nm.Checksum,
			Compression: blockstore.Compression(nm.Compression),
		})
		if err != nil {
			return fmt.Errorf("load: node %d: %w", i, err)
		}
		nodes[i] = prefixtree.NodeInfo{
			Parent:  nm.Parent,
			Key:     block.Key(nm.Key),
			IDs:     nm.IDs,
			BlockID: id,
		}
	}

	if err := e.tree.Restore(nodes); err != nil {
		return fmt.Errorf("load: %w: %v", ErrCorruptMetadata, err)
	}

	e.payload = payloadPath
	e.collectGarbage(ctx)

	logger.V(logging.DEBUG).Info("loaded snapshot",
		"dir", e.dir, "payload", meta.Payload, "nodes", len(nodes))
	return nil
}

// encode applies the configured compression to one raw payload, falling back
// to raw storage when compression does not shrink the block.
func (e *Engine) encode(raw []byte) ([]byte, blockstore.Compression) {
	if e.cfg.Compression != blockstore.CompressionLZ4 {
		return raw, blockstore.CompressionNone
	}

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil || n == 0 || n >= len(raw) {
		return raw, blockstore.CompressionNone
	}
	return dst[:n], blockstore.CompressionLZ4
}

// discardTmp removes leftover temporary files after a failed save. The dealer
// handles are dropped first so removal does not race queued writes.
func (e *Engine) discardTmp(ctx context.Context, paths ...string) {
	for _, p := range paths {
		_ = e.dealer.Close(ctx, p)
		_ = os.Remove(p)
	}
}

func encodeMetadata(meta *metadata) ([]byte, error) {
	payload, err := msgpack.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	buf := make([]byte, headerSize, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(buf[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	return append(buf, payload...), nil
}

func decodeMetadata(buf []byte) (*metadata, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptMetadata, len(buf))
	}

	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorruptMetadata, magic)
	}
	if version := binary.LittleEndian.Uint32(buf[4:8]); version != binaryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptMetadata, version)
	}
	checksum := binary.LittleEndian.Uint32(buf[8:12])
	length := binary.LittleEndian.Uint32(buf[12:16])
	if int(length) != len(buf)-headerSize {
		return nil, fmt.Errorf("%w: payload length %d, file has %d",
			ErrCorruptMetadata, length, len(buf)-headerSize)
	}

	payload := buf[headerSize:]
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptMetadata)
	}

	var meta metadata
	if err := msgpack.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	return &meta, nil
}
