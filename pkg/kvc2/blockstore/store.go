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

// Package blockstore owns the payload bytes of cache blocks. Entries are
// memory-backed; after a snapshot an entry may instead reference an extent of
// the payload file, in which case reads go through the I/O dealer and a small
// LRU page cache.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/block"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/iodealer"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/metrics"
)

var (
	// ErrOutOfSpace is returned when an allocation would exceed the memory
	// budget.
	ErrOutOfSpace = errors.New("block store out of space")
	// ErrUnknownBlock is returned for operations on a released or never
	// allocated handle.
	ErrUnknownBlock = errors.New("unknown block handle")
	// ErrNoPayloadFile is returned when a disk-resident entry is read before
	// a payload file has been attached.
	ErrNoPayloadFile = errors.New("no payload file attached")
	// ErrCorruptPayload is returned when on-disk bytes fail checksum or
	// decompression.
	ErrCorruptPayload = errors.New("corrupt block payload")
)

// ID is the stable handle of one stored block.
type ID uint64

// Compression names the payload encoding of a disk extent.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

// DiskExtent locates one block's payload inside the payload file.
type DiskExtent struct {
	Offset int64
	// Length is the stored size, after compression.
	Length int64
	// RawLength is the uncompressed payload size.
	RawLength int64
	// Checksum is the xxhash64 of the raw payload.
	Checksum    uint64
	Compression Compression
}

const (
	defaultMemoryLimitBytes = 4 << 30
	defaultPageCacheBlocks  = 1024
)

// Config holds the block store settings.
type Config struct {
	// MemoryLimitBytes caps the bytes held by memory-backed entries.
	MemoryLimitBytes int64 `json:"memoryLimitBytes"`
	// PageCacheBlocks caps the number of disk-resident blocks kept decoded
	// in memory after a read.
	PageCacheBlocks int `json:"pageCacheBlocks"`
}

// DefaultConfig returns the default block store configuration.
func DefaultConfig() *Config {
	return &Config{
		MemoryLimitBytes: defaultMemoryLimitBytes,
		PageCacheBlocks:  defaultPageCacheBlocks,
	}
}

// entry is one stored block. layers is nil for a disk-resident entry.
// Payload bytes are immutable once published to the prefix tree, so readers
// copy them out without holding the store lock.
type entry struct {
	layers [][]byte
	disk   *DiskExtent
}

// Store is the block storage backend of one cache instance.
type Store struct {
	info block.CacheInfo
	cfg  Config

	mu      sync.RWMutex
	entries map[ID]*entry
	nextID  ID
	memUsed int64

	// Disk tier, attached once a snapshot exists.
	dealer      *iodealer.Dealer
	payloadPath string

	page *lru.Cache[ID, [][]byte]
}

// New creates a Store for the given tensor layout.
func New(info block.CacheInfo, cfg *Config) (*Store, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache info: %w", err)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	page, err := lru.New[ID, [][]byte](cfg.PageCacheBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}

	return &Store{
		info:    info,
		cfg:     *cfg,
		entries: make(map[ID]*entry),
		page:    page,
	}, nil
}

// AttachPayload binds the store to the payload file used for disk-resident
// entries. Called by the persistence engine on load.
func (s *Store) AttachPayload(dealer *iodealer.Dealer, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dealer = dealer
	s.payloadPath = path
}

// Allocate reserves storage for one block across all layers. It fails with
// ErrOutOfSpace when the memory budget is exhausted.
func (s *Store) Allocate() (ID, error) {
	need := int64(s.info.BlockBytes())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memUsed+need > s.cfg.MemoryLimitBytes {
		return 0, fmt.Errorf("%w: used %d of %d bytes, need %d more",
			ErrOutOfSpace, s.memUsed, s.cfg.MemoryLimitBytes, need)
	}

	layers := make([][]byte, s.info.NumLayers)
	for l := range layers {
		layers[l] = make([]byte, s.info.BlockBytesPerLayer())
	}

	s.nextID++
	id := s.nextID
	s.entries[id] = &entry{layers: layers}
	s.memUsed += need
	metrics.Admissions.Inc()
	return id, nil
}

// AddDiskEntry registers a block whose payload lives in the payload file.
// Used by the persistence engine while reconstructing a snapshot; the bytes
// are pulled in through the I/O dealer on first read.
func (s *Store) AddDiskEntry(ext DiskExtent) (ID, error) {
	if ext.RawLength != int64(s.info.BlockBytes()) {
		return 0, fmt.Errorf("%w: extent raw length %d, block is %d bytes",
			block.ErrShapeMismatch, ext.RawLength, s.info.BlockBytes())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries[id] = &entry{disk: &ext}
	metrics.Admissions.Inc()
	return id, nil
}

// AdoptSnapshot repoints the disk tier at a new payload file and records
// where each block landed in it, in one critical section. Readers observe
// either the previous extent/path pair or the new one, never a mix of
// generations. In-memory payloads are kept; the extents make the entries
// reloadable.
func (s *Store) AdoptSnapshot(dealer *iodealer.Dealer, path string, exts map[ID]DiskExtent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range exts {
		if _, ok := s.entries[id]; !ok {
			return fmt.Errorf("block %d: %w", id, ErrUnknownBlock)
		}
	}

	s.dealer = dealer
	s.payloadPath = path
	for id, ext := range exts {
		ext := ext
		s.entries[id].disk = &ext
	}
	return nil
}

// Write copies one block's per-layer tensor data into the entry.
func (s *Store) Write(id ID, layers [][]byte) error {
	if err := s.checkShape(layers); err != nil {
		return err
	}

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("block %d: %w", id, ErrUnknownBlock)
	}
	if e.layers == nil {
		return fmt.Errorf("block %d is disk-resident: %w", id, ErrUnknownBlock)
	}

	for l := range layers {
		copy(e.layers[l], layers[l])
	}
	return nil
}

// Read copies the stored bytes of a block into dst, one slice per layer.
// Disk-resident entries are fetched through the I/O dealer.
func (s *Store) Read(ctx context.Context, id ID, dst [][]byte) error {
	if err := s.checkShape(dst); err != nil {
		return err
	}

	layers, err := s.blockLayers(ctx, id)
	if err != nil {
		return err
	}
	for l := range dst {
		copy(dst[l], layers[l])
	}
	return nil
}

// Payload returns the block's raw payload as one contiguous buffer, layers
// concatenated in order. Used by the persistence engine.
func (s *Store) Payload(ctx context.Context, id ID) ([]byte, error) {
	layers, err := s.blockLayers(ctx, id)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, s.info.BlockBytes())
	for _, l := range layers {
		raw = append(raw, l...)
	}
	return raw, nil
}

// Release invalidates and frees a block. Only safe once no prefix tree node
// references the handle.
func (s *Store) Release(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("block %d: %w", id, ErrUnknownBlock)
	}
	if e.layers != nil {
		s.memUsed -= int64(s.info.BlockBytes())
	}
	delete(s.entries, id)
	s.page.Remove(id)
	metrics.Releases.Inc()
	return nil
}

// MemoryUsed returns the bytes currently held by memory-backed entries.
func (s *Store) MemoryUsed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memUsed
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) checkShape(layers [][]byte) error {
	if len(layers) != s.info.NumLayers {
		return fmt.Errorf("%w: got %d layers, want %d",
			block.ErrShapeMismatch, len(layers), s.info.NumLayers)
	}
	want := s.info.BlockBytesPerLayer()
	for l, buf := range layers {
		if len(buf) != want {
			return fmt.Errorf("%w: layer %d is %d bytes, want %d",
				block.ErrShapeMismatch, l, len(buf), want)
		}
	}
	return nil
}

// blockLayers returns the per-layer payload of a block, fetching and caching
// disk-resident entries. The extent and payload path are copied as one pair
// inside the critical section, so a snapshot adoption concurrent with this
// read cannot hand out an extent against the wrong payload generation.
func (s *Store) blockLayers(ctx context.Context, id ID) ([][]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	var (
		layers [][]byte
		ext    DiskExtent
	)
	if ok {
		layers = e.layers
		if e.disk != nil {
			ext = *e.disk
		}
	}
	dealer, path := s.dealer, s.payloadPath
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("block %d: %w", id, ErrUnknownBlock)
	}
	if layers != nil {
		return layers, nil
	}

	if cached, ok := s.page.Get(id); ok {
		return cached, nil
	}
	if dealer == nil {
		return nil, fmt.Errorf("block %d: %w", id, ErrNoPayloadFile)
	}

	fetched, err := s.fetch(ctx, dealer, path, ext)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", id, err)
	}
	s.page.Add(id, fetched)
	return fetched, nil
}

// fetch reads one extent from the payload file, verifies it and splits it
// into per-layer slices.
func (s *Store) fetch(ctx context.Context, dealer *iodealer.Dealer, path string, ext DiskExtent) ([][]byte, error) {
	stored := make([]byte, ext.Length)
	if err := dealer.ReadAt(ctx, path, ext.Offset, stored); err != nil {
		return nil, err
	}

	raw := stored
	if ext.Compression == CompressionLZ4 {
		raw = make([]byte, ext.RawLength)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		if int64(n) != ext.RawLength {
			return nil, fmt.Errorf("%w: decompressed %d bytes, want %d",
				ErrCorruptPayload, n, ext.RawLength)
		}
	}

	if xxhash.Sum64(raw) != ext.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptPayload)
	}

	perLayer := s.info.BlockBytesPerLayer()
	layers := make([][]byte, s.info.NumLayers)
	for l := range layers {
		layers[l] = raw[l*perLayer : (l+1)*perLayer]
	}
	return layers, nil
}
