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

// Package prefixtree implements the prefix index of the cache: a trie keyed
// by chained block keys, one node per block position along a path. The root
// represents the empty prefix and owns no block.
package prefixtree

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/block"
	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/blockstore"
	"github.com/Sakura-Byte/ktransformers/pkg/utils/logging"
)

// node represents one block position along one path from the root. Children
// are keyed by the content identity of the next block, so two sequences
// sharing the first k blocks verbatim traverse the identical k nodes.
type node struct {
	key      block.Key
	ids      []uint32
	blockID  blockstore.ID
	children map[block.Key]*node
}

// NodeInfo is the exported view of one node, used by the persistence engine.
// Parent is the index of the parent node in preorder, -1 for children of the
// root.
type NodeInfo struct {
	Parent  int
	Key     block.Key
	IDs     []uint32
	BlockID blockstore.ID
}

// Stats summarizes the tree shape.
type Stats struct {
	Nodes    int
	Leaves   int
	MaxDepth int
}

// Tree is the prefix index. Structural mutation is the only contended write
// path: a child's block store entry is fully populated before the child
// pointer is published, so lookups never observe a half-created node.
type Tree struct {
	info  block.CacheInfo
	store *blockstore.Store

	mu   sync.RWMutex
	root *node
}

// New creates an empty tree backed by the given store.
func New(info block.CacheInfo, store *blockstore.Store) *Tree {
	return &Tree{
		info:  info,
		store: store,
		root:  &node{children: make(map[block.Key]*node)},
	}
}

// Insert walks the keys from the root, one block at a time. An existing child
// with a matching key is descended without touching its payload (key equality
// is trusted, no byte comparison). A missing child is allocated, populated
// from the handle and then published. A failing allocation aborts the walk;
// blocks published earlier in the same call remain valid.
func (t *Tree) Insert(ctx context.Context, keys []block.Key, h *block.Handle) error {
	cur := t.root
	for i, key := range keys {
		t.mu.RLock()
		child, ok := cur.children[key]
		t.mu.RUnlock()
		if ok {
			cur = child
			continue
		}

		// Build the node outside the lock: allocate, copy payload.
		id, err := t.store.Allocate()
		if err != nil {
			return fmt.Errorf("insert block %d: %w", i, err)
		}
		if err := t.store.Write(id, h.BlockLayers(t.info, i)); err != nil {
			_ = t.store.Release(id)
			return fmt.Errorf("insert block %d: %w", i, err)
		}

		ids := make([]uint32, t.info.BlockLength)
		copy(ids, h.BlockIDs(t.info, i))
		fresh := &node{
			key:      key,
			ids:      ids,
			blockID:  id,
			children: make(map[block.Key]*node),
		}

		t.mu.Lock()
		if exist, ok := cur.children[key]; ok {
			// Lost the race to a concurrent insert of the same block.
			t.mu.Unlock()
			_ = t.store.Release(id)
			cur = exist
			continue
		}
		cur.children[key] = fresh
		t.mu.Unlock()
		cur = fresh
	}
	return nil
}

// Lookup walks the keys from the root and returns the block handles of the
// longest matched path, in order. The walk stops at the first position
// without a matching child.
func (t *Tree) Lookup(ctx context.Context, keys []block.Key) []blockstore.ID {
	matched := make([]blockstore.ID, 0, len(keys))

	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root
	for _, key := range keys {
		child, ok := cur.children[key]
		if !ok {
			break // early-stop
		}
		matched = append(matched, child.blockID)
		cur = child
	}
	return matched
}

// Export returns every node in preorder with parent links, for persistence.
// Only reachable nodes are visited.
func (t *Tree) Export() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []NodeInfo
	var walk func(n *node, parent int)
	walk = func(n *node, parent int) {
		for _, child := range n.children {
			out = append(out, NodeInfo{
				Parent:  parent,
				Key:     child.key,
				IDs:     child.ids,
				BlockID: child.blockID,
			})
			walk(child, len(out)-1)
		}
	}
	walk(t.root, -1)
	return out
}

// Restore rebuilds the tree from exported nodes. The tree must be empty.
func (t *Tree) Restore(nodes []NodeInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.root.children) != 0 {
		return fmt.Errorf("restore into non-empty tree")
	}

	rebuilt := make([]*node, len(nodes))
	for i, info := range nodes {
		parent := t.root
		if info.Parent >= 0 {
			if info.Parent >= i {
				return fmt.Errorf("node %d: parent %d not before child", i, info.Parent)
			}
			parent = rebuilt[info.Parent]
		}
		if len(info.IDs) != t.info.BlockLength {
			return fmt.Errorf("node %d: %d ids, block length is %d",
				i, len(info.IDs), t.info.BlockLength)
		}
		if _, ok := parent.children[info.Key]; ok {
			return fmt.Errorf("node %d: duplicate key %s under parent %d",
				i, info.Key, info.Parent)
		}

		n := &node{
			key:      info.Key,
			ids:      info.IDs,
			blockID:  info.BlockID,
			children: make(map[block.Key]*node),
		}
		parent.children[info.Key] = n
		rebuilt[i] = n
	}
	return nil
}

// Stats reports the tree shape.
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var st Stats
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		if depth > st.MaxDepth {
			st.MaxDepth = depth
		}
		if n != t.root {
			st.Nodes++
			if len(n.children) == 0 {
				st.Leaves++
			}
		}
		for _, child := range n.children {
			walk(child, depth+1)
		}
	}
	walk(t.root, 0)
	return st
}

// Debug logs the tree shape. Read-only, used for diagnostics.
func (t *Tree) Debug(ctx context.Context) {
	st := t.Stats()
	klog.FromContext(ctx).V(logging.DEBUG).WithName("prefixtree").Info("tree shape",
		"nodes", st.Nodes,
		"leaves", st.Leaves,
		"max-depth", st.MaxDepth,
		"block-length", t.info.BlockLength,
	)
}
