// Package lru implements the list removal policy: least recently used at
// the head, most recently used at the tail.
package lru

import (
	"fmt"
	"io"

	"github.com/IvanBrykalov/objstore/policy"
)

const none int32 = -1

// node is one list element; its id is its index in the arena.
type node struct {
	n          policy.Node
	prev, next int32
}

// LRU is a policy.Policy. Not safe for concurrent use.
type LRU struct {
	arena   []node
	free    []int32
	head    int32
	tail    int32
	count   int
	walkers int
}

// New returns an empty list policy.
func New() *LRU { return &LRU{head: none, tail: none} }

// Type returns "lru".
func (p *LRU) Type() string { return "lru" }

// Add appends n at the tail. Special nodes are not managed.
func (p *LRU) Add(n policy.Node) {
	if n.Special() {
		return
	}
	s := n.Slot()
	if s.Set() {
		panic(fmt.Sprintf("lru: Add of node already managed (%v)", *s))
	}
	var id int32
	if k := len(p.free); k > 0 {
		id = p.free[k-1]
		p.free = p.free[:k-1]
	} else {
		p.arena = append(p.arena, node{})
		id = int32(len(p.arena) - 1)
	}
	p.arena[id] = node{n: n, prev: none, next: none}
	p.pushBack(id)
	*s = policy.Slot{Kind: policy.KindList, Index: id}
	p.count++
}

// Remove unlinks n. Unmanaged nodes are ignored.
func (p *LRU) Remove(n policy.Node) {
	s := n.Slot()
	if s.Kind != policy.KindList {
		return
	}
	id := s.Index
	if p.arena[id].n != n {
		panic(fmt.Sprintf("lru: slot %d does not belong to node", id))
	}
	s.Clear()
	p.unlink(id)
	p.release(id)
}

// Referenced moves n to the tail.
func (p *LRU) Referenced(n policy.Node) {
	s := n.Slot()
	if s.Kind != policy.KindList {
		return
	}
	p.unlink(s.Index)
	p.pushBack(s.Index)
}

// Dereferenced moves n to the tail.
func (p *LRU) Dereferenced(n policy.Node) { p.Referenced(n) }

// Count returns the number of managed nodes.
func (p *LRU) Count() int { return p.count }

// Stats writes the list length and the age of its head.
func (p *LRU) Stats(w io.Writer) {
	fmt.Fprintf(w, "LRU entries: %d\n", p.count)
	if p.head != none {
		fmt.Fprintf(w, "LRU oldest reference: %d\n", p.arena[p.head].n.LastRef())
	}
}

// Close panics if walkers or nodes are outstanding.
func (p *LRU) Close() {
	if p.walkers != 0 {
		panic(fmt.Sprintf("lru: Close with %d walkers outstanding", p.walkers))
	}
	if p.count != 0 {
		panic(fmt.Sprintf("lru: Close with %d nodes outstanding", p.count))
	}
}

func (p *LRU) pushBack(id int32) {
	e := &p.arena[id]
	e.prev, e.next = p.tail, none
	if p.tail != none {
		p.arena[p.tail].next = id
	} else {
		p.head = id
	}
	p.tail = id
}

func (p *LRU) unlink(id int32) {
	e := &p.arena[id]
	if e.prev != none {
		p.arena[e.prev].next = e.next
	} else {
		p.head = e.next
	}
	if e.next != none {
		p.arena[e.next].prev = e.prev
	} else {
		p.tail = e.prev
	}
	e.prev, e.next = none, none
}

func (p *LRU) release(id int32) {
	p.arena[id] = node{prev: none, next: none}
	p.free = append(p.free, id)
	p.count--
}

// ---- walkers ----

type walker struct {
	p   *LRU
	cur int32
}

// WalkInit returns a walker from head to tail.
func (p *LRU) WalkInit() policy.Walker {
	p.walkers++
	return &walker{p: p, cur: p.head}
}

func (w *walker) Next() policy.Node {
	if w.cur == none {
		return nil
	}
	e := w.p.arena[w.cur]
	w.cur = e.next
	return e.n
}

func (w *walker) Done() {
	if w.p.walkers <= 0 {
		panic("lru: walker Done without walkers")
	}
	w.p.walkers--
}

type purgeWalker struct {
	p       *LRU
	start   int32
	cur     int32
	maxScan int
	scanned int
	locked  int
}

// PurgeInit starts an eviction walk from the head examining at most
// maxScan nodes. Locked nodes are moved to the tail; the walk stops when
// it comes back around to its starting node.
func (p *LRU) PurgeInit(maxScan int) policy.PurgeWalker {
	p.walkers++
	return &purgeWalker{p: p, start: p.head, cur: p.head, maxScan: maxScan}
}

func (w *purgeWalker) Next() policy.Node {
	p := w.p
	for {
		id := w.cur
		if id == none || w.scanned >= w.maxScan {
			return nil
		}
		w.scanned++
		w.cur = p.arena[id].next
		if w.cur == w.start {
			w.cur = none
		}
		n := p.arena[id].n
		p.unlink(id)
		if n.Locked() {
			w.locked++
			p.pushBack(id)
			continue
		}
		n.Slot().Clear()
		p.release(id)
		return n
	}
}

func (w *purgeWalker) Done() {
	if w.p.walkers <= 0 {
		panic("lru: purge Done without walkers")
	}
	w.p.walkers--
}

func (w *purgeWalker) Scanned() int { return w.scanned }
func (w *purgeWalker) Locked() int  { return w.locked }

var _ policy.Policy = (*LRU)(nil)
