// Package heap implements a removal policy backed by a binary min-heap
// whose keys come from an aging function (LRU, GDSF or LFUDA).
//
// The heap carries a global "age" that every new key is built on. It is
// nudged up slightly on each Add and raised to the smallest evicted key
// when a purge walk ends, so keys of fresh entries keep pace with what is
// being evicted.
package heap

import (
	"container/heap"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/policy"
)

// KeyFunc computes the heap key for n given the heap age and the current
// time in seconds. Smaller keys are evicted first.
type KeyFunc func(n policy.Node, age float64, now int64) float64

// LRU keys by last reference time.
func LRU(n policy.Node, _ float64, _ int64) float64 {
	return float64(n.LastRef())
}

// GDSF (greedy dual size frequency) favours evicting large, rarely used
// objects.
func GDSF(n policy.Node, age float64, _ int64) float64 {
	size := float64(n.Size())
	if size <= 0 {
		size = 1
	}
	tie := 1.0
	if lr := n.LastRef(); lr > 1 {
		tie = 1 / float64(lr)
	}
	return age + float64(n.RefCount())/size - tie
}

// LFUDA (least frequently used with dynamic aging) favours evicting rarely
// used objects regardless of size.
func LFUDA(n policy.Node, age float64, now int64) float64 {
	var tie float64
	if lr := n.LastRef(); lr > 0 && now > lr {
		tie = 1 - math.Exp(float64(lr-now)/86400)
	}
	return age + float64(n.RefCount()) - tie
}

// KeyFuncByName maps "LRU", "GDSF" and "LFUDA" to their KeyFunc.
func KeyFuncByName(name string) (KeyFunc, bool) {
	switch name {
	case "GDSF":
		return GDSF, true
	case "LFUDA":
		return LFUDA, true
	case "LRU":
		return LRU, true
	}
	return LRU, false
}

// Options configures a heap policy. Zero values are safe:
//   - empty Key  => "LRU"
//   - nil Logger => logrus.StandardLogger()
//   - nil Now    => time.Now().Unix
type Options struct {
	Key    string
	Logger *logrus.Logger
	Now    func() int64
}

// Heap is a policy.Policy. Not safe for concurrent use.
type Heap struct {
	h        nodes
	key      KeyFunc
	keyName  string
	age      float64
	walkers  int
	now      func() int64
	log      *logrus.Entry
	warnedAt float64
}

// New builds a heap policy. An unknown key name logs a warning and falls
// back to LRU.
func New(opt Options) *Heap {
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.Now == nil {
		opt.Now = func() int64 { return time.Now().Unix() }
	}
	log := opt.Logger.WithField("component", "heap")
	name := opt.Key
	if name == "" {
		log.Info("no key type specified, using LRU")
		name = "LRU"
	}
	kf, ok := KeyFuncByName(name)
	if !ok {
		log.WithField("key", name).Warn("unknown heap key type, using LRU")
		name = "LRU"
	}
	return &Heap{
		key:     kf,
		keyName: name,
		age:     1,
		now:     opt.Now,
		log:     log,
	}
}

// Type returns "heap".
func (p *Heap) Type() string { return "heap" }

// KeyName returns the active key function name.
func (p *Heap) KeyName() string { return p.keyName }

// Age returns the current aging parameter.
func (p *Heap) Age() float64 { return p.age }

// Add inserts n keyed at the current age. Special nodes are not managed.
func (p *Heap) Add(n policy.Node) {
	s := n.Slot()
	if s.Set() {
		panic(fmt.Sprintf("heap: Add of node already managed (%v)", *s))
	}
	if n.Special() {
		return
	}
	heap.Push(&p.h, &item{node: n, key: p.key(n, p.age, p.now())})
	p.bumpAge()
}

// Remove drops n. Unmanaged nodes are ignored.
func (p *Heap) Remove(n policy.Node) {
	s := n.Slot()
	if s.Kind != policy.KindHeap {
		return
	}
	heap.Remove(&p.h, int(s.Index))
	s.Clear()
}

// Referenced re-keys n at the current age.
func (p *Heap) Referenced(n policy.Node) {
	s := n.Slot()
	if s.Kind != policy.KindHeap {
		return
	}
	it := p.h[s.Index]
	it.key = p.key(n, p.age, p.now())
	heap.Fix(&p.h, int(s.Index))
}

// Dereferenced re-keys n the same way Referenced does.
func (p *Heap) Dereferenced(n policy.Node) { p.Referenced(n) }

// Count returns the number of managed nodes.
func (p *Heap) Count() int { return len(p.h) }

// Stats writes the aging state.
func (p *Heap) Stats(w io.Writer) {
	fmt.Fprintf(w, "Heap (%s) entries: %d\n", p.keyName, len(p.h))
	fmt.Fprintf(w, "Heap age: %f\n", p.age)
	if len(p.h) > 0 {
		fmt.Fprintf(w, "Heap min key: %f\n", p.h[0].key)
	}
}

// Close panics if walkers or nodes are outstanding.
func (p *Heap) Close() {
	if p.walkers != 0 {
		panic(fmt.Sprintf("heap: Close with %d walkers outstanding", p.walkers))
	}
	if len(p.h) != 0 {
		panic(fmt.Sprintf("heap: Close with %d nodes outstanding", len(p.h)))
	}
}

// bumpAge adds a little variance to the aging factor. Past ~1e8 cache
// turnarounds the increment rounds to zero; a non-finite result is
// rejected so keys stay comparable.
func (p *Heap) bumpAge() {
	next := p.age + p.age/1e8
	if math.IsInf(next, 0) || math.IsNaN(next) {
		if p.warnedAt != p.age {
			p.log.WithField("age", p.age).Warn("heap age saturated")
			p.warnedAt = p.age
		}
		return
	}
	p.age = next
}

// ---- walkers ----

type walker struct {
	p   *Heap
	cur int
}

// WalkInit returns a walker visiting nodes in heap-array order.
func (p *Heap) WalkInit() policy.Walker {
	p.walkers++
	return &walker{p: p}
}

func (w *walker) Next() policy.Node {
	if w.cur >= len(w.p.h) {
		return nil
	}
	n := w.p.h[w.cur].node
	w.cur++
	return n
}

func (w *walker) Done() {
	if w.p.walkers <= 0 {
		panic("heap: walker Done without walkers")
	}
	w.p.walkers--
}

type purgeWalker struct {
	p       *Heap
	maxScan int
	scanned int
	locked  []policy.Node
	minAge  float64
}

// PurgeInit starts an eviction walk. Locked nodes met on the way are set
// aside and reinserted by Done. maxScan is informational for callers that
// bound their walk by Scanned.
func (p *Heap) PurgeInit(maxScan int) policy.PurgeWalker {
	p.walkers++
	return &purgeWalker{p: p, maxScan: maxScan}
}

func (w *purgeWalker) Next() policy.Node {
	h := &w.p.h
	for len(*h) > 0 {
		age := (*h)[0].key
		it := heap.Pop(h).(*item)
		w.scanned++
		if it.node.Locked() {
			// Pop cleared the slot; hold it as unmanaged until Done.
			w.locked = append(w.locked, it.node)
			continue
		}
		w.minAge = age
		return it.node
	}
	return nil
}

func (w *purgeWalker) Done() {
	p := w.p
	if p.walkers <= 0 {
		panic("heap: purge Done without walkers")
	}
	p.walkers--
	if w.minAge > 0 {
		p.age = w.minAge
		p.log.WithField("age", p.age).Debug("heap age raised")
	}
	for _, n := range w.locked {
		heap.Push(&p.h, &item{node: n, key: p.key(n, p.age, p.now())})
	}
	w.locked = nil
}

func (w *purgeWalker) Scanned() int { return w.scanned }
func (w *purgeWalker) Locked() int  { return len(w.locked) }

// ---- container/heap plumbing ----

type item struct {
	node policy.Node
	key  float64
}

type nodes []*item

func (h nodes) Len() int           { return len(h) }
func (h nodes) Less(i, j int) bool { return h[i].key < h[j].key }

func (h nodes) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].node.Slot().Index = int32(i)
	h[j].node.Slot().Index = int32(j)
}

func (h *nodes) Push(x any) {
	it := x.(*item)
	*it.node.Slot() = policy.Slot{Kind: policy.KindHeap, Index: int32(len(*h))}
	*h = append(*h, it)
}

func (h *nodes) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	it.node.Slot().Clear()
	return it
}

var _ policy.Policy = (*Heap)(nil)
