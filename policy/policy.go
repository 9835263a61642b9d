// Package policy defines the removal-policy contract shared by the heap and
// list implementations.
package policy

import "io"

// Kind tags which policy implementation owns a Slot.
type Kind uint8

const (
	// KindNone marks an unmanaged slot.
	KindNone Kind = iota
	// KindHeap slots hold a heap array index.
	KindHeap
	// KindList slots hold a list node id.
	KindList
)

// Slot is the handle a policy leaves on every node it manages.
// The zero value means "not managed".
type Slot struct {
	Kind  Kind
	Index int32
}

// Set reports whether the slot is owned by a policy.
func (s *Slot) Set() bool { return s.Kind != KindNone }

// Clear marks the slot unmanaged.
func (s *Slot) Clear() { *s = Slot{} }

// Node is the minimal view of a cache record a policy needs.
// Slot must return a stable pointer owned by the record.
type Node interface {
	Slot() *Slot
	LastRef() int64
	RefCount() int
	Size() int64
	Special() bool
	Locked() bool
}

// Walker iterates a policy's nodes without changing them.
type Walker interface {
	Next() Node
	Done()
}

// PurgeWalker pops eviction candidates. Nodes returned by Next are no
// longer managed by the policy. Done must be called once the walk ends so
// locked nodes set aside during the walk are restored.
type PurgeWalker interface {
	Next() Node
	Done()
	// Scanned counts nodes examined so far.
	Scanned() int
	// Locked counts nodes skipped because they were locked.
	Locked() int
}

// Policy is a removal policy. All methods are called from one goroutine.
//
// Invariants:
//   - every added, non-special node has exactly one outstanding slot until
//     Remove or a purge walk hands it back;
//   - a purge walk never returns a locked node.
type Policy interface {
	Type() string
	Add(Node)
	Remove(Node)
	Referenced(Node)
	Dereferenced(Node)
	WalkInit() Walker
	PurgeInit(maxScan int) PurgeWalker
	Count() int
	Stats(w io.Writer)
	// Close releases the policy. It panics while walkers or nodes are
	// still outstanding.
	Close()
}
