package gc

import (
	"errors"
	"fmt"

	"github.com/tinygo-org/blockgc/heap"
)

// ErrUnknownClass is returned when allocating an object of a class that was
// never registered.
var ErrUnknownClass = errors.New("gc: unknown class")

// ClassID identifies a registered Class. It is stored in the first word of
// every KindPython allocation. The zero ClassID means the object is still
// being constructed.
type ClassID uintptr

// Class describes how the collector treats language objects of one type.
type Class struct {
	Name string

	// Visit reports every pointer held by obj. It runs while the world is
	// stopped and must not call back into the Collector. If nil, the words
	// following the class word are scanned conservatively.
	Visit func(v *Visitor, obj uintptr)

	// Finalize, if set, runs for every object of the class once it is dead.
	Finalize func(obj uintptr)
}

// RegisterClass makes a class known to the collector.
func (c *Collector) RegisterClass(cls Class) ClassID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classes = append(c.classes, cls)
	c.numClasses.Store(uint64(len(c.classes)))
	return ClassID(len(c.classes) - 1)
}

// AllocObject allocates a language object of class id. size includes the
// class word, which is filled in before the object becomes visible to the
// collector.
func (c *Collector) AllocObject(id ClassID, size uintptr) (uintptr, error) {
	return c.allocObject(nil, id, size)
}

// AllocObjectTo is AllocObject storing the new pointer in *slot, like AllocTo.
func (c *Collector) AllocObjectTo(slot *uintptr, id ClassID, size uintptr) error {
	_, err := c.allocObject(slot, id, size)
	return err
}

func (c *Collector) allocObject(slot *uintptr, id ClassID, size uintptr) (uintptr, error) {
	c.mu.Lock()
	known := id != 0 && uint64(id) < uint64(len(c.classes))
	c.mu.Unlock()
	if !known {
		return 0, fmt.Errorf("%w: %d", ErrUnknownClass, id)
	}
	if size < heap.WordSize {
		size = heap.WordSize
	}
	return c.allocWith(size, KindPython, func(p uintptr, hdr *header) {
		heap.Words(p, 1)[0] = uintptr(id)
		c.updateFinalizerFlag(p, hdr)
		if slot != nil {
			*slot = p
		}
	})
}

// ClassOf returns the class of the language object at p.
func ClassOf(p uintptr) ClassID {
	return ClassID(heap.Words(p, 1)[0])
}

// classOf returns the class of a KindPython allocation, or nil while the
// object is under construction.
func (c *Collector) classOf(p uintptr, hdr *header) *Class {
	if hdr.size < heap.WordSize {
		return nil
	}
	id := ClassOf(p)
	if id == 0 {
		return nil
	}
	if uint64(id) >= uint64(len(c.classes)) {
		fatal(p, "object of unknown class %d", id)
	}
	return &c.classes[id]
}

// visitObject dispatches to the class handler of the language object at p.
// Objects without a class yet are scanned conservatively.
func (c *Collector) visitObject(v *Visitor, p uintptr, hdr *header) {
	cls := c.classOf(p, hdr)
	switch {
	case cls == nil:
		v.VisitPotentialRange(hdr.words(p))
	case cls.Visit == nil:
		v.VisitPotentialRange(hdr.words(p)[1:])
	default:
		cls.Visit(v, p)
	}
}

// RuntimeObject is a native object that lives in the collected heap. Its
// memory is allocated through AllocRuntime and its pointers are reported by
// GCVisit, with the same Visitor as everything else.
type RuntimeObject interface {
	GCVisit(v *Visitor)
}

// Finalizer is implemented by runtime objects that need cleanup once they
// are dead.
type Finalizer interface {
	Finalize()
}

// AllocRuntime allocates size bytes for the runtime object obj. The object
// is scanned through obj.GCVisit and, if it implements Finalizer, finalized
// once dead.
func (c *Collector) AllocRuntime(obj RuntimeObject, size uintptr) (uintptr, error) {
	if obj == nil {
		return 0, fmt.Errorf("%w: nil runtime object", ErrInvalidKind)
	}
	if size == 0 {
		size = heap.WordSize
	}
	return c.allocWith(size, KindRuntime, func(p uintptr, hdr *header) {
		c.runtimeObjs[p] = obj
		c.updateFinalizerFlag(p, hdr)
	})
}

// RuntimeObjectAt returns the runtime object allocated at p, or nil.
func (c *Collector) RuntimeObjectAt(p uintptr) RuntimeObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeObjs[p]
}
