// Package slot provides a dense arena with stable small-integer ids.
//
// An Arena hands out ids starting at 0 and reuses vacated slots, so ids
// stay small and lookups are a single slice index. Callers that need a
// reserved sentinel (for example "no buffer") insert it first so it gets
// id 0.
package slot

// ID identifies a slot in an Arena. Ids are stable for the life of the
// slot and may be reused after Remove.
type ID uint32

// Arena is a growable slot arena. The zero value is ready to use.
//
// Pointers returned by Get are valid until the next Insert; Insert may
// grow the backing storage.
type Arena[T any] struct {
	values []T
	live   []bool
	free   []ID
}

// Insert places v into a vacant slot, or appends a new one, and returns
// the slot's id.
func (a *Arena[T]) Insert(v T) ID {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		a.values[id] = v
		a.live[id] = true
		return id
	}
	a.values = append(a.values, v)
	a.live = append(a.live, true)
	return ID(len(a.values) - 1)
}

// Get returns a pointer to the value in the given slot.
// Getting a vacant or out-of-range slot panics: ids are handed out by
// Insert and must not be forged.
func (a *Arena[T]) Get(id ID) *T {
	if int(id) >= len(a.values) || !a.live[id] {
		panic("slot: get of vacant slot")
	}
	return &a.values[id]
}

// Remove vacates the slot and schedules its id for reuse.
func (a *Arena[T]) Remove(id ID) {
	if int(id) >= len(a.values) || !a.live[id] {
		panic("slot: remove of vacant slot")
	}
	var zero T
	a.values[id] = zero
	a.live[id] = false
	a.free = append(a.free, id)
}

// Len reports the number of occupied slots.
func (a *Arena[T]) Len() int {
	return len(a.values) - len(a.free)
}
