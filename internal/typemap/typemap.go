// Package typemap provides string<->uint32 interning for event and command
// type ids. All type comparisons in the client-node core are by resolved
// id, never by string.
package typemap

import "sync"

// Map is a thread-safe string<->uint32 interning table.
type Map struct {
	mu     sync.RWMutex
	byName map[string]uint32
	byID   map[uint32]string
	nextID uint32
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		byName: make(map[string]uint32),
		byID:   make(map[uint32]string),
	}
}

// Intern returns the id for name, assigning the next free id on first use.
func (m *Map) Intern(name string) uint32 {
	m.mu.RLock()
	id, ok := m.byName[name]
	m.mu.RUnlock()
	if ok {
		return id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock: another goroutine may have interned
	// this name between the RUnlock above and acquiring the write lock.
	if id, ok := m.byName[name]; ok {
		return id
	}

	id = m.nextID
	m.nextID++
	m.byName[name] = id
	m.byID[id] = name

	return id
}

// Resolve returns the name registered for id, if any.
func (m *Map) Resolve(id uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.byID[id]

	return name, ok
}

// Known event and command names, interned once into a process-wide table on
// package init so id comparisons are stable across the core and the wire
// layer without either side needing to coordinate assignment order.
const (
	EventNeedInput   = "NeedInput"
	EventHaveOutput  = "HaveOutput"
	EventReuseBuffer = "ReuseBuffer"

	CommandStart       = "Start"
	CommandPause       = "Pause"
	CommandClockUpdate = "ClockUpdate"
)

// Global is the process-wide type map, pre-seeded with the event/command
// names the client-node core names explicitly.
var Global = seedGlobal()

func seedGlobal() *Map {
	m := New()
	for _, name := range []string{
		EventNeedInput,
		EventHaveOutput,
		EventReuseBuffer,
		CommandStart,
		CommandPause,
		CommandClockUpdate,
	} {
		m.Intern(name)
	}

	return m
}
