package prx

import (
	"cmp"
	"slices"
	"sync"

	"github.com/wnxd/microdbg/debugger"
)

// SymbolSink receives debug labels for guest addresses.
type SymbolSink interface {
	AddSymbol(name string, addr, size uint32)
	RemoveSymbols(begin, end uint32)
}

type symbolEntry struct {
	name       string
	addr, size uint32
}

// SymbolMap is an in-memory SymbolSink.
type SymbolMap struct {
	mu      sync.RWMutex
	entries []symbolEntry
}

func NewSymbolMap() *SymbolMap {
	return new(SymbolMap)
}

func (s *SymbolMap) AddSymbol(name string, addr, size uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearchFunc(s.entries, addr, func(e symbolEntry, addr uint32) int {
		return cmp.Compare(e.addr, addr)
	})
	e := symbolEntry{name: name, addr: addr, size: size}
	if found {
		s.entries[i] = e
	} else {
		s.entries = slices.Insert(s.entries, i, e)
	}
}

func (s *SymbolMap) RemoveSymbols(begin, end uint32) {
	s.mu.Lock()
	s.entries = slices.DeleteFunc(s.entries, func(e symbolEntry) bool { return e.addr >= begin && e.addr < end })
	s.mu.Unlock()
}

// Lookup returns the label covering addr.
func (s *SymbolMap) Lookup(addr uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, found := slices.BinarySearchFunc(s.entries, addr, func(e symbolEntry, addr uint32) int {
		return cmp.Compare(e.addr, addr)
	})
	if found {
		return s.entries[i].name, true
	}
	if i == 0 {
		return "", false
	}
	e := s.entries[i-1]
	if addr-e.addr < e.size {
		return e.name, true
	}
	return "", false
}

func (s *SymbolMap) Find(name string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.name == name {
			return e.addr, true
		}
	}
	return 0, false
}

func (s *SymbolMap) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *SymbolMap) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Symbols yields every label in address order.
func (s *SymbolMap) Symbols(yield func(debugger.Symbol) bool) {
	s.mu.RLock()
	entries := slices.Clone(s.entries)
	s.mu.RUnlock()
	for _, e := range entries {
		if !yield(debugger.Symbol{Name: e.name, Value: uint64(e.addr)}) {
			return
		}
	}
}
