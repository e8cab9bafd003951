package prx

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/wnxd/microdbg-prx/elf"
	"github.com/wnxd/microdbg-prx/hle"
	"github.com/wnxd/microdbg-prx/kernel"
	"github.com/wnxd/microdbg/debugger"
	"github.com/wnxd/microdbg/emulator"
)

// Status is the stage a module reached while loading.
type Status int

const (
	StatusStarted Status = iota
	StatusUnwrapped
	StatusDecrypted
	StatusValidated
	StatusMapped
	StatusMetadataExtracted
	StatusRejected
	StatusResolved
	StatusLive
	StatusAborted
	StatusUnloaded
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusUnwrapped:
		return "unwrapped"
	case StatusDecrypted:
		return "decrypted"
	case StatusValidated:
		return "validated"
	case StatusMapped:
		return "mapped"
	case StatusMetadataExtracted:
		return "metadata_extracted"
	case StatusRejected:
		return "rejected"
	case StatusResolved:
		return "resolved"
	case StatusLive:
		return "live"
	case StatusAborted:
		return "aborted"
	case StatusUnloaded:
		return "unloaded"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

const maxSegments = 4

type ThreadParam struct {
	Priority  uint32
	StackSize uint32
	Attr      uint32
}

// Lifecycle holds the entry points published by a module's own library.
// Zero means the module does not provide the function.
type Lifecycle struct {
	Start        uint32
	Stop         uint32
	BootStart    uint32
	RebootBefore uint32
	RebootPhase  uint32

	StartThread        ThreadParam
	StopThread         ThreadParam
	RebootBeforeThread ThreadParam
}

type importSite struct {
	key  hle.Key
	slot uint32
}

type exportSym struct {
	key  hle.Key
	name string
	addr uint32
}

// Module is a guest executable mapped into memory.
type Module struct {
	mgr      *Manager
	uid      kernel.UID
	info     ModuleInfo
	status   Status
	entry    uint32
	life     Lifecycle
	segments []elf.Segment
	text     elf.Section
	region   emulator.MemRegion
	imports  []importSite

	mu      sync.RWMutex
	exports []exportSym
}

var (
	_ kernel.Object       = (*Module)(nil)
	_ debugger.Module     = (*Module)(nil)
	_ debugger.SymbolIter = (*Module)(nil)
)

func (m *Module) UID() kernel.UID {
	return m.uid
}

func (m *Module) Info() ModuleInfo {
	return m.info
}

func (m *Module) Status() Status {
	return m.status
}

func (m *Module) GP() uint32 {
	return m.info.GP
}

func (m *Module) Attr() uint16 {
	return m.info.Attr
}

func (m *Module) Version() [2]uint8 {
	return m.info.Version
}

func (m *Module) Entry() uint32 {
	return m.entry
}

func (m *Module) Lifecycle() Lifecycle {
	return m.life
}

// Segments returns at most the first four loaded segments.
func (m *Module) Segments() []elf.Segment {
	return m.segments
}

func (m *Module) Text() (addr, size uint32) {
	return m.text.Addr, m.text.Size
}

// Imports returns the keys of every patched call site, in table order.
func (m *Module) Imports() []hle.Key {
	keys := make([]hle.Key, len(m.imports))
	for i, site := range m.imports {
		keys[i] = site.key
	}
	return keys
}

func (m *Module) Contains(addr uint32) bool {
	return uint64(addr) >= m.region.Addr && uint64(addr) < m.region.Addr+m.region.Size
}

func (m *Module) Name() string {
	return ModuleName(m.info.Name)
}

func (m *Module) Describe() string {
	return fmt.Sprintf("name=%s gp=%08x entry=%08x", m.Name(), m.info.GP, m.entry)
}

func (m *Module) KindTag() string {
	return "Module"
}

// Close unloads the module from its manager.
func (m *Module) Close() error {
	if m.mgr == nil {
		return ErrLookup
	}
	return m.mgr.UnloadModule(m.uid)
}

func (m *Module) Region() (uint64, uint64) {
	return m.region.Addr, m.region.Size
}

func (m *Module) BaseAddr() uint64 {
	return m.region.Addr
}

func (m *Module) EntryAddr() uint64 {
	return uint64(m.entry)
}

// Init runs the module's entry through the manager's scheduler.
func (m *Module) Init(ctx context.Context) error {
	if m.mgr == nil {
		return ErrLookup
	}
	return m.mgr.StartModule(ctx, m.uid, nil, nil)
}

// FindSymbol looks up an export by function name or by NID written in hex.
func (m *Module) FindSymbol(name string) (uint64, error) {
	exports := m.exportList()
	nid := hle.NID(name)
	for _, sym := range exports {
		if sym.key.NID == nid || sym.name == name {
			return uint64(sym.addr), nil
		}
	}
	if v, err := strconv.ParseUint(strings.TrimPrefix(name, "0x"), 16, 32); err == nil {
		for _, sym := range exports {
			if sym.key.NID == uint32(v) {
				return uint64(sym.addr), nil
			}
		}
	}
	return 0, debugger.ErrSymbolNotFound
}

func (m *Module) Symbols(yield func(debugger.Symbol) bool) {
	for _, sym := range m.exportList() {
		if !yield(debugger.Symbol{Name: sym.name, Value: uint64(sym.addr)}) {
			return
		}
	}
}

func (m *Module) exportList() []exportSym {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.exports)
}
