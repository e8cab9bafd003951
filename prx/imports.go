package prx

import (
	"encoding/binary"

	"github.com/wnxd/microdbg-prx/hle"
	"go.uber.org/zap"
)

const (
	stubEntrySize = 20
	maxLibName    = 256
)

// StubEntry describes one imported library in .lib.stub.
type StubEntry struct {
	Name     uint32
	Version  uint16
	Flags    uint16
	Size     uint16
	NumFuncs uint16
	NIDData  uint32
	FirstSym uint32
}

func (e *StubEntry) next() uint32 {
	if e.Size >= 5 {
		return uint32(e.Size) * 4
	}
	return stubEntrySize
}

// resolveImports patches every call site listed in the module's stub table.
// Imports nobody provides yet get a trampoline and stay pending.
func (mgr *Manager) resolveImports(m *Module) error {
	begin, end := m.info.LibStub, m.info.LibStubEnd
	if end < begin {
		return newError(KindCorruptFile, nil, "stub table %08x-%08x", begin, end)
	}
	var unresolved int
	for addr := begin; addr < end && end-addr >= stubEntrySize; {
		if !mgr.mem.Contains(addr, stubEntrySize) {
			return newError(KindCorruptFile, nil, "stub entry at %08x outside guest memory", addr)
		}
		var entry StubEntry
		if err := binary.Read(mgr.mem.SectionReader(addr, stubEntrySize), binary.LittleEndian, &entry); err != nil {
			return newError(KindCorruptFile, err, "stub entry at %08x", addr)
		}
		lib, err := mgr.mem.ReadString(entry.Name, maxLibName)
		if err != nil {
			return newError(KindCorruptFile, err, "stub entry at %08x name", addr)
		}
		Logger().Debug("importing library",
			zap.String("module", m.Name()),
			zap.String("library", lib),
			zap.Uint16("funcs", entry.NumFuncs),
			zap.Uint32("stubs", entry.FirstSym))
		for i := range uint32(entry.NumFuncs) {
			nid, err := mgr.mem.Read32(entry.NIDData + 4*i)
			if err != nil {
				return newError(KindCorruptFile, err, "%s import %d", lib, i)
			}
			slot := entry.FirstSym + hle.SlotSize*i
			resolved, err := mgr.bindSite(lib, nid, slot)
			if err != nil {
				return newError(KindCorruptFile, err, "%s import %d", lib, i)
			}
			if !resolved {
				unresolved++
			}
			m.imports = append(m.imports, importSite{key: hle.Key{Module: lib, NID: nid}, slot: slot})
			if mgr.symbols != nil {
				mgr.symbols.AddSymbol("zz_"+mgr.registry.FuncName(lib, nid), slot, hle.SlotSize)
			}
		}
		addr += entry.next()
	}
	if unresolved != 0 {
		Logger().Warn("module has unresolved imports",
			zap.String("module", m.Name()),
			zap.Int("count", unresolved))
	}
	return nil
}

// bindSite patches one call site with the current target of (lib, nid). It
// reports false when nothing provides the key and the site was left pending.
func (mgr *Manager) bindSite(lib string, nid, slot uint32) (bool, error) {
	target, ok := mgr.registry.Lookup(lib, nid)
	if !ok {
		target = mgr.registry.Unresolved(lib, nid)
		Logger().Warn("unresolved import",
			zap.String("library", lib),
			zap.Uint32("nid", nid),
			zap.Uint32("slot", slot))
	}
	if err := target.Patch(slot).Apply(mgr.mem); err != nil {
		return false, err
	}
	if !ok {
		mgr.registry.AddPending(lib, nid, slot)
	}
	return ok, nil
}
