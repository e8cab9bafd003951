package prx

import (
	"encoding/binary"

	"github.com/wnxd/microdbg-prx/hle"
	"go.uber.org/zap"
)

const entEntrySize = 16

// Functions and variables of the nameless system library every module
// exports for itself.
const (
	nidModuleStart        = 0xD632ACDB
	nidModuleStop         = 0xCEE8593C
	nidModuleRebootBefore = 0x2F064FA6
	nidModuleRebootPhase  = 0xADF12745
	nidModuleBootStart    = 0xD3744BE0

	nidModuleStartThreadParameter        = 0x0F7C276C
	nidModuleStopThreadParameter         = 0xCF0CC697
	nidModuleRebootBeforeThreadParameter = 0xF4F4299D
)

// EntEntry describes one exported library in .lib.ent.
type EntEntry struct {
	Name      uint32
	Version   uint16
	Flags     uint16
	Size      uint8
	VarCount  uint8
	FuncCount uint16
	Resident  uint32
}

func (e *EntEntry) next() uint32 {
	if e.Size > 4 {
		return uint32(e.Size) * 4
	}
	return entEntrySize
}

// registerExports publishes the module's exports and patches call sites
// that were waiting for them.
func (mgr *Manager) registerExports(m *Module) error {
	begin, end := m.info.LibEnt, m.info.LibEntEnd
	if end < begin {
		return newError(KindCorruptFile, nil, "export table %08x-%08x", begin, end)
	}
	for addr := begin; addr < end && end-addr >= entEntrySize; {
		if !mgr.mem.Contains(addr, entEntrySize) {
			return newError(KindCorruptFile, nil, "export entry at %08x outside guest memory", addr)
		}
		var entry EntEntry
		if err := binary.Read(mgr.mem.SectionReader(addr, entEntrySize), binary.LittleEndian, &entry); err != nil {
			return newError(KindCorruptFile, err, "export entry at %08x", addr)
		}
		if entry.Size == 0 {
			addr += entEntrySize
			continue
		}
		syslib := entry.Name == 0
		owner := m.Name()
		if !syslib {
			name, err := mgr.mem.ReadString(entry.Name, maxLibName)
			if err != nil {
				return newError(KindCorruptFile, err, "export entry at %08x name", addr)
			}
			owner = name
		}
		fcount, vcount := uint32(entry.FuncCount), uint32(entry.VarCount)
		total := fcount + vcount
		if !mgr.mem.Contains(entry.Resident, 8*total) {
			return newError(KindCorruptFile, nil, "%s resident table at %08x outside guest memory", owner, entry.Resident)
		}
		Logger().Info("exporting library",
			zap.String("module", m.Name()),
			zap.String("library", owner),
			zap.Uint32("funcs", fcount),
			zap.Uint32("vars", vcount),
			zap.Uint32("resident", entry.Resident))
		// nid[f] nid[v] addr[f] addr[v]
		for j := range total {
			nid, _ := mgr.mem.Read32(entry.Resident + 4*j)
			sym, _ := mgr.mem.Read32(entry.Resident + 4*(total+j))
			if syslib {
				mgr.applySyslib(m, nid, sym, j < fcount)
			}
			mgr.publish(m, owner, nid, sym)
		}
		addr += entry.next()
	}
	return nil
}

func (mgr *Manager) publish(m *Module, owner string, nid, addr uint32) {
	mgr.registry.Publish(owner, nid, addr)
	key := hle.Key{Module: owner, NID: nid}
	m.mu.Lock()
	m.exports = append(m.exports, exportSym{key: key, name: mgr.registry.FuncName(owner, nid), addr: addr})
	m.mu.Unlock()
	target := hle.Target{Kind: hle.TargetGuest, Addr: addr}
	for _, slot := range mgr.registry.TakePending(owner, nid) {
		if err := target.Patch(slot).Apply(mgr.mem); err != nil {
			Logger().Warn("cannot patch pending call site", zap.Uint32("slot", slot), zap.Error(err))
			continue
		}
		Logger().Debug("pending import bound",
			zap.String("library", owner),
			zap.Uint32("nid", nid),
			zap.Uint32("slot", slot))
	}
}

func (mgr *Manager) applySyslib(m *Module, nid, addr uint32, fn bool) {
	life := &m.life
	if fn {
		switch nid {
		case nidModuleStart:
			life.Start = addr
		case nidModuleStop:
			life.Stop = addr
		case nidModuleRebootBefore:
			life.RebootBefore = addr
		case nidModuleRebootPhase:
			life.RebootPhase = addr
		case nidModuleBootStart:
			life.BootStart = addr
		}
		return
	}
	switch nid {
	case nidModuleStartThreadParameter:
		mgr.readThreadParam(&life.StartThread, addr)
	case nidModuleStopThreadParameter:
		mgr.readThreadParam(&life.StopThread, addr)
	case nidModuleRebootBeforeThreadParameter:
		mgr.readThreadParam(&life.RebootBeforeThread, addr)
	}
}

// readThreadParam reads {count, priority, stacksize, attr}.
func (mgr *Manager) readThreadParam(p *ThreadParam, addr uint32) {
	var raw [4]uint32
	if !mgr.mem.Contains(addr, 16) {
		Logger().Warn("thread parameter outside guest memory", zap.Uint32("addr", addr))
		return
	}
	if err := binary.Read(mgr.mem.SectionReader(addr, 16), binary.LittleEndian, &raw); err != nil {
		return
	}
	if raw[0] < 3 {
		Logger().Warn("short thread parameter", zap.Uint32("addr", addr), zap.Uint32("count", raw[0]))
		return
	}
	p.Priority, p.StackSize, p.Attr = raw[1], raw[2], raw[3]
}
