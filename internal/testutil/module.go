package testutil

// Sym is one exported function or variable.
type Sym struct {
	NID  uint32
	Addr uint32
}

type Import struct {
	Module string
	NIDs   []uint32
}

// Export is one library entry. An empty Name produces a nameless entry,
// which the loader attributes to the module itself.
type Export struct {
	Name  string
	Attr  uint16
	Funcs []Sym
	Vars  []Sym
}

// Module lays out a guest module around its module info header.
type Module struct {
	Vaddr   uint32
	Name    []byte
	Attr    uint16
	Version [2]byte
	GP      uint32
	Imports []Import
	Exports []Export
	// PadExport inserts a zero-sized export record before the real ones.
	PadExport bool
	// Data is appended after the tables; its address is reported in Layout.
	Data []byte
}

// Layout reports where Build placed things, as guest addresses.
type Layout struct {
	Payload  []byte
	ModInfo  uint32
	Text     uint32
	TextSize uint32
	Slots    [][]uint32
	Data     uint32
	Sections []Section
}

const codeSize = 0x40

type builder struct {
	buf   []byte
	vaddr uint32
}

func (b *builder) alloc(n uint32) uint32 {
	b.buf = pad(b.buf, 4)
	off := uint32(len(b.buf))
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

func (b *builder) str(s string) uint32 {
	off := b.alloc(uint32(len(s)) + 1)
	copy(b.buf[off:], s)
	return b.vaddr + off
}

func (b *builder) put32(off, v uint32) {
	le.PutUint32(b.buf[off:], v)
}

func (b *builder) put16(off uint32, v uint16) {
	le.PutUint16(b.buf[off:], v)
}

func (m Module) Build() Layout {
	b := &builder{vaddr: m.Vaddr}
	b.alloc(codeSize)
	info := b.alloc(52)

	names := make([]uint32, len(m.Imports))
	nids := make([]uint32, len(m.Imports))
	slots := make([]uint32, len(m.Imports))
	layout := Layout{Text: m.Vaddr, TextSize: codeSize, ModInfo: m.Vaddr + info}
	for i, imp := range m.Imports {
		names[i] = b.str(imp.Module)
		nids[i] = b.alloc(uint32(4 * len(imp.NIDs)))
		for j, nid := range imp.NIDs {
			b.put32(nids[i]+uint32(4*j), nid)
		}
		slots[i] = b.alloc(uint32(8 * len(imp.NIDs)))
		var addrs []uint32
		for j := range imp.NIDs {
			addrs = append(addrs, m.Vaddr+slots[i]+uint32(8*j))
		}
		layout.Slots = append(layout.Slots, addrs)
	}
	stubTop := b.alloc(uint32(20 * len(m.Imports)))
	for i, imp := range m.Imports {
		e := stubTop + uint32(20*i)
		b.put32(e, names[i])
		b.put16(e+4, 0x0011)
		b.put16(e+6, 0x4001)
		b.put16(e+8, 5)
		b.put16(e+10, uint16(len(imp.NIDs)))
		b.put32(e+12, m.Vaddr+nids[i])
		b.put32(e+16, m.Vaddr+slots[i])
	}
	stubEnd := uint32(len(b.buf))

	entNames := make([]uint32, len(m.Exports))
	residents := make([]uint32, len(m.Exports))
	for i, exp := range m.Exports {
		if exp.Name != "" {
			entNames[i] = b.str(exp.Name)
		}
		n := uint32(len(exp.Funcs) + len(exp.Vars))
		residents[i] = b.alloc(8 * n)
		syms := append(append([]Sym(nil), exp.Funcs...), exp.Vars...)
		for j, sym := range syms {
			b.put32(residents[i]+uint32(4*j), sym.NID)
			b.put32(residents[i]+4*n+uint32(4*j), sym.Addr)
		}
	}
	var entTop uint32
	if m.PadExport {
		entTop = b.alloc(16)
	} else {
		entTop = b.alloc(0)
	}
	for i, exp := range m.Exports {
		e := b.alloc(16)
		if entNames[i] != 0 {
			b.put32(e, entNames[i])
		}
		b.put16(e+4, 0x0011)
		b.put16(e+6, exp.Attr)
		b.buf[e+8] = 4
		b.buf[e+9] = byte(len(exp.Vars))
		b.put16(e+10, uint16(len(exp.Funcs)))
		b.put32(e+12, m.Vaddr+residents[i])
	}
	entEnd := uint32(len(b.buf))

	if len(m.Data) != 0 {
		off := b.alloc(uint32(len(m.Data)))
		copy(b.buf[off:], m.Data)
		layout.Data = m.Vaddr + off
	}

	b.put16(info, m.Attr)
	b.buf[info+2] = m.Version[0]
	b.buf[info+3] = m.Version[1]
	b.put32(info+32, m.GP)
	b.put32(info+36, m.Vaddr+entTop)
	b.put32(info+40, m.Vaddr+entEnd)
	b.put32(info+44, m.Vaddr+stubTop)
	b.put32(info+48, m.Vaddr+stubEnd)
	// the name goes last so an oversized one spills into the following fields
	copy(b.buf[info+4:], m.Name)

	layout.Payload = pad(b.buf, 4)
	layout.Sections = []Section{
		{Name: ".text", Offset: 0, Size: codeSize},
		{Name: ".rodata.sceModuleInfo", Offset: info, Size: 52},
		{Name: ".lib.stub", Offset: stubTop, Size: stubEnd - stubTop},
		{Name: ".lib.ent", Offset: entTop, Size: entEnd - entTop},
	}
	return layout
}

// Image wraps the layout in a fixed-address executable.
func (l Layout) Image(vaddr uint32) ELF {
	return ELF{
		Type:     ET_EXEC,
		Vaddr:    vaddr,
		Paddr:    vaddr,
		Entry:    vaddr,
		Payload:  l.Payload,
		Sections: l.Sections,
	}
}
