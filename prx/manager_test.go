package prx

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnxd/microdbg-prx/hle"
	"github.com/wnxd/microdbg-prx/internal/testutil"
	"github.com/wnxd/microdbg-prx/kernel"
	"github.com/wnxd/microdbg/debugger"
	"github.com/wnxd/microdbg/filesystem"
)

const (
	providerBase = 0x08900000
	consumerBase = 0x08A00000

	otherProviderBase = 0x08B00000

	nidLoadModule = 0x977DE386
	nidFoo        = 0x00001234
)

type recordCPU struct {
	pc, gp uint32
}

func (c *recordCPU) SetPC(pc uint32) { c.pc = pc }
func (c *recordCPU) SetGP(gp uint32) { c.gp = gp }

type recordScheduler struct {
	reqs []ThreadRequest
}

func (s *recordScheduler) StartModuleThread(_ context.Context, req ThreadRequest) error {
	s.reqs = append(s.reqs, req)
	return nil
}

func build(m testutil.Module) ([]byte, testutil.Layout) {
	layout := m.Build()
	return layout.Image(m.Vaddr).Bytes(), layout
}

func provider() testutil.Module {
	return testutil.Module{
		Vaddr: providerBase,
		Name:  []byte("provider"),
		GP:    providerBase + 0x8000,
		Exports: []testutil.Export{{
			Name:  "libfoo",
			Funcs: []testutil.Sym{{NID: nidFoo, Addr: providerBase + 0x10}},
		}},
	}
}

func consumer() testutil.Module {
	return testutil.Module{
		Vaddr:   consumerBase,
		Name:    []byte("consumer"),
		Imports: []testutil.Import{{Module: "libfoo", NIDs: []uint32{nidFoo}}},
	}
}

func slot(t *testing.T, mgr *Manager, addr uint32) hle.Target {
	target, err := hle.ReadSlot(mgr.Memory(), addr)
	require.NoError(t, err)
	return target
}

func TestLoadEmpty(t *testing.T) {
	mgr := New(nil)
	_, err := mgr.LoadModule(nil, 0)
	require.ErrorIs(t, err, ErrEmptyFile)
	assert.Equal(t, kernel.ErrorIllegalObject, Code(err))
}

func TestLoadCorrupt(t *testing.T) {
	mgr := New(nil)
	_, err := mgr.LoadModule([]byte{0, 1, 2, 3}, 0)
	require.ErrorIs(t, err, ErrCorruptFile)
	assert.Zero(t, mgr.Allocator().Allocated())
	assert.Zero(t, mgr.Table().Len())
}

func TestLoadWrongArch(t *testing.T) {
	mgr := New(nil)
	_, err := mgr.LoadModule(testutil.ELF{Machine: 3, Vaddr: providerBase, Payload: make([]byte, 16)}.Bytes(), 0)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Zero(t, mgr.Allocator().Allocated())
}

func TestLoadModuleLive(t *testing.T) {
	mgr := New(nil)
	data, layout := build(testutil.Module{
		Vaddr:   providerBase,
		Name:    []byte("demo"),
		Attr:    0x0007,
		Version: [2]byte{1, 2},
		GP:      0x08908000,
		Imports: []testutil.Import{{Module: "ModuleMgrForUser", NIDs: []uint32{nidLoadModule}}},
	})

	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uid, kernel.UID(0x100))

	m, err := mgr.Module(uid)
	require.NoError(t, err)
	assert.Equal(t, StatusLive, m.Status())
	assert.Equal(t, "demo", m.Name())
	assert.Equal(t, uint16(0x0007), m.Attr())
	assert.Equal(t, [2]uint8{1, 2}, m.Version())
	assert.Equal(t, uint32(0x08908000), m.GP())
	assert.Equal(t, uint32(0x08908000), mgr.ModuleGP(uid))
	assert.Equal(t, uint32(providerBase), m.Entry())
	assert.Equal(t, "name=demo gp=08908000 entry=08900000", m.Describe())
	assert.Equal(t, "Module", m.KindTag())
	assert.Len(t, m.Segments(), 1)
	addr, size := m.Text()
	assert.Equal(t, layout.Text, addr)
	assert.Equal(t, layout.TextSize, size)
	assert.Equal(t, []hle.Key{{Module: "ModuleMgrForUser", NID: nidLoadModule}}, m.Imports())

	want, ok := mgr.Registry().Lookup("ModuleMgrForUser", nidLoadModule)
	require.True(t, ok)
	assert.Equal(t, hle.TargetSyscall, want.Kind)
	assert.Equal(t, want, slot(t, mgr, layout.Slots[0][0]))
	assert.Zero(t, mgr.Registry().PendingCount())

	got, ok := mgr.FindModuleByName("demo")
	require.True(t, ok)
	assert.Equal(t, uid, got)
	assert.Zero(t, mgr.ModuleGP(uid+1))
}

func TestLoadNameFillsField(t *testing.T) {
	mgr := New(nil)
	name := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123")
	require.Len(t, name, 30)
	data, _ := build(testutil.Module{Vaddr: providerBase, Name: name})
	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	m, err := mgr.Module(uid)
	require.NoError(t, err)
	assert.Equal(t, string(name[:28]), m.Name())
}

func TestUnresolvedImportsKeepModuleLive(t *testing.T) {
	mgr := New(nil)
	nids := []uint32{0x11111111, 0x22222222, 0x33333333}
	data, layout := build(testutil.Module{
		Vaddr:   providerBase,
		Name:    []byte("lonely"),
		Imports: []testutil.Import{{Module: "libmissing", NIDs: nids}},
	})
	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	m, err := mgr.Module(uid)
	require.NoError(t, err)
	assert.Equal(t, StatusLive, m.Status())
	assert.Equal(t, 3, mgr.Registry().PendingCount())

	codes := make(map[uint32]bool)
	for i, nid := range nids {
		got := slot(t, mgr, layout.Slots[0][i])
		assert.Equal(t, hle.TargetSyscall, got.Kind)
		assert.Equal(t, mgr.Registry().Unresolved("libmissing", nid), got, "same key, same trampoline")
		codes[got.Code] = true

		key, name, ok := mgr.Registry().Describe(got.Code)
		require.True(t, ok)
		assert.Equal(t, hle.Key{Module: "libmissing", NID: nid}, key)
		assert.Equal(t, key.String(), name)

		ret, err := mgr.Registry().Dispatch(got.Code, &hle.Context{Mem: mgr.Memory()})
		require.NoError(t, err)
		assert.Zero(t, ret)
	}
	assert.Len(t, codes, 3)
}

func TestImportPatchesAreDeterministic(t *testing.T) {
	var firsts []uint32
	for range 2 {
		mgr := New(nil)
		data, layout := build(consumer())
		_, err := mgr.LoadModule(data, 0)
		require.NoError(t, err)
		op, err := mgr.Memory().Read32(layout.Slots[0][0] + 4)
		require.NoError(t, err)
		firsts = append(firsts, op)
	}
	assert.Equal(t, firsts[0], firsts[1])
}

func TestExportImportRoundTrip(t *testing.T) {
	mgr := New(nil)
	data, _ := build(provider())
	_, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)

	target, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	require.True(t, ok)
	assert.Equal(t, hle.Target{Kind: hle.TargetGuest, Addr: providerBase + 0x10}, target)

	data, layout := build(consumer())
	_, err = mgr.LoadModule(data, 0)
	require.NoError(t, err)
	assert.Equal(t, target, slot(t, mgr, layout.Slots[0][0]))
	assert.Zero(t, mgr.Registry().PendingCount())
}

func TestPendingImportBoundByLaterExport(t *testing.T) {
	mgr := New(nil)
	data, layout := build(consumer())
	_, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	site := layout.Slots[0][0]
	unresolved := slot(t, mgr, site)
	require.Equal(t, hle.TargetSyscall, unresolved.Kind)
	require.Equal(t, 1, mgr.Registry().PendingCount())

	data, _ = build(provider())
	providerUID, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	assert.Equal(t, hle.Target{Kind: hle.TargetGuest, Addr: providerBase + 0x10}, slot(t, mgr, site))
	assert.Zero(t, mgr.Registry().PendingCount())

	// unloading the provider sends the call site back to the trampoline
	require.NoError(t, mgr.UnloadModule(providerUID))
	assert.Equal(t, unresolved, slot(t, mgr, site))
	assert.Equal(t, 1, mgr.Registry().PendingCount())
	_, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	assert.False(t, ok)
}

func TestHostBindingRestoredAfterUnload(t *testing.T) {
	mgr := New(nil)
	host, ok := mgr.Registry().Lookup("ModuleMgrForUser", nidLoadModule)
	require.True(t, ok)

	data, _ := build(testutil.Module{
		Vaddr: providerBase,
		Name:  []byte("override"),
		Exports: []testutil.Export{{
			Name:  "ModuleMgrForUser",
			Funcs: []testutil.Sym{{NID: nidLoadModule, Addr: providerBase + 0x20}},
		}},
	})
	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	got, _ := mgr.Registry().Lookup("ModuleMgrForUser", nidLoadModule)
	assert.Equal(t, hle.TargetGuest, got.Kind)

	require.NoError(t, mgr.UnloadModule(uid))
	got, _ = mgr.Registry().Lookup("ModuleMgrForUser", nidLoadModule)
	assert.Equal(t, host, got)
}

func otherProvider() testutil.Module {
	m := provider()
	m.Vaddr = otherProviderBase
	m.Name = []byte("provider2")
	m.GP = otherProviderBase + 0x8000
	m.Exports = []testutil.Export{{
		Name:  "libfoo",
		Funcs: []testutil.Sym{{NID: nidFoo, Addr: otherProviderBase + 0x10}},
	}}
	return m
}

func TestUnloadShadowedProviderRebindsImporters(t *testing.T) {
	mgr := New(nil)
	data, _ := build(provider())
	first, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	data, layout := build(consumer())
	_, err = mgr.LoadModule(data, 0)
	require.NoError(t, err)
	site := layout.Slots[0][0]
	require.Equal(t, hle.Target{Kind: hle.TargetGuest, Addr: providerBase + 0x10}, slot(t, mgr, site))

	data, _ = build(otherProvider())
	second, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	assert.Equal(t, hle.Target{Kind: hle.TargetGuest, Addr: providerBase + 0x10}, slot(t, mgr, site),
		"bound sites keep their provider")

	require.NoError(t, mgr.UnloadModule(first))
	want := hle.Target{Kind: hle.TargetGuest, Addr: otherProviderBase + 0x10}
	assert.Equal(t, want, slot(t, mgr, site))
	got, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, mgr.UnloadModule(second))
	assert.Equal(t, hle.TargetSyscall, slot(t, mgr, site).Kind)
	assert.Equal(t, 1, mgr.Registry().PendingCount())
}

func TestUnloadRestoresEarlierProvider(t *testing.T) {
	mgr := New(nil)
	data, _ := build(provider())
	_, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	data, _ = build(otherProvider())
	second, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	data, layout := build(consumer())
	_, err = mgr.LoadModule(data, 0)
	require.NoError(t, err)
	site := layout.Slots[0][0]
	require.Equal(t, hle.Target{Kind: hle.TargetGuest, Addr: otherProviderBase + 0x10}, slot(t, mgr, site))

	require.NoError(t, mgr.UnloadModule(second))
	want := hle.Target{Kind: hle.TargetGuest, Addr: providerBase + 0x10}
	got, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	require.True(t, ok, "the remaining provider takes over")
	assert.Equal(t, want, got)
	assert.Equal(t, want, slot(t, mgr, site))
	assert.Zero(t, mgr.Registry().PendingCount())
}

func TestFindSymbolDuringUnload(t *testing.T) {
	mgr := New(nil)
	data, _ := build(provider())
	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	m, err := mgr.Module(uid)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 1000 {
			mgr.FindSymbol("0x1234")
			m.Symbols(func(debugger.Symbol) bool { return true })
		}
	}()
	require.NoError(t, mgr.UnloadModule(uid))
	wg.Wait()

	_, err = m.FindSymbol("0x1234")
	assert.ErrorIs(t, err, debugger.ErrSymbolNotFound)
}

func TestPaddingExportSkipped(t *testing.T) {
	mgr := New(nil)
	m := provider()
	m.PadExport = true
	data, _ := build(m)
	_, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	_, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	assert.True(t, ok)
}

func syslibModule(vaddr uint32, data uint32) testutil.Module {
	return testutil.Module{
		Vaddr: vaddr,
		Name:  []byte("syslib"),
		Exports: []testutil.Export{{
			Attr: 0x8000,
			Funcs: []testutil.Sym{
				{NID: nidModuleStart, Addr: vaddr + 0x20},
				{NID: nidModuleStop, Addr: vaddr + 0x28},
				{NID: nidModuleRebootBefore, Addr: vaddr + 0x30},
			},
			Vars: []testutil.Sym{{NID: nidModuleStartThreadParameter, Addr: data}},
		}},
		Data: binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(
			binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, 3), 0x10), 0x8000), 0x80004000),
	}
}

func TestSyslibLifecycle(t *testing.T) {
	probe := syslibModule(providerBase, 0).Build()
	m := syslibModule(providerBase, probe.Data)
	layout := m.Build()
	require.Equal(t, probe.Data, layout.Data)

	img := layout.Image(providerBase)
	img.Entry = entryUseModuleStart
	sched := new(recordScheduler)
	mgr := New(nil, WithScheduler(sched))
	uid, err := mgr.LoadModule(img.Bytes(), 0)
	require.NoError(t, err)
	mod, err := mgr.Module(uid)
	require.NoError(t, err)

	life := mod.Lifecycle()
	assert.Equal(t, uint32(providerBase+0x20), life.Start)
	assert.Equal(t, uint32(providerBase+0x28), life.Stop)
	assert.Equal(t, uint32(providerBase+0x30), life.RebootBefore)
	assert.Zero(t, life.BootStart)
	assert.Equal(t, ThreadParam{Priority: 0x10, StackSize: 0x8000, Attr: 0x80004000}, life.StartThread)

	// the nameless library is published under the module's own name
	target, ok := mgr.Registry().Lookup("syslib", nidModuleStart)
	require.True(t, ok)
	assert.Equal(t, uint32(providerBase+0x20), target.Addr)

	require.NoError(t, mod.Init(context.Background()))
	require.Len(t, sched.reqs, 1)
	req := sched.reqs[0]
	assert.Equal(t, uid, req.Module)
	assert.Equal(t, uint32(providerBase+0x20), req.Entry, "entry -1 runs module_start")
	assert.Equal(t, StartOptions{Priority: 0x10, StackSize: 0x8000, Attr: 0x80004000}, req.Options)
}

func TestBlacklistedModule(t *testing.T) {
	mgr := New(nil)
	data, _ := build(testutil.Module{Vaddr: providerBase, Name: []byte("sceNet_Library")})
	_, err := mgr.LoadModule(data, 0)
	require.ErrorIs(t, err, ErrBlacklisted)
	assert.Equal(t, kernel.ErrorOK, Code(err))
	assert.Zero(t, mgr.Allocator().Allocated())
	assert.Zero(t, mgr.Table().Len())
	_, ok := mgr.FindModuleByName("sceNet_Library")
	assert.False(t, ok)
}

func TestBlacklistFromConfig(t *testing.T) {
	cfg := New(nil).Config()
	cfg.Loader.Blacklist = []string{"provider"}
	mgr := New(cfg)
	data, _ := build(provider())
	_, err := mgr.LoadModule(data, 0)
	require.ErrorIs(t, err, ErrBlacklisted)
	_, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	assert.False(t, ok)

	data, _ = build(testutil.Module{Vaddr: providerBase, Name: []byte("sceNet_Library")})
	_, err = mgr.LoadModule(data, 0)
	require.NoError(t, err)
}

func TestUnloadTwice(t *testing.T) {
	mgr := New(nil)
	data, _ := build(provider())
	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.Allocator().Allocated())

	require.NoError(t, mgr.UnloadModule(uid))
	assert.Zero(t, mgr.Allocator().Allocated())

	err = mgr.UnloadModule(uid)
	require.ErrorIs(t, err, ErrLookup)
	assert.Equal(t, kernel.ErrorUnknownModule, Code(err))
	assert.Zero(t, mgr.Allocator().Allocated())

	// the block is reusable, so it was released exactly once
	uid, err = mgr.LoadModule(data, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.Allocator().Allocated())
	_, err = mgr.Module(uid)
	require.NoError(t, err)
}

func TestMapFailureReleasesNothing(t *testing.T) {
	mgr := New(nil)
	data, _ := build(provider())
	_, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)

	_, err = mgr.LoadModule(data, 0)
	require.ErrorIs(t, err, ErrMap)
	assert.Equal(t, kernel.ErrorMemblockAllocFailed, Code(err))
	assert.Equal(t, 1, mgr.Allocator().Allocated())
	assert.Equal(t, 1, mgr.Table().Len())
}

func TestCorruptStubTableRollsBack(t *testing.T) {
	mgr := New(nil)
	layout := consumer().Build()
	info := layout.ModInfo - consumerBase
	binary.LittleEndian.PutUint32(layout.Payload[info+44:], 0x00000010)
	binary.LittleEndian.PutUint32(layout.Payload[info+48:], 0x00000024)

	_, err := mgr.LoadModule(layout.Image(consumerBase).Bytes(), 0)
	require.ErrorIs(t, err, ErrCorruptFile)
	assert.Zero(t, mgr.Allocator().Allocated())
	assert.Zero(t, mgr.Table().Len())
}

func TestModuleInfoFallback(t *testing.T) {
	mgr := New(nil)
	layout := testutil.Module{Name: []byte("fallback"), GP: 0x1234}.Build()
	img := testutil.ELF{
		Type:     testutil.ET_SCE_PRX,
		Paddr:    testutil.PayloadOffset() + layout.ModInfo,
		Payload:  layout.Payload,
		Sections: layout.Sections[:1],
	}
	uid, err := mgr.LoadModule(img.Bytes(), 0x08A00000)
	require.NoError(t, err)
	m, err := mgr.Module(uid)
	require.NoError(t, err)
	assert.Equal(t, "fallback", m.Name())
	assert.Equal(t, uint32(0x1234), m.GP())
	assert.Equal(t, uint64(0x08A00000), m.BaseAddr())
}

func TestSymbolSink(t *testing.T) {
	symbols := NewSymbolMap()
	mgr := New(nil, WithSymbols(symbols))
	data, layout := build(testutil.Module{
		Vaddr: providerBase,
		Name:  []byte("labels"),
		Imports: []testutil.Import{
			{Module: "ModuleMgrForUser", NIDs: []uint32{nidLoadModule}},
			{Module: "libfoo", NIDs: []uint32{nidFoo}},
		},
	})
	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)

	name, ok := symbols.Lookup(layout.Slots[0][0] + 4)
	require.True(t, ok)
	assert.Equal(t, "zz_sceKernelLoadModule", name)
	addr, ok := symbols.Find("zz_libfoo_00001234")
	require.True(t, ok)
	assert.Equal(t, layout.Slots[1][0], addr)
	assert.Equal(t, 2, symbols.Len())

	require.NoError(t, mgr.UnloadModule(uid))
	assert.Zero(t, symbols.Len())
}

func TestModuleManagerInterface(t *testing.T) {
	mgr := New(nil)
	data, _ := build(provider())
	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)

	var dm debugger.ModuleManager = mgr
	m, err := dm.FindModule("provider")
	require.NoError(t, err)
	base, size := m.Region()
	assert.Equal(t, uint64(providerBase), base)
	assert.NotZero(t, size)

	m2, err := dm.FindModuleByAddr(providerBase + 4)
	require.NoError(t, err)
	assert.Same(t, m, m2)
	assert.Nil(t, dm.GetModule(0x09F00000))
	_, err = dm.FindModule("nobody")
	require.ErrorIs(t, err, debugger.ErrModuleNotFound)

	owner, addr, err := dm.FindSymbol("0x00001234")
	require.NoError(t, err)
	assert.Same(t, m, owner)
	assert.Equal(t, uint64(providerBase+0x10), addr)
	_, _, err = dm.FindSymbol("missing_function")
	require.ErrorIs(t, err, debugger.ErrSymbolNotFound)

	var names []string
	m.(debugger.SymbolIter).Symbols(func(sym debugger.Symbol) bool {
		names = append(names, sym.Name)
		return true
	})
	assert.Equal(t, []string{"libfoo_00001234"}, names)

	require.NoError(t, m.Close())
	_, err = mgr.Module(uid)
	require.ErrorIs(t, err, ErrLookup)
	assert.Zero(t, mgr.Allocator().Allocated())
}

func TestLoadAndStart(t *testing.T) {
	dir := t.TempDir()
	data, _ := build(testutil.Module{Vaddr: 0x08804000, Name: []byte("game"), GP: 0x0880C000})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EBOOT.PBP"), container(assets(data)...), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EMPTY.BIN"), nil, 0o644))

	cpu := new(recordCPU)
	sched := new(recordScheduler)
	mgr := New(nil, WithFS(filesystem.SysDirFS(dir)), WithCPU(cpu), WithScheduler(sched))

	old, _ := build(provider())
	_, err := mgr.LoadModule(old, 0)
	require.NoError(t, err)

	require.NoError(t, mgr.LoadAndStart(context.Background(), "EBOOT.PBP", nil))
	assert.Equal(t, 1, mgr.Table().Len(), "load-exec drops earlier modules")
	_, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	assert.False(t, ok)

	main := mgr.MainModule()
	require.NotNil(t, main)
	assert.Equal(t, "game", main.Name())
	assert.Equal(t, uint32(0x08804000), cpu.pc)
	assert.Equal(t, uint32(0x0880C000), cpu.gp)

	require.Len(t, sched.reqs, 1)
	req := sched.reqs[0]
	assert.Equal(t, main.UID(), req.Module)
	assert.Equal(t, []byte("EBOOT.PBP\x00"), req.Args)
	assert.Equal(t, StartOptions{Priority: 0x20, StackSize: 0x40000, Attr: 0x80000000}, req.Options)

	assert.Equal(t, main.UID(), mgr.ModuleIDByAddress(0x08804010))
	assert.Zero(t, mgr.ModuleIDByAddress(0x09000000))

	err = mgr.LoadAndStart(context.Background(), "MISSING.PBP", nil)
	require.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, kernel.ErrorNoFile, Code(err))
	assert.Nil(t, mgr.MainModule())

	err = mgr.LoadAndStart(context.Background(), "EMPTY.BIN", nil)
	require.ErrorIs(t, err, ErrEmptyFile)
	assert.Equal(t, kernel.ErrorIllegalObject, Code(err))
}

func TestReset(t *testing.T) {
	symbols := NewSymbolMap()
	mgr := New(nil, WithSymbols(symbols))
	data, _ := build(provider())
	_, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	data, _ = build(consumer())
	_, err = mgr.LoadModule(data, 0)
	require.NoError(t, err)

	_, err = mgr.Allocator().AllocAt(0x09000000, 0x1000)
	require.NoError(t, err)

	mgr.Reset()
	assert.Zero(t, mgr.Table().Len())
	assert.Zero(t, mgr.Allocator().Allocated(), "stray blocks go too")
	assert.Zero(t, mgr.Allocator().Used())
	assert.Zero(t, mgr.Registry().PendingCount())
	assert.Zero(t, symbols.Len())
	_, ok := mgr.Registry().Lookup("libfoo", nidFoo)
	assert.False(t, ok)
	_, ok = mgr.Registry().Lookup("ModuleMgrForUser", nidLoadModule)
	assert.True(t, ok, "host functions survive a reset")

	uid, err := mgr.LoadModule(data, 0)
	require.NoError(t, err)
	assert.Equal(t, kernel.UID(0x100), uid)
}
