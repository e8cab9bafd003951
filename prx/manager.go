package prx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"sync"

	"github.com/wnxd/microdbg-prx/config"
	"github.com/wnxd/microdbg-prx/elf"
	"github.com/wnxd/microdbg-prx/guest"
	"github.com/wnxd/microdbg-prx/hle"
	"github.com/wnxd/microdbg-prx/kernel"
	"github.com/wnxd/microdbg/debugger"
	"github.com/wnxd/microdbg/emulator"
	"github.com/wnxd/microdbg/filesystem"
	"go.uber.org/zap"
)

// entryUseModuleStart in the ELF header means "run module_start instead".
const entryUseModuleStart = 0xFFFFFFFF

// CPU is the part of the guest processor the loader touches.
type CPU interface {
	SetPC(pc uint32)
	SetGP(gp uint32)
}

type StartOptions struct {
	Priority  uint32
	StackSize uint32
	Attr      uint32
}

// ThreadRequest asks the scheduler for a module's first thread.
type ThreadRequest struct {
	Module  kernel.UID
	Name    string
	Entry   uint32
	GP      uint32
	Args    []byte
	Options StartOptions
}

type Scheduler interface {
	StartModuleThread(ctx context.Context, req ThreadRequest) error
}

type Option func(*Manager)

func WithDecrypter(fn Decrypter) Option {
	return func(mgr *Manager) { mgr.decrypter = fn }
}

func WithCPU(cpu CPU) Option {
	return func(mgr *Manager) { mgr.cpu = cpu }
}

func WithScheduler(s Scheduler) Option {
	return func(mgr *Manager) { mgr.scheduler = s }
}

func WithSymbols(sink SymbolSink) Option {
	return func(mgr *Manager) { mgr.symbols = sink }
}

func WithFS(fsys filesystem.FS) Option {
	return func(mgr *Manager) { mgr.fs = fsys }
}

// WithHostModules registers natively implemented libraries next to
// ModuleMgrForUser.
func WithHostModules(modules ...hle.HostModule) Option {
	return func(mgr *Manager) { mgr.hostModules = append(mgr.hostModules, modules...) }
}

// Manager loads guest modules into one address space and owns every
// process-scoped table they touch. Loads, unloads and resets are serialized.
type Manager struct {
	mu          sync.Mutex
	cfg         *config.Config
	mem         *guest.Memory
	alloc       *guest.Allocator
	registry    *hle.Registry
	table       *kernel.Table
	blacklist   Blacklist
	decrypter   Decrypter
	cpu         CPU
	scheduler   Scheduler
	symbols     SymbolSink
	fs          filesystem.FS
	hostModules []hle.HostModule
	main        *Module

	extMu    sync.RWMutex
	external []debugger.Module
}

var _ debugger.ModuleManager = (*Manager)(nil)

func New(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	mgr := &Manager{
		cfg:   cfg,
		mem:   guest.NewMemory(cfg.Memory.Base, cfg.Memory.Size),
		alloc: guest.NewAllocator(cfg.Memory.UserBase, cfg.Memory.UserSize),
		table: kernel.NewTable(),
	}
	if cfg.Loader.Blacklist != nil {
		mgr.blacklist = NewBlacklist(cfg.Loader.Blacklist...)
	} else {
		mgr.blacklist = NewBlacklist(DefaultBlacklist...)
	}
	for _, opt := range opts {
		opt(mgr)
	}
	mgr.registry = hle.NewRegistry(append([]hle.HostModule{ModuleMgrForUser(mgr)}, mgr.hostModules...)...)
	return mgr
}

func (mgr *Manager) Memory() *guest.Memory {
	return mgr.mem
}

func (mgr *Manager) Allocator() *guest.Allocator {
	return mgr.alloc
}

func (mgr *Manager) Registry() *hle.Registry {
	return mgr.registry
}

func (mgr *Manager) Table() *kernel.Table {
	return mgr.table
}

func (mgr *Manager) Config() *config.Config {
	return mgr.cfg
}

// MainModule returns the module started by the last LoadAndStart.
func (mgr *Manager) MainModule() *Module {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.main
}

// LoadModule maps data at loadAddr, or anywhere when it is zero, and makes
// the module live. Nothing stays allocated when it fails.
func (mgr *Manager) LoadModule(data []byte, loadAddr uint32) (kernel.UID, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m, err := mgr.load(data, loadAddr)
	if err != nil {
		return 0, err
	}
	return m.uid, nil
}

// LoadModuleFile reads path from the file system and loads it anywhere.
func (mgr *Manager) LoadModuleFile(path string) (kernel.UID, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	data, err := mgr.readFile(path)
	if err != nil {
		return 0, err
	}
	m, err := mgr.load(data, 0)
	if err != nil {
		return 0, err
	}
	return m.uid, nil
}

// LoadAndStart replaces the running program: it resets every process table,
// loads path at the default load address and starts its root thread with
// the path as argument. A nil opts uses the configured start options.
func (mgr *Manager) LoadAndStart(ctx context.Context, path string, opts *StartOptions) error {
	m, err := mgr.exec(path)
	if err != nil {
		return err
	}
	if opts == nil {
		opts = &StartOptions{
			Priority:  mgr.cfg.Start.Priority,
			StackSize: mgr.cfg.Start.StackSize,
			Attr:      mgr.cfg.Start.Attributes,
		}
	}
	if mgr.scheduler == nil {
		return nil
	}
	return mgr.scheduler.StartModuleThread(ctx, ThreadRequest{
		Module:  m.uid,
		Name:    m.Name(),
		Entry:   m.entry,
		GP:      m.info.GP,
		Args:    append([]byte(path), 0),
		Options: *opts,
	})
}

func (mgr *Manager) exec(path string) (*Module, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.reset()
	data, err := mgr.readFile(path)
	if err != nil {
		return nil, err
	}
	m, err := mgr.load(data, mgr.cfg.Loader.DefaultLoadAddress)
	if err != nil {
		return nil, err
	}
	mgr.main = m
	if mgr.cpu != nil {
		mgr.cpu.SetPC(m.entry)
		mgr.cpu.SetGP(m.info.GP)
	}
	Logger().Info("module entry", zap.String("module", m.Name()), zap.Uint32("entry", m.entry))
	return m, nil
}

// StartModule runs a live module's entry point, or module_start when the
// image asks for it. A nil opts takes the module's own thread parameters
// and then the configured defaults.
func (mgr *Manager) StartModule(ctx context.Context, uid kernel.UID, args []byte, opts *StartOptions) error {
	m, err := mgr.Module(uid)
	if err != nil {
		return err
	}
	if mgr.scheduler == nil {
		return fmt.Errorf("start %s: %w", m.Name(), debugger.ErrNotImplemented)
	}
	entry := m.entry
	if entry == entryUseModuleStart {
		entry = m.life.Start
	}
	if opts == nil {
		opts = &StartOptions{
			Priority:  mgr.cfg.Start.Priority,
			StackSize: mgr.cfg.Start.StackSize,
			Attr:      mgr.cfg.Start.Attributes,
		}
		if p := m.life.StartThread; p.Priority != 0 {
			opts = &StartOptions{Priority: p.Priority, StackSize: p.StackSize, Attr: p.Attr}
		}
	}
	return mgr.scheduler.StartModuleThread(ctx, ThreadRequest{
		Module:  m.uid,
		Name:    m.Name(),
		Entry:   entry,
		GP:      m.info.GP,
		Args:    args,
		Options: *opts,
	})
}

// UnloadModule withdraws the module's exports and frees its memory.
func (mgr *Manager) UnloadModule(uid kernel.UID) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	m, err := kernel.Get[*Module](mgr.table, uid)
	if err != nil {
		return newError(KindLookup, err, "unload")
	}
	mgr.table.Destroy(uid)
	mgr.release(m)
	m.status = StatusUnloaded
	if mgr.main == m {
		mgr.main = nil
	}
	Logger().Info("module unloaded", zap.String("module", m.Name()), zap.Int32("uid", int32(uid)))
	return nil
}

// Reset unloads everything and forgets all guest-provided bindings.
func (mgr *Manager) Reset() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.reset()
}

func (mgr *Manager) reset() {
	for _, m := range mgr.Modules() {
		mgr.table.Destroy(m.uid)
		if m.region.Size != 0 {
			mgr.alloc.Free(uint32(m.region.Addr))
			m.region = emulator.MemRegion{}
		}
		m.mu.Lock()
		m.exports = nil
		m.mu.Unlock()
		m.status = StatusUnloaded
	}
	if stray := mgr.alloc.Regions(); len(stray) != 0 {
		Logger().Warn("freeing blocks no module owns", zap.Int("count", len(stray)), zap.Uint64("first", stray[0].Addr))
		mgr.alloc.Reset()
	}
	mgr.table.Reset()
	mgr.registry.Reset()
	if mgr.symbols != nil {
		mgr.symbols.RemoveSymbols(0, ^uint32(0))
	}
	mgr.main = nil
}

func (mgr *Manager) Module(uid kernel.UID) (*Module, error) {
	m, err := kernel.Get[*Module](mgr.table, uid)
	if err != nil {
		return nil, newError(KindLookup, err, "module")
	}
	return m, nil
}

// Modules returns the live modules in load order.
func (mgr *Manager) Modules() []*Module {
	var mods []*Module
	mgr.table.Range(func(_ kernel.UID, obj kernel.Object) bool {
		if m, ok := obj.(*Module); ok {
			mods = append(mods, m)
		}
		return true
	})
	return mods
}

// ModuleGP returns the global pointer of a live module, or 0.
func (mgr *Manager) ModuleGP(uid kernel.UID) uint32 {
	m, err := mgr.Module(uid)
	if err != nil {
		return 0
	}
	return m.info.GP
}

// ModuleIDByAddress only knows about the main module.
func (mgr *Manager) ModuleIDByAddress(addr uint32) kernel.UID {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.main != nil && mgr.main.Contains(addr) {
		return mgr.main.uid
	}
	return 0
}

func (mgr *Manager) FindModuleByName(name string) (kernel.UID, bool) {
	for _, m := range mgr.Modules() {
		if m.Name() == name {
			return m.uid, true
		}
	}
	return 0, false
}

func (mgr *Manager) readFile(path string) ([]byte, error) {
	if mgr.fs == nil {
		return nil, newError(KindFileNotFound, fs.ErrNotExist, "%s", path)
	}
	file, err := mgr.fs.OpenFile(path, filesystem.O_RDONLY, 0)
	if err != nil {
		return nil, newError(KindFileNotFound, err, "%s", path)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, newError(KindFileNotFound, err, "%s", path)
	}
	r, ok := file.(io.Reader)
	if !ok || info.IsDir() {
		return nil, newError(KindFileNotFound, fs.ErrInvalid, "%s is not a regular file", path)
	}
	if info.Size() == 0 {
		return nil, newError(KindEmptyFile, nil, "%s", path)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, newError(KindFileNotFound, err, "%s", path)
	}
	if len(data) == 0 {
		return nil, newError(KindEmptyFile, nil, "%s", path)
	}
	return data, nil
}

func (mgr *Manager) stage(m *Module, s Status) {
	m.status = s
	Logger().Debug("load stage", zap.Stringer("status", s))
}

func (mgr *Manager) load(data []byte, loadAddr uint32) (*Module, error) {
	if len(data) == 0 {
		return nil, newError(KindEmptyFile, nil, "empty image")
	}
	m := &Module{mgr: mgr}
	mgr.stage(m, StatusStarted)

	data, err := Unwrap(data)
	if err != nil {
		return nil, mgr.abort(m, err)
	}
	mgr.stage(m, StatusUnwrapped)

	data, err = decrypt(data, mgr.decrypter, mgr.cfg.Memory.UserSize)
	if err != nil {
		return nil, mgr.abort(m, err)
	}
	mgr.stage(m, StatusDecrypted)

	img, err := elf.Open(data)
	switch {
	case errors.Is(err, emulator.ErrArchMismatch):
		return nil, mgr.abort(m, newError(KindUnsupportedFormat, err, "image"))
	case err != nil:
		return nil, mgr.abort(m, newError(KindCorruptFile, err, "image"))
	}
	mgr.stage(m, StatusValidated)

	mapping, err := img.Map(mgr.mem, mgr.alloc, loadAddr)
	switch {
	case errors.Is(err, elf.ErrReserve):
		return nil, mgr.abort(m, newError(KindMap, err, "image"))
	case err != nil:
		return nil, mgr.abort(m, newError(KindCorruptFile, err, "image"))
	}
	m.region = mapping.Region
	mgr.stage(m, StatusMapped)

	info, err := readModuleInfo(mgr.mem, moduleInfoAddr(img, mapping))
	if err != nil {
		return nil, mgr.abort(m, err)
	}
	m.info = *info
	m.entry = mapping.Entry
	m.segments = mapping.Segments[:min(len(mapping.Segments), maxSegments)]
	m.text, _ = mapping.Section(".text")
	mgr.stage(m, StatusMetadataExtracted)
	Logger().Info("module",
		zap.String("name", m.Name()),
		zap.Uint32("gp", m.info.GP),
		zap.Uint32("libent", m.info.LibEnt),
		zap.Uint32("libstub", m.info.LibStub))

	if mgr.blacklist.Contains(m.Name()) {
		mgr.stage(m, StatusRejected)
		mgr.release(m)
		return nil, newError(KindBlacklisted, nil, "%s", m.Name())
	}

	if err := mgr.resolveImports(m); err != nil {
		return nil, mgr.abort(m, err)
	}
	if err := mgr.registerExports(m); err != nil {
		return nil, mgr.abort(m, err)
	}
	mgr.stage(m, StatusResolved)

	m.uid = mgr.table.Create(m)
	mgr.stage(m, StatusLive)
	Logger().Info("module loaded",
		zap.String("name", m.Name()),
		zap.Int32("uid", int32(m.uid)),
		zap.Uint64("base", m.region.Addr),
		zap.Uint64("size", m.region.Size),
		zap.Int("imports", len(m.imports)),
		zap.Int("exports", len(m.exportList())))
	return m, nil
}

func (mgr *Manager) abort(m *Module, err error) error {
	reached := m.status
	mgr.release(m)
	m.status = StatusAborted
	Logger().Debug("load aborted", zap.Stringer("reached", reached), zap.Error(err))
	return err
}

// release undoes everything a (partial) load did to process state. The
// memory block is freed at most once.
func (mgr *Manager) release(m *Module) {
	if m.region.Size == 0 {
		return
	}
	begin := uint32(m.region.Addr)
	end := uint32(m.region.Addr + m.region.Size)
	mgr.registry.DropPending(begin, end)
	m.mu.Lock()
	exports := m.exports
	m.exports = nil
	m.mu.Unlock()
	for _, sym := range exports {
		mgr.registry.Withdraw(sym.key.Module, sym.key.NID, sym.addr)
	}
	mgr.rebind(m, begin, end)
	if mgr.symbols != nil {
		mgr.symbols.RemoveSymbols(begin, end)
	}
	if err := mgr.alloc.Free(begin); err != nil {
		Logger().Warn("cannot free module memory", zap.Uint32("base", begin), zap.Error(err))
	}
	m.region = emulator.MemRegion{}
}

// rebind repoints every call site of the other live modules that jumps into
// [begin, end) at whatever now provides its key.
func (mgr *Manager) rebind(gone *Module, begin, end uint32) {
	for _, m := range mgr.Modules() {
		if m == gone {
			continue
		}
		for _, site := range m.imports {
			target, err := hle.ReadSlot(mgr.mem, site.slot)
			if err != nil || target.Kind != hle.TargetGuest || target.Addr < begin || target.Addr >= end {
				continue
			}
			if _, err := mgr.bindSite(site.key.Module, site.key.NID, site.slot); err != nil {
				Logger().Warn("cannot rebind call site", zap.Uint32("slot", site.slot), zap.Error(err))
			}
		}
	}
}

// Load adds a module that was not loaded by this manager, so lookups see it.
func (mgr *Manager) Load(module debugger.Module) {
	if _, ok := module.(*Module); ok {
		return
	}
	mgr.extMu.Lock()
	defer mgr.extMu.Unlock()
	if !slices.Contains(mgr.external, module) {
		mgr.external = append(mgr.external, module)
	}
}

func (mgr *Manager) Unload(module debugger.Module) {
	if m, ok := module.(*Module); ok {
		if m.mgr == mgr {
			mgr.UnloadModule(m.uid)
		}
		return
	}
	mgr.extMu.Lock()
	mgr.external = slices.DeleteFunc(mgr.external, func(e debugger.Module) bool { return e == module })
	mgr.extMu.Unlock()
}

func (mgr *Manager) all() []debugger.Module {
	var mods []debugger.Module
	for _, m := range mgr.Modules() {
		mods = append(mods, m)
	}
	mgr.extMu.RLock()
	mods = append(mods, mgr.external...)
	mgr.extMu.RUnlock()
	return mods
}

func (mgr *Manager) FindModule(name string) (debugger.Module, error) {
	for _, m := range mgr.all() {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, debugger.ErrModuleNotFound
}

func (mgr *Manager) FindModuleByAddr(addr uint64) (debugger.Module, error) {
	for _, m := range mgr.all() {
		base, size := m.Region()
		if addr >= base && addr-base < size {
			return m, nil
		}
	}
	return nil, debugger.ErrModuleNotFound
}

func (mgr *Manager) FindSymbol(name string) (debugger.Module, uint64, error) {
	for _, m := range mgr.all() {
		if addr, err := m.FindSymbol(name); err == nil {
			return m, addr, nil
		}
	}
	return nil, 0, debugger.ErrSymbolNotFound
}

func (mgr *Manager) GetModule(addr uint64) debugger.Module {
	m, _ := mgr.FindModuleByAddr(addr)
	return m
}
