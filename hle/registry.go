package hle

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wnxd/microdbg-prx/guest"
	"go.uber.org/zap"
)

var ErrUnknownSyscall = errors.New("unknown syscall code")

// Context is the view a host function gets of the calling guest thread.
type Context struct {
	Mem  *guest.Memory
	Args [8]uint32
}

func (c *Context) Arg(i int) uint32 {
	return c.Args[i]
}

// String reads a NUL-terminated guest string from the pointer in argument i.
func (c *Context) String(i int, max uint32) (string, error) {
	return c.Mem.ReadString(c.Args[i], max)
}

type Handler func(ctx *Context) uint32

type Function struct {
	NID     uint32
	Name    string
	Handler Handler
}

// HostModule is a table of functions the host implements natively.
type HostModule struct {
	Name  string
	Funcs []Function
}

type call struct {
	key        Key
	name       string
	handler    Handler
	unresolved bool
}

// Registry maps (module, NID) pairs to call targets. Host modules survive
// Reset; everything learned from loaded guest modules does not.
type Registry struct {
	mu      sync.RWMutex
	natives []HostModule
	names   map[Key]string
	targets map[Key]Target
	calls   []call
	missing map[Key]uint32
	pending map[Key][]uint32
	// guests holds every live publisher of a key, most recent last.
	guests  map[Key][]uint32
}

func NewRegistry(modules ...HostModule) *Registry {
	r := &Registry{
		names:   make(map[Key]string),
		targets: make(map[Key]Target),
		missing: make(map[Key]uint32),
		pending: make(map[Key][]uint32),
		guests:  make(map[Key][]uint32),
	}
	for _, m := range modules {
		r.RegisterModule(m)
	}
	return r
}

func (r *Registry) RegisterModule(m HostModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives = append(r.natives, m)
	r.install(m)
}

func (r *Registry) install(m HostModule) {
	for _, fn := range m.Funcs {
		key := Key{m.Name, fn.NID}
		r.names[key] = fn.Name
		if fn.Handler == nil {
			continue
		}
		code := uint32(len(r.calls))
		r.calls = append(r.calls, call{key: key, name: fn.Name, handler: fn.Handler})
		r.targets[key] = Target{Kind: TargetSyscall, Code: code}
	}
}

// Reset drops guest exports, unresolved trampolines and pending call sites,
// then reinstalls the host modules with the same syscall codes.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.names)
	clear(r.targets)
	clear(r.missing)
	clear(r.pending)
	clear(r.guests)
	r.calls = r.calls[:0]
	for _, m := range r.natives {
		r.install(m)
	}
}

func (r *Registry) Lookup(module string, nid uint32) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[Key{module, nid}]
	return t, ok
}

// Publish binds (module, nid) to a guest address. It shadows, but does not
// forget, earlier publishers of the same key.
func (r *Registry) Publish(module string, nid, addr uint32) {
	key := Key{module, nid}
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := slices.DeleteFunc(r.guests[key], func(a uint32) bool { return a == addr })
	r.guests[key] = append(addrs, addr)
	r.targets[key] = Target{Kind: TargetGuest, Addr: addr}
}

// Withdraw removes the publisher at addr. The key falls back to the most
// recent remaining publisher, then to a host function registered under it.
// It reports false if addr never published the key.
func (r *Registry) Withdraw(module string, nid, addr uint32) bool {
	key := Key{module, nid}
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := r.guests[key]
	i := slices.Index(addrs, addr)
	if i < 0 {
		return false
	}
	addrs = slices.Delete(addrs, i, i+1)
	if len(addrs) != 0 {
		r.guests[key] = addrs
		r.targets[key] = Target{Kind: TargetGuest, Addr: addrs[len(addrs)-1]}
		return true
	}
	delete(r.guests, key)
	delete(r.targets, key)
	for code, c := range r.calls {
		if c.key == key && !c.unresolved {
			r.targets[key] = Target{Kind: TargetSyscall, Code: uint32(code)}
			break
		}
	}
	return true
}

func (r *Registry) FuncName(module string, nid uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[Key{module, nid}]; ok {
		return name
	}
	return Key{module, nid}.String()
}

// Unresolved returns the trampoline target for a key nothing implements.
// The same key always yields the same code.
func (r *Registry) Unresolved(module string, nid uint32) Target {
	key := Key{module, nid}
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.missing[key]
	if !ok {
		code = uint32(len(r.calls))
		r.calls = append(r.calls, call{key: key, name: key.String(), handler: unresolvedHandler(key), unresolved: true})
		r.missing[key] = code
	}
	return Target{Kind: TargetSyscall, Code: code}
}

func (r *Registry) AddPending(module string, nid, addr uint32) {
	key := Key{module, nid}
	r.mu.Lock()
	if !slices.Contains(r.pending[key], addr) {
		r.pending[key] = append(r.pending[key], addr)
	}
	r.mu.Unlock()
}

// TakePending returns and forgets the unresolved call sites waiting on a key.
func (r *Registry) TakePending(module string, nid uint32) []uint32 {
	key := Key{module, nid}
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := r.pending[key]
	delete(r.pending, key)
	return addrs
}

// DropPending forgets call sites inside [begin, end), used when the module
// holding them goes away.
func (r *Registry) DropPending(begin, end uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, addrs := range r.pending {
		addrs = slices.DeleteFunc(addrs, func(addr uint32) bool { return addr >= begin && addr < end })
		if len(addrs) == 0 {
			delete(r.pending, key)
		} else {
			r.pending[key] = addrs
		}
	}
}

func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, addrs := range r.pending {
		n += len(addrs)
	}
	return n
}

// Describe reports which key and function a syscall code dispatches to.
func (r *Registry) Describe(code uint32) (Key, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if code >= uint32(len(r.calls)) {
		return Key{}, "", false
	}
	c := r.calls[code]
	return c.key, c.name, true
}

// Dispatch runs the host function bound to a syscall code.
func (r *Registry) Dispatch(code uint32, ctx *Context) (uint32, error) {
	r.mu.RLock()
	if code >= uint32(len(r.calls)) {
		r.mu.RUnlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownSyscall, code)
	}
	handler := r.calls[code].handler
	r.mu.RUnlock()
	return handler(ctx), nil
}

func unresolvedHandler(key Key) Handler {
	return func(*Context) uint32 {
		Logger().Warn("unresolved import called",
			zap.String("module", key.Module),
			zap.Uint32("nid", key.NID))
		return 0
	}
}
