package prx

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/wnxd/microdbg-prx/hle"
	"github.com/wnxd/microdbg-prx/kernel"
	"github.com/wnxd/microdbg/debugger"
	"go.uber.org/zap"
)

const (
	maxPath = 256

	// loadModuleSoftSuccess is returned for modules we refuse to load but
	// pretend were loaded.
	loadModuleSoftSuccess = 1
)

// smOption is the guest's start-module option block.
type smOption struct {
	Size      uint32
	MpidStack uint32
	StackSize uint32
	Priority  uint32
	Attribute uint32
}

// ModuleMgrForUser is the host side of the guest's module manager library.
func ModuleMgrForUser(mgr *Manager) hle.HostModule {
	return hle.HostModule{
		Name: "ModuleMgrForUser",
		Funcs: []hle.Function{
			{NID: 0x977DE386, Name: "sceKernelLoadModule", Handler: mgr.sysLoadModule},
			{NID: 0xB7F46618, Name: "sceKernelLoadModuleByID", Handler: mgr.sysLoadModuleByID},
			{NID: 0x50F0C1EC, Name: "sceKernelStartModule", Handler: mgr.sysStartModule},
			{NID: 0xD1FF982A, Name: "sceKernelStopModule", Handler: mgr.sysStopModule},
			{NID: 0x2E0911AA, Name: "sceKernelUnloadModule", Handler: mgr.sysUnloadModule},
			{NID: 0xD8B73127, Name: "sceKernelGetModuleIdByAddress", Handler: mgr.sysGetModuleIDByAddress},
			{NID: 0xF0A26395, Name: "sceKernelGetModuleId", Handler: mgr.sysGetModuleID},
			{NID: hle.NID("sceKernelFindModuleByName"), Name: "sceKernelFindModuleByName", Handler: mgr.sysFindModuleByName},
			{NID: 0x710F61B5, Name: "sceKernelLoadModuleMs"},
			{NID: 0xF9275D98, Name: "sceKernelLoadModuleBufferUsbWlan"},
			{NID: 0xCC1D3699, Name: "sceKernelStopUnloadSelfModule"},
			{NID: 0x748CBED9, Name: "sceKernelQueryModuleInfo"},
			{NID: 0x8F2DF740, Name: "sceKernelStopUnloadSelfModuleWithStatus"},
			{NID: 0xD675EBB8, Name: "sceKernelSelfStopUnloadModule"},
		},
	}
}

func (mgr *Manager) sysLoadModule(ctx *hle.Context) uint32 {
	if ctx.Arg(0) == 0 {
		return 0
	}
	path, err := ctx.String(0, maxPath)
	if err != nil {
		return kernel.ErrorIllegalObject
	}
	uid, err := mgr.LoadModuleFile(path)
	switch {
	case errors.Is(err, ErrBlacklisted), errors.Is(err, ErrUnsupportedFormat):
		Logger().Info("module refused, reporting success", zap.String("path", path), zap.Error(err))
		return loadModuleSoftSuccess
	case err != nil:
		Logger().Error("sceKernelLoadModule", zap.String("path", path), zap.Uint32("flags", ctx.Arg(1)), zap.Error(err))
		return Code(err)
	}
	Logger().Info("sceKernelLoadModule", zap.String("path", path), zap.Int32("uid", int32(uid)))
	return uint32(uid)
}

func (mgr *Manager) sysLoadModuleByID(ctx *hle.Context) uint32 {
	Logger().Warn("sceKernelLoadModuleByID not implemented", zap.Uint32("id", ctx.Arg(0)))
	return 0
}

func (mgr *Manager) sysStartModule(ctx *hle.Context) uint32 {
	uid := kernel.UID(ctx.Arg(0))
	argSize, argAddr, optAddr := ctx.Arg(1), ctx.Arg(2), ctx.Arg(4)
	var args []byte
	if argSize != 0 && argAddr != 0 {
		b, err := ctx.Mem.Slice(argAddr, argSize)
		if err != nil {
			return kernel.ErrorIllegalObject
		}
		args = append(args, b...)
	}
	var opts *StartOptions
	if optAddr != 0 {
		var opt smOption
		if err := binary.Read(ctx.Mem.SectionReader(optAddr, 20), binary.LittleEndian, &opt); err != nil {
			return kernel.ErrorIllegalObject
		}
		opts = &StartOptions{Priority: opt.Priority, StackSize: opt.StackSize, Attr: opt.Attribute}
	}
	err := mgr.StartModule(context.Background(), uid, args, opts)
	switch {
	case errors.Is(err, debugger.ErrNotImplemented):
		Logger().Warn("sceKernelStartModule without scheduler", zap.Int32("uid", int32(uid)))
		return 0
	case err != nil:
		return Code(err)
	}
	return 0
}

func (mgr *Manager) sysStopModule(ctx *hle.Context) uint32 {
	Logger().Warn("sceKernelStopModule not implemented", zap.Uint32("uid", ctx.Arg(0)))
	return 0
}

func (mgr *Manager) sysUnloadModule(ctx *hle.Context) uint32 {
	return Code(mgr.UnloadModule(kernel.UID(ctx.Arg(0))))
}

func (mgr *Manager) sysGetModuleIDByAddress(ctx *hle.Context) uint32 {
	return uint32(mgr.ModuleIDByAddress(ctx.Arg(0)))
}

func (mgr *Manager) sysGetModuleID(*hle.Context) uint32 {
	if m := mgr.MainModule(); m != nil {
		return uint32(m.uid)
	}
	return 0
}

func (mgr *Manager) sysFindModuleByName(ctx *hle.Context) uint32 {
	name, err := ctx.String(0, 28)
	if err != nil {
		return kernel.ErrorIllegalObject
	}
	if uid, ok := mgr.FindModuleByName(name); ok {
		return uint32(uid)
	}
	return kernel.ErrorUnknownModule
}
