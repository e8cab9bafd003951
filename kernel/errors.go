package kernel

const (
	ErrorOK                  uint32 = 0
	ErrorError               uint32 = 0x80020001
	ErrorUnknownUID          uint32 = 0x800200CB
	ErrorIllegalObject       uint32 = 0x800200D1
	ErrorMemblockAllocFailed uint32 = 0x800200D9
	ErrorUnknownModule       uint32 = 0x8002012E
	ErrorNoFile              uint32 = 0x8002012F
	ErrorFileErr             uint32 = 0x80020130
	ErrorUnsupportedPRXType  uint32 = 0x80020148
)
