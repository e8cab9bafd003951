package prx

// DefaultBlacklist names libraries the host implements itself. Copies found
// on disc are never loaded.
var DefaultBlacklist = []string{
	"sceATRAC3plus_Library",
	"sceFont_Library",
	"SceFont_Library",
	"sceNetAdhocctl_Library",
	"sceNetAdhocDownload_Library",
	"sceNetAdhocMatching_Library",
	"sceNetAdhoc_Library",
	"sceNetApctl_Library",
	"sceNetInet_Library",
	"sceNet_Library",
}

type Blacklist map[string]struct{}

func NewBlacklist(names ...string) Blacklist {
	b := make(Blacklist, len(names))
	for _, name := range names {
		b[name] = struct{}{}
	}
	return b
}

// Contains matches the module name exactly, as read up to the first NUL.
func (b Blacklist) Contains(name string) bool {
	_, ok := b[name]
	return ok
}
