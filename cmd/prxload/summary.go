package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/wnxd/microdbg-prx/prx"
	"github.com/wnxd/microdbg/debugger"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
)

type field struct {
	key, value string
	warn       bool
}

type summary struct {
	title  string
	fields []field
}

func summarize(mgr *prx.Manager, m *prx.Module) summary {
	base, size := m.Region()
	textAddr, textSize := m.Text()
	exports := 0
	m.Symbols(func(debugger.Symbol) bool {
		exports++
		return true
	})
	unresolved := mgr.Registry().PendingCount()
	version := m.Version()

	s := summary{title: m.Name()}
	s.add("uid", fmt.Sprintf("%#x", uint32(m.UID())))
	s.add("version", fmt.Sprintf("%d.%d", version[1], version[0]))
	s.add("attr", fmt.Sprintf("%#04x", m.Attr()))
	s.add("region", fmt.Sprintf("%08x-%08x", base, base+size))
	s.add("entry", fmt.Sprintf("%08x", m.Entry()))
	s.add("gp", fmt.Sprintf("%08x", m.GP()))
	s.add("text", fmt.Sprintf("%08x+%x", textAddr, textSize))
	s.add("segments", fmt.Sprint(len(m.Segments())))
	s.add("imports", fmt.Sprint(len(m.Imports())))
	s.add("exports", fmt.Sprint(exports))
	s.add("reserved", fmt.Sprintf("%#x", mgr.Allocator().Used()))
	s.fields = append(s.fields, field{key: "unresolved", value: fmt.Sprint(unresolved), warn: unresolved > 0})
	return s
}

func (s *summary) add(key, value string) {
	s.fields = append(s.fields, field{key: key, value: value})
}

func render(w io.Writer, s summary, styled bool) error {
	var b strings.Builder
	if styled {
		b.WriteString(titleStyle.Render(s.title))
		b.WriteByte('\n')
		for _, f := range s.fields {
			value := valueStyle.Render(f.value)
			if f.warn {
				value = warnStyle.Render(f.value)
			}
			b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(f.key), value))
			b.WriteByte('\n')
		}
	} else {
		fmt.Fprintf(&b, "module %s\n", s.title)
		for _, f := range s.fields {
			fmt.Fprintf(&b, "%-12s%s\n", f.key, f.value)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
