// Package config loads the loader's HCL settings.
//
// A complete file looks like:
//
//	memory {
//	  base      = "0x08000000"
//	  size      = "0x02000000"
//	  user_base = "0x08800000"
//	  user_size = "0x01800000"
//	}
//
//	loader {
//	  default_load_address = "0x08804000"
//	  blacklist            = ["sceNet_Library"]
//	}
//
//	start {
//	  priority   = "0x20"
//	  stack_size = "0x40000"
//	  attributes = "0x80000000"
//	}
//
// Every block and attribute is optional; missing values keep their defaults.
// Numbers are strings so they can be written in hex.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

var ErrInvalid = errors.New("invalid configuration")

type Memory struct {
	Base     uint32
	Size     uint32
	UserBase uint32
	UserSize uint32
}

type Loader struct {
	DefaultLoadAddress uint32
	// Blacklist replaces the built-in list when non-nil.
	Blacklist []string
}

type Start struct {
	Priority   uint32
	StackSize  uint32
	Attributes uint32
}

type Config struct {
	Memory Memory
	Loader Loader
	Start  Start
}

// Default returns the settings of a retail user-mode environment.
func Default() *Config {
	return &Config{
		Memory: Memory{
			Base:     0x08000000,
			Size:     0x02000000,
			UserBase: 0x08800000,
			UserSize: 0x01800000,
		},
		Loader: Loader{
			DefaultLoadAddress: 0x08804000,
		},
		Start: Start{
			Priority:   0x20,
			StackSize:  0x40000,
			Attributes: 0x80000000,
		},
	}
}

type hclMemory struct {
	Base     *string `hcl:"base,optional"`
	Size     *string `hcl:"size,optional"`
	UserBase *string `hcl:"user_base,optional"`
	UserSize *string `hcl:"user_size,optional"`
}

type hclLoader struct {
	DefaultLoadAddress *string  `hcl:"default_load_address,optional"`
	Blacklist          []string `hcl:"blacklist,optional"`
}

type hclStart struct {
	Priority   *string `hcl:"priority,optional"`
	StackSize  *string `hcl:"stack_size,optional"`
	Attributes *string `hcl:"attributes,optional"`
}

type hclFile struct {
	Memory *hclMemory `hcl:"memory,block"`
	Loader *hclLoader `hcl:"loader,block"`
	Start  *hclStart  `hcl:"start,block"`
}

// Load reads the HCL file at path on top of the defaults.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src, path)
}

// Parse decodes HCL source on top of the defaults.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	var raw hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &raw)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	cfg := Default()
	var errs hcl.Diagnostics
	set := func(dst *uint32, v *string, name string) {
		if v == nil {
			return
		}
		n, err := strconv.ParseUint(*v, 0, 32)
		if err != nil {
			errs = append(errs, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid number",
				Detail:   fmt.Sprintf("%s: %q is not a 32-bit number", name, *v),
			})
			return
		}
		*dst = uint32(n)
	}
	if m := raw.Memory; m != nil {
		set(&cfg.Memory.Base, m.Base, "memory.base")
		set(&cfg.Memory.Size, m.Size, "memory.size")
		set(&cfg.Memory.UserBase, m.UserBase, "memory.user_base")
		set(&cfg.Memory.UserSize, m.UserSize, "memory.user_size")
	}
	if l := raw.Loader; l != nil {
		set(&cfg.Loader.DefaultLoadAddress, l.DefaultLoadAddress, "loader.default_load_address")
		if l.Blacklist != nil {
			cfg.Loader.Blacklist = l.Blacklist
		}
	}
	if s := raw.Start; s != nil {
		set(&cfg.Start.Priority, s.Priority, "start.priority")
		set(&cfg.Start.StackSize, s.StackSize, "start.stack_size")
		set(&cfg.Start.Attributes, s.Attributes, "start.attributes")
	}
	if errs.HasErrors() {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, filename, errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks that the user partition and the default load address lie
// inside guest memory.
func (c *Config) Validate() error {
	m := c.Memory
	memEnd := uint64(m.Base) + uint64(m.Size)
	userEnd := uint64(m.UserBase) + uint64(m.UserSize)
	switch {
	case m.Size == 0:
		return fmt.Errorf("%w: memory size is zero", ErrInvalid)
	case memEnd > 1<<32:
		return fmt.Errorf("%w: memory %#x+%#x wraps", ErrInvalid, m.Base, m.Size)
	case m.UserSize == 0:
		return fmt.Errorf("%w: user partition size is zero", ErrInvalid)
	case m.UserBase < m.Base || userEnd > memEnd:
		return fmt.Errorf("%w: user partition %#x+%#x outside memory %#x+%#x", ErrInvalid, m.UserBase, m.UserSize, m.Base, m.Size)
	}
	if a := c.Loader.DefaultLoadAddress; a != 0 && (a < m.UserBase || uint64(a) >= userEnd) {
		return fmt.Errorf("%w: default load address %#x outside user partition", ErrInvalid, a)
	}
	return nil
}
