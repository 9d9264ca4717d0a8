// Package boot models the handoff record passed from nexboot into the
// kernel core: the firmware memory map, display mode, boot memory
// pool, firmware table pointers and command line (spec §6).
package boot

// MemType enumerates the physical memory map entry types the firmware
// (or nexboot's own probing) can report.
type MemType int

const (
	MemFree MemType = iota
	MemReserved
	MemACPIReclaim
	MemACPINVS
	MemMMIO
	MemFWReclaim
	MemBootReclaim
)

// MemEntry is one row of the physical memory map.
type MemEntry struct {
	Base uint64
	Size uint64
	Type MemType
}

// DisplayMode describes the handed-off framebuffer, or a text-mode
// indicator when no graphical mode was set up.
type DisplayMode struct {
	IsText bool

	FBBase uint64
	Pitch  uint32
	BPP    uint8
	RedMask, GreenMask, BlueMask uint32
}

// Tables bitmask bits indicating which optional firmware table
// pointers are present in Handoff.
const (
	TableACPI uint32 = 1 << iota
	TableMPS
)

// Handoff is the full boot record the kernel core consumes at entry.
type Handoff struct {
	MemMap []MemEntry

	Display DisplayMode

	PoolBase uint64
	PoolSize uint64

	TablesPresent uint32
	AcpiRSDP      uint64
	MPSPointer    uint64

	Cmdline string
}

// HasACPI reports whether the ACPI RSDP pointer is valid.
func (h *Handoff) HasACPI() bool { return h.TablesPresent&TableACPI != 0 }

// HasMPS reports whether the MPS pointer is valid.
func (h *Handoff) HasMPS() bool { return h.TablesPresent&TableMPS != 0 }

// Arg is one parsed command-line token: either a bare flag ("-name")
// or a name/value pair ("name value").
type Arg struct {
	Name  string
	Value string
	Flag  bool
}

// ParseCmdline performs the token scan spec §6 describes: tokens
// starting with '-' are flags; any other token is a name, and if a
// following token exists and is not itself a flag, it becomes that
// name's value.
func ParseCmdline(cmdline string) []Arg {
	toks := splitFields(cmdline)
	var args []Arg
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if len(tok) > 0 && tok[0] == '-' {
			args = append(args, Arg{Name: tok[1:], Flag: true})
			continue
		}
		a := Arg{Name: tok}
		if i+1 < len(toks) && !(len(toks[i+1]) > 0 && toks[i+1][0] == '-') {
			a.Value = toks[i+1]
			i++
		}
		args = append(args, a)
	}
	return args
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' && s[i] != '\t' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}

// Lookup returns the argument named name, if present.
func Lookup(args []Arg, name string) (Arg, bool) {
	for _, a := range args {
		if a.Name == name {
			return a, true
		}
	}
	return Arg{}, false
}
