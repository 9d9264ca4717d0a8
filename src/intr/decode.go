package intr

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DecodeFaultingInstruction disassembles the bytes at a faulting IP for
// the default exception dispatcher's diagnostic dump. code is read
// starting at the instruction pointer; mode is 32 or 64.
func DecodeFaultingInstruction(code []byte, mode int) (string, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return "", err
	}
	return x86asm.GNUSyntax(inst, 0, nil), nil
}

// DefaultExceptionReport renders the panic-worthy diagnostic text for
// an unresolved exception: vector, faulting address, and (when the
// surrounding bytes decode cleanly) the offending instruction.
func DefaultExceptionReport(f *Frame, code []byte, mode int) string {
	insn, err := DecodeFaultingInstruction(code, mode)
	if err != nil {
		insn = "<undecodable>"
	}
	return fmt.Sprintf("unresolved exception vector=%d ip=%#x insn=%s", f.Vector, f.IP, insn)
}
