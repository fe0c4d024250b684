package ledisasm

import (
	"golang.org/x/arch/x86/x86asm"
)

// InstructionType classifies control flow for the analysis driver.
type InstructionType int

// Control-flow classes. CondJump, Jump and Call carry a Target when the
// branch is PC-relative; Jump and Ret end a straight-line trace.
const (
	InstMisc InstructionType = iota
	InstCondJump
	InstJump
	InstCall
	InstRet
)

// Instruction is the result of decoding a single instruction.
type Instruction struct {
	Size   int
	Type   InstructionType
	Target uint32 // absolute branch target; zero when unknown (indirect)
	Inst   x86asm.Inst
}

// DecodeInstruction decodes the 32-bit x86 instruction at addr from code.
// A decode failure returns Size 0, which ends the caller's walk at addr.
func DecodeInstruction(addr uint32, code []byte) Instruction {
	inst, err := x86asm.Decode(code, 32)
	// A truncated instruction decodes without error as a bare one-byte
	// prefix with no opcode; treat it as a failure too.
	if err != nil || inst.Op == 0 {
		return Instruction{}
	}

	out := Instruction{Size: inst.Len, Inst: inst}

	switch inst.Op {
	case x86asm.CALL:
		out.Type = InstCall
	case x86asm.JMP:
		out.Type = InstJump
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD:
		out.Type = InstRet
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		out.Type = InstCondJump
	}

	// Resolve the target of PC-relative branches. Indirect forms (ff /2,
	// ff /4) decode with a register or memory argument and keep Target 0.
	switch out.Type {
	case InstCondJump, InstJump, InstCall:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			out.Target = addr + uint32(inst.Len) + uint32(int32(rel))
		}
	}

	return out
}
