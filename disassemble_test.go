package ledisasm

import "testing"

func TestDecodeInstruction(t *testing.T) {
	tests := []struct {
		name   string
		addr   uint32
		code   []byte
		size   int
		typ    InstructionType
		target uint32
	}{
		{"mov imm", 0x10000, []byte{0xB8, 0, 0, 0, 0}, 5, InstMisc, 0},
		{"ret", 0x10000, []byte{0xC3}, 1, InstRet, 0},
		{"ret imm16", 0x10000, []byte{0xC2, 0x08, 0x00}, 3, InstRet, 0},
		{"call rel32", 0x10000, []byte{0xE8, 5, 0, 0, 0}, 5, InstCall, 0x1000A},
		{"jmp rel32", 0x10000, []byte{0xE9, 0, 1, 0, 0}, 5, InstJump, 0x10105},
		{"jmp short backwards", 0x10000, []byte{0xEB, 0xFE}, 2, InstJump, 0x10000},
		{"jz short", 0x10000, []byte{0x74, 0x10}, 2, InstCondJump, 0x10012},
		{"jz near", 0x10000, []byte{0x0F, 0x84, 0, 1, 0, 0}, 6, InstCondJump, 0x10106},
		{"loop backwards", 0x10000, []byte{0xE2, 0xFC}, 2, InstCondJump, 0xFFFE},
		{"call indirect reg", 0x10000, []byte{0xFF, 0xD0}, 2, InstCall, 0},
		{"jmp indirect mem", 0x10000, []byte{0xFF, 0x25, 0, 0, 1, 0}, 6, InstJump, 0},
		{"truncated call", 0x10000, []byte{0xE8, 5}, 0, InstMisc, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := DecodeInstruction(tt.addr, tt.code)
			if inst.Size != tt.size {
				t.Fatalf("size = %d, want %d", inst.Size, tt.size)
			}
			if inst.Type != tt.typ {
				t.Fatalf("type = %d, want %d", inst.Type, tt.typ)
			}
			if inst.Target != tt.target {
				t.Fatalf("target = %#x, want %#x", inst.Target, tt.target)
			}
		})
	}
}
