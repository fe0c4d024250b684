package ledisasm

import "testing"

func TestLabelString(t *testing.T) {
	tests := []struct {
		lab  Label
		want string
	}{
		{Label{0x1234, LabelFunction, ""}, "func_1234"},
		{Label{0x1234, LabelJump, ""}, "jump_1234"},
		{Label{0x1234, LabelData, ""}, "data_1234"},
		{Label{0x1234, LabelVTable, ""}, "vtable_1234"},
		{Label{0x1234, LabelUnknown, ""}, "unknown_1234"},
		{Label{0x1234, LabelFunction, "_start"}, "_start"},
	}
	for _, tt := range tests {
		if got := tt.lab.String(); got != tt.want {
			t.Errorf("Label%+v.String() = %q, want %q", tt.lab, got, tt.want)
		}
	}
}

func TestLabelSetAndGet(t *testing.T) {
	var m labelMap

	m.set(Label{0x100, LabelJump, ""})
	m.set(Label{0x200, LabelData, ""})

	if lab, ok := m.get(0x100); !ok || lab.Type != LabelJump {
		t.Fatalf("get(0x100) = %+v, %v", lab, ok)
	}
	if _, ok := m.get(0x180); ok {
		t.Fatal("found label at unset address")
	}
}

func TestLabelFunctionIsSticky(t *testing.T) {
	var m labelMap

	m.set(Label{0x100, LabelFunction, ""})
	m.set(Label{0x100, LabelJump, ""})

	if lab, _ := m.get(0x100); lab.Type != LabelFunction {
		t.Fatalf("function label downgraded to %+v", lab)
	}
}

func TestLabelNameIsSticky(t *testing.T) {
	var m labelMap

	m.set(Label{0x100, LabelData, "message_table"})
	m.set(Label{0x100, LabelJump, ""})

	lab, _ := m.get(0x100)
	if lab.Type != LabelData || lab.Name != "message_table" {
		t.Fatalf("named label replaced by %+v", lab)
	}
}

func TestLabelWeakIsReplaced(t *testing.T) {
	var m labelMap

	m.set(Label{0x100, LabelJump, ""})
	m.set(Label{0x100, LabelData, ""})

	if lab, _ := m.get(0x100); lab.Type != LabelData {
		t.Fatalf("weak label not replaced, got %+v", lab)
	}
}

func TestLabelRemove(t *testing.T) {
	var m labelMap

	m.set(Label{0x100, LabelJump, ""})
	m.remove(0x100)

	if _, ok := m.get(0x100); ok {
		t.Fatal("label survived removal")
	}

	// Removing a missing address is a no-op.
	m.remove(0x200)
}

func TestLabelNextAfter(t *testing.T) {
	var m labelMap

	m.set(Label{0x100, LabelJump, ""})
	m.set(Label{0x200, LabelData, ""})

	if lab, ok := m.nextAfter(0x100); !ok || lab.Address != 0x200 {
		t.Fatalf("nextAfter(0x100) = %+v, %v", lab, ok)
	}
	if lab, ok := m.nextAfter(0x0); !ok || lab.Address != 0x100 {
		t.Fatalf("nextAfter(0x0) = %+v, %v", lab, ok)
	}
	if _, ok := m.nextAfter(0x200); ok {
		t.Fatal("nextAfter past the last label")
	}
}
