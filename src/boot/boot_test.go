package boot

import "testing"

func TestParseCmdline(t *testing.T) {
	args := ParseCmdline("-nosmp root /dev/sda1 -debug")
	if len(args) != 3 {
		t.Fatalf("got %d args, want 3: %+v", len(args), args)
	}
	if !args[0].Flag || args[0].Name != "nosmp" {
		t.Errorf("arg0 = %+v", args[0])
	}
	if args[1].Flag || args[1].Name != "root" || args[1].Value != "/dev/sda1" {
		t.Errorf("arg1 = %+v", args[1])
	}
	if !args[2].Flag || args[2].Name != "debug" {
		t.Errorf("arg2 = %+v", args[2])
	}
}

func TestHandoffTableFlags(t *testing.T) {
	h := &Handoff{TablesPresent: TableACPI}
	if !h.HasACPI() || h.HasMPS() {
		t.Fatalf("flags wrong: %+v", h)
	}
}

func TestLookup(t *testing.T) {
	args := ParseCmdline("root /dev/sda1")
	a, ok := Lookup(args, "root")
	if !ok || a.Value != "/dev/sda1" {
		t.Fatalf("lookup failed: %+v ok=%v", a, ok)
	}
	if _, ok := Lookup(args, "missing"); ok {
		t.Fatal("expected not found")
	}
}
