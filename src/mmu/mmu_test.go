package mmu

import "testing"

func TestMakePTERoundTrip(t *testing.T) {
	e := MakePTE(0x123000, PermWrite, false)
	if !e.Present() {
		t.Fatal("expected present")
	}
	if e.Addr() != 0x123000 {
		t.Fatalf("addr = %#x, want %#x", e.Addr(), 0x123000)
	}
	if e.IsUser() {
		t.Fatal("expected kernel-only")
	}
}

func TestVerifyRejectsUserUnderKernel(t *testing.T) {
	kernelParent := MakePTE(0x1000, 0, false)
	userChild := MakePTE(0x2000, 0, true)
	if Verify(kernelParent, userChild) {
		t.Fatal("expected Verify to reject user PTE beneath kernel PTE")
	}

	userParent := MakePTE(0x1000, 0, true)
	if !Verify(userParent, userChild) {
		t.Fatal("expected Verify to allow user PTE beneath user PTE")
	}
}

func TestCanonicalize(t *testing.T) {
	LevelCount = 4
	hi := Canonicalize(0x0000800000000000)
	if uint64(hi)>>63 == 0 {
		t.Fatalf("expected sign-extended canonical address, got %#x", hi)
	}
	lo := Canonicalize(0x1000)
	if lo != 0x1000 {
		t.Fatalf("expected unchanged low address, got %#x", lo)
	}
}
