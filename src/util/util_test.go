package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	cases := []struct {
		v, b, up, down int
	}{
		{0, 16, 0, 0},
		{1, 16, 16, 0},
		{16, 16, 16, 16},
		{17, 16, 32, 16},
		{4095, 4096, 4096, 0},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatal("Min wrong")
	}
	if Max(3, 5) != 5 {
		t.Fatal("Max wrong")
	}
}

func TestIsPow2(t *testing.T) {
	for _, v := range []int{1, 2, 4, 1024} {
		if !IsPow2(v) {
			t.Errorf("IsPow2(%d) = false, want true", v)
		}
	}
	for _, v := range []int{0, 3, 5, 1023} {
		if IsPow2(v) {
			t.Errorf("IsPow2(%d) = true, want false", v)
		}
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 8, 0, 0xdeadbeefcafebabe)
	if got := Readn(buf, 8, 0); got != 0xdeadbeefcafebabe {
		t.Fatalf("got %x", got)
	}
	Writen(buf, 4, 8, 0x12345678)
	if got := Readn(buf, 4, 8); got != 0x12345678 {
		t.Fatalf("got %x", got)
	}
}
