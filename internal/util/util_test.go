package util

import "testing"

func TestNextPow2(t *testing.T) {
	t.Parallel()

	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 1000: 1024, 1 << 40: 1 << 40}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Fatalf("NextPow2(%d) = %d, want %d", in, got, want)
		}
	}
	if got := NextPow2(1<<63 + 1); got != 1<<63 {
		t.Fatalf("NextPow2 overflow = %d", got)
	}
}

func TestSlotIndexInRange(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 7, 8, 1000, 1024} {
		for _, h := range []uint64{0, 1, 12345, ^uint64(0)} {
			got := SlotIndex(h, n)
			if got < 0 || (n > 0 && got >= n) {
				t.Fatalf("SlotIndex(%d,%d) = %d out of range", h, n, got)
			}
		}
	}
}

func TestHash64Stable(t *testing.T) {
	t.Parallel()

	k := [16]byte{1, 2, 3}
	if Hash64(k) != Hash64(k) {
		t.Fatalf("hash must be deterministic")
	}
	if Hash64("a") == Hash64("b") {
		t.Fatalf("distinct strings should not collide")
	}
	if Hash64(k) == Hash64([16]byte{1, 2, 4}) {
		t.Fatalf("distinct digests should not collide")
	}
}

func TestDefaultWorkers(t *testing.T) {
	t.Parallel()

	n := DefaultWorkers()
	if n < 1 || n > 256 || !IsPowerOfTwo(uint64(n)) {
		t.Fatalf("DefaultWorkers = %d", n)
	}
}

func TestPaddedCounter(t *testing.T) {
	t.Parallel()

	var c [2]PaddedAtomicUint64
	c[0].Add(2)
	c[1].Add(1)
	if c[0].Load() != 2 || c[1].Load() != 1 {
		t.Fatalf("padded counters interfere: %d %d", c[0].Load(), c[1].Load())
	}
}
