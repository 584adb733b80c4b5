package secmem_test

import (
	"testing"

	"github.com/smavisor/gosma/frame"
	"github.com/smavisor/gosma/secmem"
)

func TestCacheAllocOrder(t *testing.T) {
	t.Parallel()

	c := secmem.NewCache(0x800, 4)

	if c.Free() != 4 {
		t.Fatalf("fresh cache free = %d, want 4", c.Free())
	}

	for i := uint64(0); i < 4; i++ {
		f := c.Alloc()
		if f == nil {
			t.Fatalf("Alloc %d returned nil", i)
		}

		if f.PFN() != 0x800+i {
			t.Fatalf("Alloc %d pfn = %#x, want %#x", i, f.PFN(), 0x800+i)
		}

		if !f.Secure() {
			t.Fatalf("cache frame %#x lacks the secure tag", f.PFN())
		}

		if f.Refs() != 1 {
			t.Fatalf("cache frame %#x refs = %d, want 1", f.PFN(), f.Refs())
		}
	}

	if f := c.Alloc(); f != nil {
		t.Fatalf("Alloc on an exhausted cache = %v, want nil", f)
	}
}

func TestCacheRelease(t *testing.T) {
	t.Parallel()

	c := secmem.NewCache(0x800, 1)

	f := c.Alloc()
	if f == nil {
		t.Fatal("Alloc returned nil")
	}

	if err := c.Release(f); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if c.Free() != 1 {
		t.Fatalf("free after Release = %d, want 1", c.Free())
	}

	// A frame outside the region must be rejected.
	other := secmem.NewCache(0x4000, 1).Alloc()
	if err := c.Release(other); err == nil {
		t.Fatal("Release of a foreign frame should fail")
	}
}

func TestAllocPanicsOnNonSecurePoolFrame(t *testing.T) {
	t.Parallel()

	c := secmem.NewCache(0x800, 1)

	if f := c.Alloc(); f == nil {
		t.Fatal("Alloc returned nil")
	}

	// A non-secure frame smuggled into the region breaks the pool
	// contract; the next Alloc must abort rather than hand it out.
	if err := c.Release(frame.New(0x800)); err != nil {
		t.Fatalf("Release: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected an invariant violation panic")
		}

		if _, ok := r.(*frame.InvariantError); !ok {
			t.Fatalf("panic value = %v, want *InvariantError", r)
		}
	}()

	c.Alloc()
}

func TestAllowSwapWrite(t *testing.T) {
	if secmem.SwapWriteAllowed() {
		t.Fatal("swap-write should default to off")
	}

	if prev := secmem.AllowSwapWrite(true); prev {
		t.Fatal("first AllowSwapWrite(true) should report prev=false")
	}

	if !secmem.SwapWriteAllowed() {
		t.Fatal("swap-write should be on")
	}

	if prev := secmem.AllowSwapWrite(false); !prev {
		t.Fatal("AllowSwapWrite(false) should report prev=true")
	}
}
