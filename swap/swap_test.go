package swap_test

import (
	"bytes"
	"testing"

	"github.com/rwan6/pintos/internal/blockdev"
	"github.com/rwan6/pintos/swap"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	dev := blockdev.NewMemory("swap", swap.PageSlotSectors*4)
	store := swap.New(dev)
	if store.Slots() != 4 {
		t.Fatalf("expected 4 slots, got %d", store.Slots())
	}

	s1 := store.Alloc()
	s2 := store.Alloc()
	if s1 == s2 {
		t.Fatal("Alloc returned the same slot twice")
	}

	page := bytes.Repeat([]byte{0xAB}, swap.PageSize)
	if err := store.Write(s1, page); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, swap.PageSize)
	if err := store.Read(s1, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, page) {
		t.Fatal("read back does not match written page")
	}

	store.Free(s1)
	s3 := store.Alloc()
	if s3 != s1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", s1, s3)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	dev := blockdev.NewMemory("swap", swap.PageSlotSectors*2)
	store := swap.New(dev)
	s := store.Alloc()
	store.Free(s)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	store.Free(s)
}

func TestAllocExhaustionPanics(t *testing.T) {
	dev := blockdev.NewMemory("swap", swap.PageSlotSectors*1)
	store := swap.New(dev)
	store.Alloc()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on exhausted swap")
		}
	}()
	store.Alloc()
}

func TestTryAllocExhaustion(t *testing.T) {
	dev := blockdev.NewMemory("swap", swap.PageSlotSectors*1)
	store := swap.New(dev)
	store.Alloc()
	if _, ok := store.TryAlloc(); ok {
		t.Fatal("expected TryAlloc to fail when exhausted")
	}
}
