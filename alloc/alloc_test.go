package alloc

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	a, err := New(false, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, ok := a.Alloc(100)
	if !ok {
		t.Fatal("Alloc(100) failed")
	}
	if h.ClassSize() != ClassSizes[0] {
		t.Errorf("ClassSize = %d, want %d", h.ClassSize(), ClassSizes[0])
	}
	if len(h.Bytes()) != ClassSizes[0] {
		t.Errorf("len(Bytes()) = %d, want %d", len(h.Bytes()), ClassSizes[0])
	}
	a.Free(h)
}

func TestAllocTooLarge(t *testing.T) {
	a, err := New(false, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.Alloc(MaxClassSize + 1); ok {
		t.Fatal("Alloc succeeded for a size exceeding every class")
	}
}

func TestAllocExhaustion(t *testing.T) {
	a, err := New(false, ClassSizes[0]*4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var handles []*Handle
	for {
		h, ok := a.Alloc(1)
		if !ok {
			break
		}
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}
	if _, ok := a.Alloc(1); ok {
		t.Fatal("Alloc succeeded after exhaustion")
	}
	for _, h := range handles {
		a.Free(h)
	}
	if _, ok := a.Alloc(1); !ok {
		t.Fatal("Alloc failed after freeing handles back")
	}
}

func TestAllocConcurrentLocking(t *testing.T) {
	a, err := New(true, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				h, ok := a.Alloc(64)
				if ok {
					a.Free(h)
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
