package kernel

// heap accounts for dynamically allocated kernel objects against a fixed
// budget. Go's allocator provides the memory; the kernel bounds how much of it
// task stacks, control blocks and queue storage may claim.
type heap struct {
	total   uintptr
	free    uintptr
	minFree uintptr
	allocs  int
	frees   int
}

const heapAlignment = 8

// roundBlock rounds n up to the heap alignment.
func roundBlock(n uintptr) uintptr {
	return (n + heapAlignment - 1) &^ (heapAlignment - 1)
}

func newHeap(total uint32) heap {
	size := uintptr(total) &^ (heapAlignment - 1)
	return heap{total: size, free: size, minFree: size}
}

// alloc reserves n bytes and returns the rounded size charged, or 0 when the
// budget cannot cover it.
func (h *heap) alloc(n uintptr) uintptr {
	n = roundBlock(n)
	if n == 0 || n > h.free {
		return 0
	}
	h.free -= n
	if h.free < h.minFree {
		h.minFree = h.free
	}
	h.allocs++
	return n
}

func (h *heap) release(n uintptr) {
	if n == 0 {
		return
	}
	h.free += n
	h.frees++
}

// HeapStats describes the dynamic allocation budget.
type HeapStats struct {
	Total           uintptr
	Free            uintptr
	MinimumEverFree uintptr
	Allocations     int
	Frees           int
}

// HeapStats returns the current heap accounting.
func (k *Kernel) HeapStats() HeapStats {
	k.enterCritical()
	defer k.exitCritical()
	return HeapStats{
		Total:           k.heap.total,
		Free:            k.heap.free,
		MinimumEverFree: k.heap.minFree,
		Allocations:     k.heap.allocs,
		Frees:           k.heap.frees,
	}
}
