package kernel

// mailbox is the fixed-capacity ring of fixed-size items behind a Queue.
// Items of size zero only move the count, which is how semaphores and
// mutexes use it.
type mailbox struct {
	buf      []byte
	itemSize int
	length   int
	head     int // slot of the oldest item
	count    int
}

func (mb *mailbox) init(buf []byte, length, itemSize int) {
	mb.buf = buf[:length*itemSize]
	mb.length = length
	mb.itemSize = itemSize
	mb.reset()
}

func (mb *mailbox) reset() {
	mb.head = 0
	mb.count = 0
}

func (mb *mailbox) full() bool  { return mb.count >= mb.length }
func (mb *mailbox) empty() bool { return mb.count == 0 }

func (mb *mailbox) slot(i int) []byte {
	off := ((mb.head + i) % mb.length) * mb.itemSize
	return mb.buf[off : off+mb.itemSize]
}

func (mb *mailbox) pushBack(item []byte) {
	if mb.itemSize > 0 {
		copy(mb.slot(mb.count), item)
	}
	mb.count++
}

func (mb *mailbox) pushFront(item []byte) {
	mb.head = (mb.head + mb.length - 1) % mb.length
	if mb.itemSize > 0 {
		copy(mb.slot(0), item)
	}
	mb.count++
}

// overwrite replaces the content of a single-slot mailbox.
func (mb *mailbox) overwrite(item []byte) {
	mb.head = 0
	if mb.itemSize > 0 {
		copy(mb.slot(0), item)
	}
	mb.count = 1
}

func (mb *mailbox) peek(dst []byte) {
	if mb.itemSize > 0 {
		copy(dst, mb.slot(0))
	}
}

func (mb *mailbox) pop(dst []byte) {
	mb.peek(dst)
	mb.head = (mb.head + 1) % mb.length
	mb.count--
}
