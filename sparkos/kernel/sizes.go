package kernel

import "unsafe"

// TypeKind names an opaque kernel type for TypeSize.
type TypeKind uint8

const (
	TypeTask TypeKind = iota
	TypeQueue
	TypeSemaphore
	TypeMutex
	TypeTicks
	TypePriority
	TypeNotifyValue
	TypeStackWord
)

func (t TypeKind) String() string {
	switch t {
	case TypeTask:
		return "task"
	case TypeQueue:
		return "queue"
	case TypeSemaphore:
		return "semaphore"
	case TypeMutex:
		return "mutex"
	case TypeTicks:
		return "ticks"
	case TypePriority:
		return "priority"
	case TypeNotifyValue:
		return "notify value"
	case TypeStackWord:
		return "stack word"
	default:
		return "unknown"
	}
}

// TypeKinds lists every kind TypeSize knows.
var TypeKinds = []TypeKind{
	TypeTask, TypeQueue, TypeSemaphore, TypeMutex,
	TypeTicks, TypePriority, TypeNotifyValue, TypeStackWord,
}

// TypeSize returns the size in bytes of a kernel type, for callers that
// reserve static buffers.
func TypeSize(kind TypeKind) uintptr {
	switch kind {
	case TypeTask:
		return unsafe.Sizeof(Task{})
	case TypeQueue:
		return unsafe.Sizeof(Queue{})
	case TypeSemaphore:
		return unsafe.Sizeof(Semaphore{})
	case TypeMutex:
		return unsafe.Sizeof(Mutex{})
	case TypeTicks:
		return unsafe.Sizeof(Ticks(0))
	case TypePriority:
		return unsafe.Sizeof(Priority(0))
	case TypeNotifyValue:
		return unsafe.Sizeof(uint32(0))
	case TypeStackWord:
		return StackWordSize
	default:
		return 0
	}
}
