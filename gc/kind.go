package gc

// Kind classifies an allocation. It is fixed when the allocation is created
// and fully determines how the collector scans it.
//
// Misclassifying a block that holds heap pointers as KindUntracked cannot be
// detected: the pointed-to objects are simply freed too early.
type Kind uint8

const (
	// KindPython is a language object that is visited precisely through the
	// Visit handler of its class. The first payload word holds the ClassID.
	KindPython Kind = 1 + iota

	// KindConservative is an arbitrary block of memory that may contain
	// pointers. Every word is treated as a potential pointer.
	KindConservative

	// KindPrecise is an arbitrary block of memory with contiguous pointers.
	// Every word is treated as a definite pointer (or zero).
	KindPrecise

	// KindUntracked is an arbitrary block of memory that does not contain
	// pointers. It is never scanned.
	KindUntracked

	// KindRuntime is a native runtime object that lives in the collected heap
	// and reports its pointers through a RuntimeObject.
	KindRuntime
)

// numKinds is one past the largest Kind, so Kind values can index arrays.
const numKinds = int(KindRuntime) + 1

func (k Kind) valid() bool {
	return k >= KindPython && k <= KindRuntime
}

func (k Kind) String() string {
	switch k {
	case KindPython:
		return "python"
	case KindConservative:
		return "conservative"
	case KindPrecise:
		return "precise"
	case KindUntracked:
		return "untracked"
	case KindRuntime:
		return "runtime"
	default:
		return "!err"
	}
}
