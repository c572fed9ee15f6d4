package lfmap

import "fmt"

// misuse panics with a message identifying a programming-error
// precondition violation: inserting NullKey, using a reserved value,
// calling Quiesce while a Mutator is outstanding. These are assertion
// failures, not recoverable errors.
func misuse(format string, args ...any) {
	panic(fmt.Sprintf("lfmap: misuse: "+format, args...))
}

func checkKey(key uint64, kt *KeyTraits) {
	if key == kt.NullKey {
		misuse("key equals the reserved NullKey sentinel")
	}
}

func checkValue(value uint64, vt *ValueTraits) {
	if value == vt.NullValue || value == vt.Redirect {
		misuse("value %#x collides with a reserved sentinel", value)
	}
}
