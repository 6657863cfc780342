package core

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// getGoroutineID parses the current goroutine id from the runtime stack header.
// Only used to pin a Looper to the goroutine that runs its loop.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic(Fatalf("core: cannot parse goroutine id from %q", buf[:n]))
	}
	return id
}
