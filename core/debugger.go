package core

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
)

// DebuggerProbe reports whether a debugger is attached to the process.
type DebuggerProbe func() bool

// DebuggerAttached reports whether a tracer (delve, gdb) is attached, using
// TracerPid from /proc/self/status. Always false where procfs is unavailable.
func DebuggerAttached() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	return tracerPid(data) > 0
}

func tracerPid(status []byte) int {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		line := sc.Bytes()
		rest, ok := bytes.CutPrefix(line, []byte("TracerPid:"))
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
		if err != nil {
			return 0
		}
		return pid
	}
	return 0
}
