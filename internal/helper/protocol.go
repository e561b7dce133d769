package helper

import "strings"

// Command lines the manager sends to the helper's standard input.
const (
	CmdRebuild = "rebuild"
	CmdFlush   = "flush"
	CmdQuit    = "quit"
)

// Response lines the helper sends back over standard output.
const (
	RespMounted = "mounted"
	RespOK      = "ok"
	errorPrefix = "error: "
)

// ParseResponse classifies one response line. ok is true for "mounted"
// and "ok"; for an "error: <message>" line it is false and msg holds the
// message.
func ParseResponse(line string) (ok bool, msg string) {
	line = strings.TrimSpace(line)
	if msg, found := strings.CutPrefix(line, strings.TrimSpace(errorPrefix)); found {
		return false, strings.TrimSpace(msg)
	}
	return true, line
}
