package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Console output is bounded so a logging loop cannot grow the execution log
// without limit: at most maxConsoleLines entries, each truncated to
// maxConsoleLen bytes. Lines past the cap are dropped after a final marker.
const (
	maxConsoleLines = 200
	maxConsoleLen   = 4096
)

// enableConsole installs a console object whose log/info/warn/error/debug
// methods write into the sink.
func enableConsole(vm *goja.Runtime, sink ConsoleSink) {
	lines := 0
	emit := func(level string) func(args ...goja.Value) {
		return func(args ...goja.Value) {
			if lines > maxConsoleLines {
				return
			}
			lines++
			if lines > maxConsoleLines {
				sink("warn", "console output truncated")
				return
			}
			sink(level, formatConsoleArgs(args))
		}
	}
	console := vm.NewObject()
	console.Set("log", emit("info"))
	console.Set("info", emit("info"))
	console.Set("debug", emit("debug"))
	console.Set("warn", emit("warn"))
	console.Set("error", emit("error"))
	vm.Set("console", console)
}

func formatConsoleArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = stringify(arg.Export())
	}
	msg := strings.Join(parts, " ")
	if len(msg) > maxConsoleLen {
		msg = msg[:maxConsoleLen]
	}
	return msg
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
