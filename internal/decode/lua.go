package decode

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
)

// LuaFunction is the global a decoder script must define.
const LuaFunction = "decode"

// LuaError represents detailed Lua load or execution errors
type LuaError struct {
	Type       string // "syntax", "runtime", "result"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := fmt.Sprintf("Lua %s error", e.Type)
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s (%s)", prefix, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

func (e *LuaError) Is(target error) bool {
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

// Lua runs a script-defined decode(data) function. data is passed as a Lua
// string; the function returns a table of rows, each a table of values.
// Returning nil or an empty table yields no rows.
//
// One Lua state serves all callers; calls are serialized.
type Lua struct {
	mu     sync.Mutex
	state  *lua.State
	source string
	width  int
}

// NewLuaFile loads the decoder script from path.
func NewLuaFile(path string, width int) (*Lua, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return NewLua(string(content), path, width)
}

// NewLua compiles script and verifies it defines decode. width is the
// expected row width, checked on every Decode; 0 disables the check.
func NewLua(script, source string, width int) (*Lua, error) {
	if strings.TrimSpace(script) == "" {
		return nil, &LuaError{Type: "syntax", Message: "empty script", Source: source}
	}

	L := lua.NewState()
	L.OpenLibs()

	if status := L.LoadString(script); status != 0 {
		luaErr := parseLuaError(L, "syntax", source)
		L.Close()
		return nil, luaErr
	}
	if err := L.Call(0, 0); err != nil {
		L.Close()
		return nil, &LuaError{Type: "runtime", Message: err.Error(), Source: source, Underlying: err}
	}

	L.GetGlobal(LuaFunction)
	isFunc := L.IsFunction(-1)
	L.Pop(1)
	if !isFunc {
		L.Close()
		return nil, &LuaError{Type: "syntax", Message: fmt.Sprintf("script does not define function %s(data)", LuaFunction), Source: source}
	}

	return &Lua{state: L, source: source, width: width}, nil
}

// Columns returns the configured row width.
func (d *Lua) Columns() int { return d.width }

// Decode calls decode(data) and converts the returned table into rows.
func (d *Lua) Decode(data []byte) ([][]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == nil {
		return nil, &LuaError{Type: "runtime", Message: "decoder closed", Source: d.source}
	}
	L := d.state
	base := L.GetTop()
	defer L.SetTop(base)

	L.GetGlobal(LuaFunction)
	L.PushBytes(data)
	if err := L.Call(1, 1); err != nil {
		return nil, &LuaError{Type: "runtime", Message: err.Error(), Source: d.source, Underlying: err}
	}

	if L.IsNil(-1) {
		return nil, nil
	}
	if !L.IsTable(-1) {
		return nil, &LuaError{Type: "result", Message: fmt.Sprintf("%s must return a table of rows, got %s", LuaFunction, L.Typename(int(L.Type(-1)))), Source: d.source}
	}

	n := int(L.ObjLen(-1))
	rows := make([][]any, 0, n)
	for i := 1; i <= n; i++ {
		L.RawGeti(-1, i)
		if !L.IsTable(-1) {
			L.Pop(1)
			return nil, &LuaError{Type: "result", Message: fmt.Sprintf("row %d is not a table", i), Source: d.source}
		}
		m := int(L.ObjLen(-1))
		row := make([]any, 0, m)
		for j := 1; j <= m; j++ {
			L.RawGeti(-1, j)
			row = append(row, luaValue(L, -1))
			L.Pop(1)
		}
		L.Pop(1)
		rows = append(rows, row)
	}

	if err := CheckRows(rows, d.width); err != nil {
		return nil, &LuaError{Type: "result", Message: err.Error(), Source: d.source, Underlying: err}
	}
	return rows, nil
}

// Close releases the Lua state.
func (d *Lua) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != nil {
		d.state.Close()
		d.state = nil
	}
}

// luaValue converts the value at idx; integral numbers become int64.
func luaValue(L *lua.State, idx int) any {
	switch {
	case L.IsNil(idx):
		return nil
	case L.IsBoolean(idx):
		return L.ToBoolean(idx)
	case L.Type(idx) == lua.LUA_TNUMBER:
		n := L.ToNumber(idx)
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case L.IsString(idx):
		return L.ToString(idx)
	default:
		return L.Typename(int(L.Type(idx)))
	}
}

// parseLuaError extracts the line number from a "source:line: message" error on top of the stack.
func parseLuaError(L *lua.State, errType, source string) *LuaError {
	if L.GetTop() == 0 {
		return &LuaError{Type: errType, Message: "unknown Lua error", Source: source}
	}

	errMsg := "non-string error object"
	if L.IsString(-1) {
		errMsg = L.ToString(-1)
	}
	L.Pop(1)

	line := 0
	message := errMsg
	parts := strings.SplitN(errMsg, ":", 3)
	if len(parts) >= 3 {
		if parsed, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && parsed == 1 {
			message = strings.TrimSpace(parts[2])
		}
	}

	return &LuaError{Type: errType, Message: message, Line: line, Source: source}
}
