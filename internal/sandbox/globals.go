package sandbox

import (
	"strings"

	lua "github.com/Shopify/go-lua"

	"github.com/roach88/capsule/internal/ir"
)

// maxRepBytes caps string.rep output.
const maxRepBytes = 16 << 20

// baseAllowed lists the base library globals scripts keep. Loading code,
// raw table access, metatables and the collector are excluded.
var baseAllowed = map[string]bool{
	"assert":   true,
	"error":    true,
	"ipairs":   true,
	"next":     true,
	"pairs":    true,
	"pcall":    true,
	"select":   true,
	"tonumber": true,
	"tostring": true,
	"type":     true,
	"unpack":   true,
	"xpcall":   true,
	"_VERSION": true,
}

// libraries maps each opened library to the members scripts keep, and
// to members that are denied even when the interpreter lacks them.
var libraries = []struct {
	name    string
	open    lua.Function
	members map[string]bool
	denied  []string
}{
	{"string", lua.StringOpen, setOf("byte", "char", "find", "format", "gmatch", "gsub", "len", "lower", "match", "rep", "reverse", "sub", "upper"), []string{"dump"}},
	{"table", lua.TableOpen, setOf("concat", "insert", "pack", "remove", "sort", "unpack"), nil},
	{"math", lua.MathOpen, setOf("abs", "ceil", "cos", "exp", "floor", "fmod", "huge", "log", "max", "min", "modf", "pi", "pow", "random", "sin", "sqrt", "tan"), []string{"randomseed"}},
}

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// neverOpened names capabilities of the standard Lua libraries that are
// not loaded at all.
var neverOpened = []string{
	"io", "os", "package", "require", "module", "debug", "coroutine",
	"dofile", "loadfile", "load", "loadstring", "collectgarbage",
	"rawget", "rawset", "rawequal", "rawlen",
	"setmetatable", "getmetatable", "setfenv", "getfenv", "newproxy",
}

// openLibraries opens the base, string, table and math libraries and
// strips everything not allowlisted. io, os, package, debug and
// coroutine are never opened. Reading a stripped name raises a
// permission error instead of yielding nil.
func (s *Sandbox) openLibraries(l *lua.State) {
	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	l.PushGlobalTable()
	denied := setOf(keepOnly(l, baseAllowed)...)
	for _, name := range neverOpened {
		denied[name] = true
	}
	s.guard(l, "", denied)
	l.Pop(1)

	for _, lib := range libraries {
		lua.Require(l, lib.name, lib.open, true)
		s.guard(l, lib.name+".", setOf(append(keepOnly(l, lib.members), lib.denied...)...))
		l.Pop(1)
	}

	l.Global("string")
	l.PushGoFunction(s.safeRep)
	l.SetField(-2, "rep")
	l.Pop(1)
}

// keepOnly removes every string key of the table on top of the stack
// that allowed does not name, and returns the removed keys.
func keepOnly(l *lua.State, allowed map[string]bool) []string {
	var drop []string
	l.PushNil()
	for l.Next(-2) {
		if l.TypeOf(-2) == lua.TypeString {
			if k, _ := l.ToString(-2); !allowed[k] {
				drop = append(drop, k)
			}
		}
		l.Pop(1)
	}
	for _, k := range drop {
		l.PushNil()
		l.SetField(-2, k)
	}
	return drop
}

// guard sets a metatable on the table on top of the stack whose __index
// raises a permission error for denied keys. Other missing keys read as
// nil. Guests cannot reach the metatable: getmetatable is stripped.
func (s *Sandbox) guard(l *lua.State, prefix string, denied map[string]bool) {
	l.NewTable()
	l.PushGoFunction(func(l *lua.State) int {
		if l.TypeOf(2) == lua.TypeString {
			if name, _ := l.ToString(2); denied[name] {
				return s.raise(l, ir.NewError(ir.KindPermission, s.call.op,
					"capability %q is not available in the sandbox", prefix+name))
			}
		}
		l.PushNil()
		return 1
	})
	l.SetField(-2, "__index")
	l.SetMetaTable(-2)
}

// rawGlobal pushes the global name without consulting the guard.
func rawGlobal(l *lua.State, name string) {
	l.PushGlobalTable()
	l.PushString(name)
	l.RawGet(-2)
	l.Remove(-2)
}

// safeRep is string.rep with an output ceiling, so one call cannot
// allocate past the memory check.
func (s *Sandbox) safeRep(l *lua.State) int {
	str := lua.CheckString(l, 1)
	n := lua.CheckInteger(l, 2)
	sep := lua.OptString(l, 3, "")
	if n <= 0 {
		l.PushString("")
		return 1
	}
	if size := int64(len(str))*int64(n) + int64(len(sep))*int64(n-1); size > maxRepBytes {
		s.tripOutside(l, ir.KindResourceExceeded, "string.rep result of %d bytes exceeds %d", size, maxRepBytes)
		return 0
	}
	if sep == "" {
		l.PushString(strings.Repeat(str, n))
		return 1
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(str)
	}
	l.PushString(b.String())
	return 1
}

// print writes its arguments, tab-separated, to the logger.
func (s *Sandbox) print(l *lua.State) int {
	n := l.Top()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, display(l, i))
	}
	s.logger.Info(strings.Join(parts, "\t"), "source", "print")
	return 0
}

// display formats the value at index the way tostring does for plain
// values.
func display(l *lua.State, index int) string {
	switch t := l.TypeOf(index); t {
	case lua.TypeString, lua.TypeNumber:
		l.PushValue(index)
		str, _ := l.ToString(-1)
		l.Pop(1)
		return str
	case lua.TypeBoolean:
		if l.ToBoolean(index) {
			return "true"
		}
		return "false"
	default:
		return typeName(t)
	}
}
