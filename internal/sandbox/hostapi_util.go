package sandbox

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/Shopify/go-lua"

	"github.com/roach88/capsule/internal/ir"
)

// minInterval is the shortest scheduler.every period.
const minInterval = 10 * time.Millisecond

type cacheEntry struct {
	value   any
	expires time.Time
}

func (s *Sandbox) registerUtil() {
	s.l.NewTable()
	lua.SetFunctions(s.l, []lua.RegistryFunction{
		{Name: "uuid", Function: func(l *lua.State) int {
			l.PushString(s.ids.Generate())
			return 1
		}},
		{Name: "now", Function: func(l *lua.State) int {
			l.PushNumber(float64(s.now().UnixMilli()))
			return 1
		}},
	}, 0)
	s.l.SetGlobal("util")
}

func (s *Sandbox) registerCache() {
	s.l.NewTable()
	lua.SetFunctions(s.l, []lua.RegistryFunction{
		{Name: "set", Function: s.cacheSet},
		{Name: "get", Function: s.cacheGet},
		{Name: "delete", Function: s.cacheDelete},
	}, 0)
	s.l.SetGlobal("cache")
}

// cacheSet stores a copy of value under key. The optional third argument
// is a TTL in milliseconds; zero never expires.
func (s *Sandbox) cacheSet(l *lua.State) int {
	key := lua.CheckString(l, 1)
	value, err := toGo(l, 2)
	if err != nil {
		return s.raise(l, ir.NewError(ir.KindValidation, "cache.set", "%v", err))
	}
	ttl := s.cacheTTL
	if !l.IsNoneOrNil(3) {
		ms := lua.CheckInteger(l, 3)
		lua.ArgumentCheck(l, ms >= 0, 3, "ttl must be >= 0")
		ttl = time.Duration(ms) * time.Millisecond
	}
	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	}
	s.cache.Add(key, entry)
	return 0
}

func (s *Sandbox) cacheGet(l *lua.State) int {
	key := lua.CheckString(l, 1)
	entry, ok := s.cache.Get(key)
	if !ok {
		l.PushNil()
		return 1
	}
	if !entry.expires.IsZero() && !s.now().Before(entry.expires) {
		s.cache.Remove(key)
		l.PushNil()
		return 1
	}
	return s.pushResult(l, entry.value)
}

func (s *Sandbox) cacheDelete(l *lua.State) int {
	key := lua.CheckString(l, 1)
	l.PushBoolean(s.cache.Remove(key))
	return 1
}

func (s *Sandbox) registerScheduler() {
	s.l.NewTable()
	lua.SetFunctions(s.l, []lua.RegistryFunction{
		{Name: "after", Function: s.schedulerAfter},
		{Name: "every", Function: s.schedulerEvery},
		{Name: "cancel", Function: s.unregister},
	}, 0)
	s.l.SetGlobal("scheduler")
}

// schedulerAfter runs fn once after ms milliseconds.
func (s *Sandbox) schedulerAfter(l *lua.State) int {
	ms := lua.CheckInteger(l, 1)
	lua.CheckType(l, 2, lua.TypeFunction)
	lua.ArgumentCheck(l, ms >= 0, 1, "delay must be >= 0")

	h := s.register(l, 2, "timer", fmt.Sprintf("after %dms", ms))
	h.once = true
	id := h.id
	t := time.AfterFunc(time.Duration(ms)*time.Millisecond, func() { s.enqueue(id) })
	h.cancel = func() { t.Stop() }
	l.PushInteger(id)
	return 1
}

// schedulerEvery runs fn every ms milliseconds until cancelled. A tick
// is skipped while the previous one is still queued.
func (s *Sandbox) schedulerEvery(l *lua.State) int {
	ms := lua.CheckInteger(l, 1)
	lua.CheckType(l, 2, lua.TypeFunction)
	period := time.Duration(ms) * time.Millisecond
	lua.ArgumentCheck(l, period >= minInterval, 1, fmt.Sprintf("interval must be >= %s", minInterval))

	h := s.register(l, 2, "timer", fmt.Sprintf("every %dms", ms))
	h.pending = new(atomic.Bool)
	id, pending := h.id, h.pending

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if pending.CompareAndSwap(false, true) {
					s.enqueue(id)
				}
			}
		}
	}()
	h.cancel = func() { once.Do(func() { close(stop) }) }
	l.PushInteger(id)
	return 1
}

func (s *Sandbox) registerLog() {
	s.l.NewTable()
	lua.SetFunctions(s.l, []lua.RegistryFunction{
		{Name: "debug", Function: s.logAt(slog.LevelDebug)},
		{Name: "info", Function: s.logAt(slog.LevelInfo)},
		{Name: "warn", Function: s.logAt(slog.LevelWarn)},
		{Name: "error", Function: s.logAt(slog.LevelError)},
	}, 0)
	s.l.SetGlobal("log")
}

// logAt returns log.<level>(message, fields). Fields become structured
// attributes in key order.
func (s *Sandbox) logAt(level slog.Level) lua.Function {
	return func(l *lua.State) int {
		msg := lua.CheckString(l, 1)
		var attrs []any
		if !l.IsNoneOrNil(2) {
			lua.CheckType(l, 2, lua.TypeTable)
			v, err := toGo(l, 2)
			if err != nil {
				return s.raise(l, ir.NewError(ir.KindValidation, "log", "fields: %v", err))
			}
			if fields, ok := v.(map[string]any); ok {
				for _, k := range ir.SortedKeys(fields) {
					attrs = append(attrs, k, fields[k])
				}
			}
		}
		s.logger.Log(s.ctx(), level, msg, attrs...)
		return 0
	}
}
