package sandbox

import (
	"context"

	lua "github.com/Shopify/go-lua"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/ir"
)

func (s *Sandbox) registerEvents() {
	s.l.NewTable()
	lua.SetFunctions(s.l, []lua.RegistryFunction{
		{Name: "dispatch", Function: s.eventsDispatch},
		{Name: "register", Function: s.eventsRegister},
		{Name: "unregister", Function: s.unregister},
	}, 0)
	s.l.SetGlobal("events")
}

func (s *Sandbox) registerReactive() {
	s.l.NewTable()
	lua.SetFunctions(s.l, []lua.RegistryFunction{
		{Name: "watch", Function: s.reactiveWatch},
		{Name: "unwatch", Function: s.unregister},
	}, 0)
	s.l.SetGlobal("reactive")
}

// eventsDispatch emits action with an optional payload and returns the
// number of handlers it reached. Handlers registered by scripts run
// later, from the callback queue.
func (s *Sandbox) eventsDispatch(l *lua.State) int {
	action := lua.CheckString(l, 1)
	payload, err := toGo(l, 2)
	if err != nil {
		return s.raise(l, ir.NewError(ir.KindValidation, "dispatch "+action, "payload: %v", err))
	}
	n := s.bus.Emit(s.ctx(), action, payload)
	l.PushInteger(n)
	return 1
}

// eventsRegister subscribes fn(action, payload) to action ("*" for all)
// and returns a handle for events.unregister.
func (s *Sandbox) eventsRegister(l *lua.State) int {
	action := lua.CheckString(l, 1)
	lua.CheckType(l, 2, lua.TypeFunction)

	h := s.register(l, 2, "event", action)
	id := h.id
	h.cancel = s.bus.Subscribe(action, func(_ context.Context, action string, payload any) {
		s.enqueue(id, action, payload)
	})
	l.PushInteger(id)
	return 1
}

// reactiveWatch registers fn(events) for committed changes to table. An
// optional third argument is a filter expression over operation, table,
// rowId, new and old.
func (s *Sandbox) reactiveWatch(l *lua.State) int {
	table := lua.CheckString(l, 1)
	lua.CheckType(l, 2, lua.TypeFunction)
	filter := lua.OptString(l, 3, "")
	op := "watch " + table
	s.checkTable(l, "watch", table)
	if s.tx != nil {
		return s.raise(l, ir.NewError(ir.KindState, op, "cannot watch inside a transaction"))
	}

	h := s.register(l, 2, "watch", table)
	id := h.id
	var opts []capsule.WatchOption
	if filter != "" {
		opts = append(opts, capsule.WithFilter(filter))
	}
	stop, err := s.store.Watch(s.ctx(), table, func(_ context.Context, events []ir.ChangeEvent) error {
		s.enqueue(id, events)
		return nil
	}, opts...)
	if err != nil {
		s.release(l, h)
		return s.raise(l, err)
	}
	h.cancel = stop
	l.PushInteger(id)
	return 1
}

// unregister backs events.unregister, reactive.unwatch and
// scheduler.cancel. It returns false for unknown handles.
func (s *Sandbox) unregister(l *lua.State) int {
	id := lua.CheckInteger(l, 1)
	h, ok := s.handles[id]
	if !ok {
		l.PushBoolean(false)
		return 1
	}
	s.release(l, h)
	l.PushBoolean(true)
	return 1
}
