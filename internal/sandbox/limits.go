package sandbox

import (
	"context"
	"runtime/metrics"
	"strings"
	"time"

	lua "github.com/Shopify/go-lua"

	"github.com/roach88/capsule/internal/ir"
)

const (
	// hookInterval is the instruction count between limit checks.
	hookInterval = 1000

	// heapSampleEvery is the number of hook calls between heap samples.
	heapSampleEvery = 16

	heapMetric = "/memory/classes/heap/objects:bytes"
)

// Limits bound every call into the interpreter.
type Limits struct {
	// Timeout is the wall-clock budget per call. Zero disables it.
	Timeout time.Duration

	// MaxInstructions caps VM instructions per call, checked every
	// thousand instructions. Zero disables it.
	MaxInstructions int64

	// MemoryLimit caps heap growth in bytes during a call. The heap is
	// sampled process-wide, so the ceiling is approximate. Zero disables
	// it.
	MemoryLimit uint64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:     5 * time.Second,
		MemoryLimit: 64 << 20,
	}
}

// callState tracks limits for the outermost call in progress. Nested
// entries (a db.transaction callback) share it.
type callState struct {
	depth        int
	ctx          context.Context
	op           string
	deadline     time.Time
	instructions int64
	heapBase     uint64
	hooks        int
	tripped      error

	// hostErr is the last host error raised into the script; it lets an
	// uncaught one keep its kind.
	hostErr error
}

// begin starts limit accounting if no call is in progress. It returns
// false for nested calls, which must not call end.
func (s *Sandbox) begin(ctx context.Context, op string) bool {
	if s.call.depth > 0 {
		s.call.depth++
		return false
	}
	s.call = callState{depth: 1, ctx: ctx, op: op}
	if s.limits.Timeout > 0 {
		s.call.deadline = time.Now().Add(s.limits.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (s.call.deadline.IsZero() || d.Before(s.call.deadline)) {
		s.call.deadline = d
	}
	if s.limits.MemoryLimit > 0 {
		s.call.heapBase = heapInUse()
	}
	lua.SetDebugHook(s.l, s.hook, lua.MaskCount, hookInterval)
	return true
}

func (s *Sandbox) end(outer bool) {
	if !outer {
		s.call.depth--
		return
	}
	lua.SetDebugHook(s.l, nil, 0, 0)
	s.call = callState{}
}

func (s *Sandbox) hook(l *lua.State, _ lua.Debug) {
	cs := &s.call
	if cs.tripped != nil {
		lua.Errorf(l, "%s", cs.tripped.Error())
		return
	}

	cs.instructions += hookInterval
	if budget := s.limits.MaxInstructions; budget > 0 && cs.instructions > budget {
		s.trip(l, ir.NewError(ir.KindResourceExceeded, cs.op, "instruction limit of %d exceeded", budget))
	}
	if !cs.deadline.IsZero() && time.Now().After(cs.deadline) {
		s.trip(l, ir.NewError(ir.KindTimeout, cs.op, "script exceeded %s", s.limits.Timeout))
	}
	if cs.ctx != nil && cs.ctx.Err() != nil {
		s.trip(l, &ir.Error{Kind: ir.KindTimeout, Op: cs.op, Message: "script cancelled", Err: cs.ctx.Err()})
	}

	cs.hooks++
	if limit := s.limits.MemoryLimit; limit > 0 && cs.hooks%heapSampleEvery == 0 {
		if used := heapInUse(); used > cs.heapBase && used-cs.heapBase > limit {
			s.trip(l, ir.NewError(ir.KindResourceExceeded, cs.op, "memory limit of %d bytes exceeded", limit))
		}
	}
}

// trip records err and re-arms the hook on every instruction so a guest
// pcall cannot resume normal execution. It does not return.
func (s *Sandbox) trip(l *lua.State, err error) {
	s.call.tripped = err
	lua.SetDebugHook(l, s.hook, lua.MaskCount, 1)
	lua.Errorf(l, "%s", err.Error())
}

// tripOutside raises a limit error detected by host code.
func (s *Sandbox) tripOutside(l *lua.State, kind ir.ErrorKind, format string, args ...any) {
	s.trip(l, ir.NewError(kind, s.call.op, format, args...))
}

func heapInUse() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// callError maps a failed protected call to the error returned to the
// host.
func (s *Sandbox) callError(op string, err error) error {
	if s.call.tripped != nil {
		return s.call.tripped
	}
	if host := s.call.hostErr; containsMessage(err, host) {
		if kind := ir.KindOf(host); kind != "" {
			return &ir.Error{Kind: kind, Op: op, Err: host}
		}
	}
	return &ir.Error{Kind: ir.KindScript, Op: op, Err: err}
}

func containsMessage(err, host error) bool {
	return err != nil && host != nil && len(host.Error()) > 0 &&
		strings.Contains(err.Error(), host.Error())
}
