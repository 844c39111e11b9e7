// Package invoker turns a resolved router.RouteEntry into an executable call: it
// resolves the controller receiver, supplies each argument, and invokes the method via
// reflection, with the argument suppliers selected once per route when its Invoker is
// built (rpcserver builds it on the route's first dispatch and caches it).
package invoker

import (
	"fmt"
	"net"
	"reflect"
	"runtime"
	"strings"

	"corerpc/message"
	"corerpc/router"
)

// RequestContext is built fresh per invocation and passed explicitly to Invoke and to
// every ArgSupplier. It lives only on the calling goroutine's stack for the duration of
// one call: returning from Invoke is what "clears" it; there is no global or
// goroutine-local registry to clean up, by design.
type RequestContext struct {
	Conn net.Conn
	Msg  *message.Message
}

// ArgSupplier produces the reflect.Value for one method parameter, given the current
// RequestContext. Suppliers are chosen once per route, in New, based on each
// parameter's static type.
type ArgSupplier func(rc *RequestContext) reflect.Value

// Head and Data are marker types an ArgSupplier can detect to inject a plain copy of
// the request's Head/Data sections as a map, for handlers that don't want to depend on
// *message.Message directly.
type Head map[string]any
type Data map[string]any

var (
	messageType = reflect.TypeOf((*message.Message)(nil))
	connType    = reflect.TypeOf((*net.Conn)(nil)).Elem()
	headType    = reflect.TypeOf(Head(nil))
	dataType    = reflect.TypeOf(Data(nil))
)

// Invoker holds everything needed to run one route's method repeatedly without
// re-resolving reflection metadata per call.
type Invoker struct {
	entry     *router.RouteEntry
	suppliers []ArgSupplier
}

// New builds an Invoker for entry, selecting one ArgSupplier per declared parameter.
func New(entry *router.RouteEntry) (*Invoker, error) {
	methodType := entry.Method.Func.Type()
	// In0 is the receiver; real parameters start at index 1.
	suppliers := make([]ArgSupplier, 0, methodType.NumIn()-1)
	for i := 1; i < methodType.NumIn(); i++ {
		paramType := methodType.In(i)
		supplier, err := supplierFor(paramType)
		if err != nil {
			return nil, fmt.Errorf("invoker: route %s param %d: %w", entry.Path, i, err)
		}
		suppliers = append(suppliers, supplier)
	}
	return &Invoker{entry: entry, suppliers: suppliers}, nil
}

func supplierFor(t reflect.Type) (ArgSupplier, error) {
	switch {
	case t == messageType:
		return func(rc *RequestContext) reflect.Value {
			return reflect.ValueOf(rc.Msg)
		}, nil
	case t == connType:
		return func(rc *RequestContext) reflect.Value {
			return reflect.ValueOf(rc.Conn)
		}, nil
	case t == headType:
		return func(rc *RequestContext) reflect.Value {
			return reflect.ValueOf(Head(rc.Msg.Head.ToMap()))
		}, nil
	case t == dataType:
		return func(rc *RequestContext) reflect.Value {
			return reflect.ValueOf(Data(rc.Msg.Data.ToMap()))
		}, nil
	default:
		return func(rc *RequestContext) reflect.Value {
			return reflect.New(t).Elem()
		}, nil
	}
}

// HandlerError is what Invoke returns when the method itself panicked: the recovered
// value's type name, its detail, and the first non-runtime stack frame above the
// recover() site (the function that panicked).
type HandlerError struct {
	ClassName string
	Detail    string
	Frame     string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s (at %s)", e.ClassName, e.Detail, e.Frame)
}

func firstStackFrame(skip int) string {
	pc := make([]uintptr, 16)
	n := runtime.Callers(skip, pc)
	if n == 0 {
		return "unknown"
	}
	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") || !more {
			return fmt.Sprintf("%s:%d", frame.Function, frame.Line)
		}
	}
}

// Invoke resolves the receiver, evaluates each ArgSupplier in declared order, and calls
// the method. The receiver is the injected constructor's result (the constructor is
// called with no arguments on every invocation) when the controller supplies one, and
// otherwise the same instance that was passed to Register, shared by all invocations;
// no fresh controller is created per call on that path. The returned []reflect.Value is
// the raw result list; rpcserver shapes it into a response envelope. rc is never
// retained past this call. A panicking method surfaces as *HandlerError rather than a
// bare fmt.Errorf, carrying the recovered value's type name and the function that
// panicked.
func (inv *Invoker) Invoke(rc *RequestContext) (results []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				ClassName: reflect.TypeOf(r).String(),
				Detail:    fmt.Sprintf("%v", r),
				Frame:     firstStackFrame(3),
			}
		}
	}()

	var recv reflect.Value
	if inv.entry.Constructor.IsValid() {
		out := inv.entry.Constructor.Call(nil)
		if len(out) != 1 {
			return nil, fmt.Errorf("invoker: route %s constructor must return exactly one value", inv.entry.Path)
		}
		recv = out[0]
	} else if inv.entry.ControllerVal.IsValid() {
		recv = inv.entry.ControllerVal
	} else {
		recv = reflect.New(inv.entry.Controller.Elem())
	}

	args := make([]reflect.Value, 0, len(inv.suppliers)+1)
	args = append(args, recv)
	for _, supply := range inv.suppliers {
		args = append(args, supply(rc))
	}

	results = inv.entry.Method.Func.Call(args)
	return results, nil
}
