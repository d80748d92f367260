package mesh

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/mitchellh/mapstructure"

	"github.com/contestmesh/rpcd/libs/log"
)

// MethodRegistration is the declarative capability marker of spec.md
// §3/§4.7/§9, reimplemented as an explicit table entry (no
// attribute-access magic, per spec.md §9's redesign note) rather than
// function tags.
type MethodRegistration struct {
	Name     string
	Handler  reflect.Value
	ArgType  reflect.Type // nil if the handler takes no arguments
	Exposed  bool
	Threaded bool
}

// response is the Dispatcher's internal result shape, turned into a
// wire frame by the caller (mesh/peer.go).
type response struct {
	id      string
	data    json.RawMessage
	errMsg  *string
	noReply bool
}

// Dispatcher resolves inbound method calls against a Service's method
// table and invokes them, per spec.md §4.4.
type Dispatcher struct {
	logger  log.Logger
	metrics *Metrics
	events  *AdminServer // nil disables the /debug/events feed
	methods map[string]*MethodRegistration
}

// NewDispatcher constructs an empty Dispatcher; methods are registered
// via Register.
func NewDispatcher(logger log.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, metrics: NopMetrics(), methods: make(map[string]*MethodRegistration)}
}

// SetMetrics installs the Metrics collectors this Dispatcher reports
// dispatch errors to. Pass nil to fall back to NopMetrics.
func (d *Dispatcher) SetMetrics(m *Metrics) {
	if m == nil {
		m = NopMetrics()
	}
	d.metrics = m
}

// SetEvents installs the AdminServer this Dispatcher reports dispatch
// errors to via /debug/events. Pass nil to disable the feed.
func (d *Dispatcher) SetEvents(a *AdminServer) {
	d.events = a
}

func (d *Dispatcher) publishError(method, detail string) {
	if d.events != nil {
		d.events.Publish("dispatch_error", method+": "+detail)
	}
}

// Register adds a method to the table. handler must be a func with
// zero or one argument (a struct, decoded from __data via
// mapstructure) and either no return value, one return value, or
// (value, error).
func (d *Dispatcher) Register(name string, handler any, exposed, threaded bool) {
	hv := reflect.ValueOf(handler)
	ht := hv.Type()
	reg := &MethodRegistration{Name: name, Handler: hv, Exposed: exposed, Threaded: threaded}
	if ht.NumIn() == 1 {
		reg.ArgType = ht.In(0)
	}
	d.methods[name] = reg
}

func errString(s string) *string { return &s }

// panicKindName derives a readable "kind" label for an error value,
// recovered or returned by a handler: its dynamic type name with any
// pointer indirection removed, or "error" for an unnamed type.
func panicKindName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}

// Handle implements spec.md §4.4 steps 1-6 exactly, including the
// literal error string formats from spec.md §7's error table.
func (d *Dispatcher) Handle(env Envelope) response {
	resp := response{}
	if env.HasID {
		resp.id = env.ID
	}
	method := *env.Method

	reg, ok := d.methods[method]
	if !ok {
		d.metrics.DispatchErrors.WithLabelValues("key_error").Inc()
		resp.errMsg = errString("KeyError: Service has no method " + method)
		d.publishError(method, *resp.errMsg)
		return resp
	}
	if !reg.Exposed {
		d.metrics.DispatchErrors.WithLabelValues("authorization_error").Inc()
		resp.errMsg = errString(fmt.Sprintf("AuthorizationError: Method %s not callable from RPC", method))
		d.publishError(method, *resp.errMsg)
		return resp
	}
	if reg.Threaded {
		d.metrics.DispatchErrors.WithLabelValues("threaded_unsupported").Inc()
		resp.errMsg = errString("Threaded RPC unsupported")
		d.publishError(method, *resp.errMsg)
		return resp
	}
	if env.Data == nil {
		d.metrics.DispatchErrors.WithLabelValues("value_error").Inc()
		resp.errMsg = errString("ValueError: No data present.")
		d.publishError(method, *resp.errMsg)
		return resp
	}

	result, errMsg := d.invoke(reg, env.Data)
	if errMsg != nil {
		d.metrics.DispatchErrors.WithLabelValues("handler_error").Inc()
		resp.errMsg = errMsg
		d.publishError(method, *errMsg)
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		d.logger.Warning("response does not encode, no reply sent", "method", method, "err", err)
		resp.errMsg = nil
		resp.data = nil
		// per spec.md §4.4: log and do not attempt a fallback frame.
		// Signal "do not send" by returning a sentinel the caller checks.
		resp.noReply = true
		return resp
	}
	resp.data = raw
	return resp
}

func (d *Dispatcher) invoke(reg *MethodRegistration, data json.RawMessage) (result any, errMsg *string) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				errMsg = errString(fmt.Sprintf("%s: %s\n%s", panicKindName(err), err.Error(), debug.Stack()))
				return
			}
			errMsg = errString(fmt.Sprintf("PanicError: %v\n%s", r, debug.Stack()))
		}
	}()

	var args []reflect.Value
	if reg.ArgType != nil {
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			errMsg = errString(fmt.Sprintf("ValueError: %s", err.Error()))
			return
		}
		argPtr := reflect.New(reg.ArgType)
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           argPtr.Interface(),
			WeaklyTypedInput: true,
			TagName:          "rpc",
		})
		if err != nil {
			errMsg = errString(fmt.Sprintf("ValueError: %s", err.Error()))
			return
		}
		if err := decoder.Decode(generic); err != nil {
			errMsg = errString(fmt.Sprintf("ValueError: %s", err.Error()))
			return
		}
		args = []reflect.Value{argPtr.Elem()}
	}

	out := reg.Handler.Call(args)
	switch len(out) {
	case 0:
		result = nil
	case 1:
		if errVal, ok := out[0].Interface().(error); ok {
			if errVal != nil {
				errMsg = errString(fmt.Sprintf("%s: %s\n%s", panicKindName(errVal), errVal.Error(), debug.Stack()))
			}
			result = nil
		} else {
			result = out[0].Interface()
		}
	case 2:
		result = out[0].Interface()
		if errVal, _ := out[1].Interface().(error); errVal != nil {
			errMsg = errString(fmt.Sprintf("%s: %s\n%s", panicKindName(errVal), errVal.Error(), debug.Stack()))
			result = nil
		}
	}
	return
}
