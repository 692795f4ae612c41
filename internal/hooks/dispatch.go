package hooks

import "fmt"

// Dispatch invokes each enabled registration at point in order,
// threading value = cb(value, c) forward. A veto stops remaining
// callbacks and is returned alongside the value threaded so far. A
// callback error (including a panic) is recorded against its plugin and
// skipped, leaving the value unchanged: one misbehaving extension never
// aborts the pipeline.
func (r *Registry) Dispatch(c *Context, point Point, initial any) (any, *VetoSignal) {
	return r.dispatch(c, point, initial, nil)
}

// DispatchValue dispatches with a typed contract: a callback that
// continues with a value of the wrong dynamic type is treated as a hook
// error and skipped, so stages always get back the type they put in.
func DispatchValue[T any](r *Registry, c *Context, point Point, initial T) (T, *VetoSignal) {
	out, veto := r.dispatch(c, point, initial, func(v any) error {
		if _, ok := v.(T); !ok {
			return fmt.Errorf("hook returned %T, point %q requires %T", v, point, initial)
		}
		return nil
	})
	return out.(T), veto
}

func (r *Registry) dispatch(c *Context, point Point, initial any, accept func(any) error) (any, *VetoSignal) {
	value := initial
	for _, reg := range r.snapshot(point) {
		res := r.invoke(reg, value, c)
		switch res.kind {
		case resultContinue:
			if accept != nil {
				if err := accept(res.value); err != nil {
					r.recordError(reg, err)
					continue
				}
			}
			value = res.value
		case resultVeto:
			return value, &VetoSignal{Point: point, Owner: reg.owner, Reason: res.reason}
		case resultError:
			r.recordError(reg, res.err)
		}
	}
	return value, nil
}

// invoke runs one callback, converting a panic into an error result.
func (r *Registry) invoke(reg *registration, value any, c *Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Error(fmt.Errorf("panic: %v", p))
		}
	}()
	return reg.cb(value, c)
}
