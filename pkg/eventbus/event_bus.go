// Package eventbus is a small in-process publisher. Handlers are plain
// functions; an event matches a handler when the published arguments are
// assignable to the handler's parameters. Notification side effects
// (invitation mails) hang off it so the services stay storage-only.
package eventbus

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/iota-uz/governance/pkg/serrors"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoSubscribers        = serrors.New(http.StatusInternalServerError, "EVENTBUS_NO_SUBSCRIBERS", "no matching subscribers")
	ErrInvalidHandlerReturn = serrors.New(http.StatusInternalServerError, "EVENTBUS_INVALID_HANDLER_RETURN", "invalid handler return signature")
)

type EventBus interface {
	// Publish dispatches to all matching handlers, swallowing handler
	// failures (best-effort).
	Publish(args ...any)
	// PublishE dispatches and returns the joined handler errors, or
	// ErrNoSubscribers when nothing matched.
	PublishE(args ...any) error
	Subscribe(handler any)
	Unsubscribe(handler any)
	Clear()
	SubscribersCount() int
}

type publisher struct {
	log      *logrus.Logger
	handlers []any
}

func NewEventPublisher(log *logrus.Logger) EventBus {
	return &publisher{log: log}
}

func matchesSignature(handler any, args []any) bool {
	t := reflect.TypeOf(handler)
	if t.Kind() != reflect.Func || t.NumIn() != len(args) {
		return false
	}
	for i, arg := range args {
		param := t.In(i)
		if arg == nil {
			if param.Kind() != reflect.Interface && param.Kind() != reflect.Ptr {
				return false
			}
			continue
		}
		argType := reflect.TypeOf(arg)
		if param.Kind() == reflect.Interface {
			if !argType.Implements(param) {
				return false
			}
			continue
		}
		if !argType.AssignableTo(param) {
			return false
		}
	}
	return true
}

func (p *publisher) Publish(args ...any) {
	if err := p.dispatch(args); err != nil && p.log != nil {
		p.log.WithError(err).Warn("eventbus: publish failed")
	}
}

func (p *publisher) PublishE(args ...any) error {
	return p.dispatch(args)
}

func (p *publisher) dispatch(args []any) error {
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		in[i] = reflect.ValueOf(arg)
	}

	handled := false
	var errs []error
	for _, handler := range p.handlers {
		if !matchesSignature(handler, args) {
			continue
		}
		handled = true
		if err := call(reflect.ValueOf(handler), in); err != nil {
			errs = append(errs, err)
		}
	}
	if !handled {
		return ErrNoSubscribers
	}
	return errors.Join(errs...)
}

func call(v reflect.Value, in []reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler %s panicked: %v", v.Type(), r)
		}
	}()

	out := v.Call(in)
	switch len(out) {
	case 0:
		return nil
	case 1:
		ret := out[0]
		if ret.Type() != reflect.TypeOf((*error)(nil)).Elem() {
			return fmt.Errorf("%w: handler %s returns %s", ErrInvalidHandlerReturn, v.Type(), ret.Type())
		}
		if ret.IsNil() {
			return nil
		}
		return ret.Interface().(error)
	default:
		return fmt.Errorf("%w: handler %s returns %d values", ErrInvalidHandlerReturn, v.Type(), len(out))
	}
}

func (p *publisher) Subscribe(handler any) {
	if reflect.TypeOf(handler).Kind() != reflect.Func {
		panic("eventbus: handler must be a function")
	}
	p.handlers = append(p.handlers, handler)
}

func (p *publisher) Unsubscribe(handler any) {
	ptr := reflect.ValueOf(handler).Pointer()
	for i, h := range p.handlers {
		if reflect.ValueOf(h).Pointer() == ptr {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			return
		}
	}
}

func (p *publisher) Clear() {
	p.handlers = nil
}

func (p *publisher) SubscribersCount() int {
	return len(p.handlers)
}
