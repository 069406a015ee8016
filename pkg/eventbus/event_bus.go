package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/pkg/serrors"
)

// EventBus routes published arguments to every subscriber whose function
// signature accepts them.
type EventBus interface {
	Publish(args ...any)
	Subscribe(handler any)
	Unsubscribe(handler any)
	SubscribersCount() int
}

// EventBusWithError surfaces handler errors and panics to the publisher, so
// the outbox relay can retry.
type EventBusWithError interface {
	EventBus
	PublishE(args ...any) error
}

var (
	ErrNoSubscribers        = serrors.NewError("EVENTBUS_NO_SUBSCRIBERS", "no matching subscribers", "")
	ErrInvalidHandlerReturn = serrors.NewError("EVENTBUS_INVALID_HANDLER_RETURN", "invalid handler return signature", "")
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type bus struct {
	log *logrus.Entry

	mu       sync.RWMutex
	handlers []reflect.Value
}

func New(log *logrus.Entry) EventBusWithError {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &bus{log: log.WithField("component", "eventbus")}
}

// Accepts reports whether handler can be called with args.
func Accepts(handler any, args []any) bool {
	t := reflect.TypeOf(handler)
	if t == nil || t.Kind() != reflect.Func || t.NumIn() != len(args) {
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
		if !reflect.TypeOf(arg).AssignableTo(param) {
			return false
		}
	}
	return true
}

func (b *bus) matching(args []any) []reflect.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []reflect.Value
	for _, h := range b.handlers {
		if Accepts(h.Interface(), args) {
			out = append(out, h)
		}
	}
	return out
}

func callArgs(fn reflect.Value, args []any) []reflect.Value {
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			in[i] = reflect.Zero(fn.Type().In(i))
			continue
		}
		in[i] = reflect.ValueOf(arg)
	}
	return in
}

// invoke calls fn and converts a panic or a non-nil error return into an error.
func invoke(fn reflect.Value, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler %s panicked: %v", fn.Type(), r)
		}
	}()

	out := fn.Call(callArgs(fn, args))
	switch {
	case len(out) == 0:
		return nil
	case len(out) > 1:
		return fmt.Errorf("%w: handler %s returned %d values", ErrInvalidHandlerReturn, fn.Type(), len(out))
	case out[0].Type() != errorType:
		return fmt.Errorf("%w: handler %s return type is %s", ErrInvalidHandlerReturn, fn.Type(), out[0].Type())
	case out[0].IsNil():
		return nil
	default:
		return out[0].Interface().(error)
	}
}

func (b *bus) Publish(args ...any) {
	handlers := b.matching(args)
	if len(handlers) == 0 {
		b.log.Warnf("eventbus.Publish: no matching subscribers for %d args", len(args))
		return
	}
	for _, h := range handlers {
		if err := invoke(h, args); err != nil {
			b.log.WithError(err).Error("eventbus: handler failed")
		}
	}
}

func (b *bus) PublishE(args ...any) error {
	handlers := b.matching(args)
	if len(handlers) == 0 {
		return ErrNoSubscribers
	}
	var errs []error
	for _, h := range handlers {
		if err := invoke(h, args); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *bus) Subscribe(handler any) {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func {
		panic("handler must be a function")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, v)
}

func (b *bus) Unsubscribe(handler any) {
	ptr := reflect.ValueOf(handler).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.Pointer() == ptr {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

func (b *bus) SubscribersCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
