package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
)

// DomainCommand marks a payload type as a discoverable command. The
// command-type string is derived from the type's simple name by stripping
// the "Command" suffix (CreateAccountCommand resolves CreateAccount).
type DomainCommand interface {
	DomainCommand()
}

const commandSuffix = "Command"

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	markerType = reflect.TypeOf((*DomainCommand)(nil)).Elem()
	errType    = reflect.TypeOf((*error)(nil)).Elem()
	resultType = reflect.TypeOf(map[string]any(nil))
)

// Discover scans the components for handler methods and registers each one
// under its derived command-type string. A handler method takes a context
// and a single DomainCommand parameter and returns (map[string]any, error).
// Two candidates for the same command type fail with ErrAmbiguousHandler
// unless exactly one of them is a transactional registration.
func (r *Registry) Discover(components ...any) error {
	for _, component := range components {
		v := reflect.ValueOf(component)
		t := v.Type()
		for i := 0; i < t.NumMethod(); i++ {
			method := t.Method(i)
			name, cmdType, ok := candidate(method.Type)
			if !ok {
				continue
			}
			source := fmt.Sprintf("%s.%s", t.String(), method.Name)
			handler := bind(v.Method(i), cmdType)
			if err := r.add(name, registration{handler: handler, source: source}); err != nil {
				return fmt.Errorf("failed to discover handlers: %w", err)
			}
			log.Info(log.CatBus, "handler discovered", "command", name, "source", source)
		}
	}
	return nil
}

// candidate inspects a method type (receiver included) and returns the
// derived command name and parameter type when the shape matches.
func candidate(mt reflect.Type) (string, reflect.Type, bool) {
	if mt.NumIn() != 3 || mt.NumOut() != 2 {
		return "", nil, false
	}
	if mt.In(1) != ctxType {
		return "", nil, false
	}
	cmdType := mt.In(2)
	if !cmdType.Implements(markerType) {
		return "", nil, false
	}
	if mt.Out(0) != resultType || mt.Out(1) != errType {
		return "", nil, false
	}

	simple := cmdType.Name()
	if cmdType.Kind() == reflect.Pointer {
		simple = cmdType.Elem().Name()
	}
	if !strings.HasSuffix(simple, commandSuffix) || simple == commandSuffix {
		return "", nil, false
	}
	return strings.TrimSuffix(simple, commandSuffix), cmdType, true
}

// bind wraps a bound handler method as a Handler, decoding the raw payload
// into a fresh command value per invocation.
func bind(method reflect.Value, cmdType reflect.Type) Handler {
	return func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		base := cmdType
		if base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		cmd := reflect.New(base)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, cmd.Interface()); err != nil {
				return nil, fmt.Errorf("failed to decode %s payload: %w", base.Name(), err)
			}
		}

		arg := cmd
		if cmdType.Kind() != reflect.Pointer {
			arg = cmd.Elem()
		}
		out := method.Call([]reflect.Value{reflect.ValueOf(ctx), arg})
		result, _ := out[0].Interface().(map[string]any)
		if errVal := out[1].Interface(); errVal != nil {
			return nil, errVal.(error)
		}
		return result, nil
	}
}
