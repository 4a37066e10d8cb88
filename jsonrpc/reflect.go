package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// rpcMethod holds reflection data for a method bound with Methods.
type rpcMethod struct {
	receiver    reflect.Value
	method      reflect.Method
	paramType   reflect.Type
	paramNames  []string // JSON names that must be present in named params
	paramFields []int    // Field indices for positional params
	methodName  string
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Methods binds the exported methods of receiver into a Group, keyed by
// method name. Only methods with the signature
//
//	func(ctx context.Context, params P) (R, error)
//
// where P is a struct type are bound; others are skipped. The params struct
// uses json tags to name its fields. Named (object) params must contain every
// field not tagged omitempty; positional (array) params map onto fields in
// declaration order.
//
// A `_ struct{} jsonrpc:"name"` field in P overrides the method name.
//
// The ctx passed to a bound method carries its Call (see CallFromContext).
// A returned *JSONRPCError is sent as is; any other error is reported as an
// application error.
func Methods(receiver any) (Group, error) {
	val := reflect.ValueOf(receiver)
	if !val.IsValid() {
		return nil, fmt.Errorf("%w: nil receiver", ErrUnknownModule)
	}
	typ := val.Type()

	g := Group{}
	for i := 0; i < val.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		m := parseMethod(val, method)
		if m == nil {
			continue
		}
		if _, exists := g[m.methodName]; exists {
			return nil, fmt.Errorf("jsonrpc: method name collision: %s", m.methodName)
		}
		g[m.methodName] = HandlerFunc(m.serve)
	}
	return g, nil
}

// MustMethods is like Methods but panics on error.
func MustMethods(receiver any) Group {
	g, err := Methods(receiver)
	if err != nil {
		panic(err)
	}
	return g
}

func (m *rpcMethod) serve(c *Call, _, _, _ any) {
	result, err := m.call(c.Context(), c.Params())
	if err != nil {
		c.SendError(ErrorOf(err))
		return
	}
	c.SendResult(result)
}

func (m *rpcMethod) call(ctx context.Context, params json.RawMessage) (any, error) {
	param := reflect.New(m.paramType)

	var paramList []json.RawMessage
	if err := json.Unmarshal(params, &paramList); err == nil {
		// Positional params: array elements map to struct fields by declaration order.
		if len(paramList) != len(m.paramFields) {
			return nil, NewInvalidParamsError("Invalid Parameters: invalid number of params")
		}
		for i, rawElem := range paramList {
			field := param.Elem().Field(m.paramFields[i])
			if err := json.Unmarshal(rawElem, field.Addr().Interface()); err != nil {
				return nil, NewInvalidParamsError("Invalid Parameters: " + err.Error())
			}
		}
	} else {
		// Named params: JSON object keys map to struct fields by json tags.
		if err := json.Unmarshal(params, param.Interface()); err != nil {
			return nil, NewInvalidParamsError("Invalid Parameters: " + err.Error())
		}
		var paramMap map[string]json.RawMessage
		if err := json.Unmarshal(params, &paramMap); err == nil {
			for _, name := range m.paramNames {
				if _, ok := paramMap[name]; !ok {
					return nil, NewInvalidParamsError("Invalid Parameters: missing param: " + name)
				}
			}
		}
	}

	results := m.method.Func.Call([]reflect.Value{m.receiver, reflect.ValueOf(ctx), param.Elem()})

	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	return results[0].Interface(), err
}

// parseMethod extracts method signature information via reflection.
// Returns nil for methods that do not match the bindable signature.
func parseMethod(receiver reflect.Value, method reflect.Method) *rpcMethod {
	ft := method.Func.Type()

	if ft.NumIn() != 3 || ft.In(1) != contextType {
		return nil
	}
	if ft.NumOut() != 2 || ft.Out(1) != errorType {
		return nil
	}
	paramType := ft.In(2)
	if paramType.Kind() != reflect.Struct {
		return nil
	}

	m := &rpcMethod{
		receiver:   receiver,
		method:     method,
		paramType:  paramType,
		methodName: method.Name,
	}

	for i := 0; i < paramType.NumField(); i++ {
		field := paramType.Field(i)
		if field.Name == "_" {
			if tag := field.Tag.Get("jsonrpc"); tag != "" {
				m.methodName = tag
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		name, optional := field.Name, false
		if jsonTag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(jsonTag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" || opt == "omitzero" {
					optional = true
				}
			}
		}
		if !optional {
			m.paramNames = append(m.paramNames, name)
		}
		m.paramFields = append(m.paramFields, i)
	}
	return m
}
