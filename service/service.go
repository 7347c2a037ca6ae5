// Package service routes inbound requests to Go methods.
//
// A receiver registered with Register exposes each exported method of the form
//
//	func (t *T) Name(args *A, reply *R) error
//	func (t *T) Name(ctx context.Context, args *A, reply *R) error
//
// under the wire method "T.Name". Params are decoded into a fresh *A, the method runs,
// and *R is sent back as the result. Handle registers a plain handler under any name.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"duplex-rpc/endpoint"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService 创建 service 并扫描所有合法方法
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("service: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("service: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("service: %s has no exported methods of a suitable signature", srv.name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withCtx := false
		switch {
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			first, withCtx = 2, true
		case mt.NumIn() == 3:
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

// call 通过反射调用方法
func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr, argv, replyv}
	if mType.withCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// Mux dispatches inbound requests by method name.
type Mux struct {
	mu       sync.RWMutex
	services map[string]*service
	funcs    map[string]middleware.HandlerFunc
}

func NewMux() *Mux {
	return &Mux{
		services: make(map[string]*service),
		funcs:    make(map[string]middleware.HandlerFunc),
	}
}

// Register exposes the methods of rcvr (e.g. &Arith{}) as "Arith.Method".
func (m *Mux) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.services[svc.name]; dup {
		return fmt.Errorf("service: %s already registered", svc.name)
	}
	m.services[svc.name] = svc
	return nil
}

// Handle registers h for method. h must answer through the Inbound.
func (m *Mux) Handle(method string, h middleware.HandlerFunc) {
	m.mu.Lock()
	m.funcs[method] = h
	m.mu.Unlock()
}

// Methods lists every routable method name.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name := range m.funcs {
		out = append(out, name)
	}
	for name, svc := range m.services {
		for method := range svc.method {
			out = append(out, name+"."+method)
		}
	}
	return out
}

// Serve is a middleware.HandlerFunc answering in with the routed handler's outcome.
func (m *Mux) Serve(ctx context.Context, in *endpoint.Inbound) {
	m.mu.RLock()
	h, ok := m.funcs[in.Method]
	m.mu.RUnlock()
	if ok {
		h(ctx, in)
		return
	}

	svc, mType := m.lookup(in.Method)
	if mType == nil {
		in.ReplyError(message.CodeMethodNotFound, "method not found: "+in.Method)
		return
	}

	argv := reflect.New(mType.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(mType.ReplyType) // e.g., reflect.New(Reply) → *Reply
	if len(in.Params) > 0 {
		if err := in.Bind(argv.Interface()); err != nil {
			in.ReplyError(message.CodeInvalidParams, err.Error())
			return
		}
	}

	if err := svc.call(ctx, mType, argv, replyv); err != nil {
		var remote *message.ErrorInfo
		if errors.As(err, &remote) {
			in.ReplyError(remote.Code, remote.Message)
			return
		}
		in.ReplyError(message.CodeInternalError, err.Error())
		return
	}
	in.Reply(replyv.Interface())
}

func (m *Mux) lookup(method string) (*service, *methodType) {
	serviceName, methodName, ok := strings.Cut(method, ".")
	if !ok {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc := m.services[serviceName]
	if svc == nil {
		return nil, nil
	}
	return svc, svc.method[methodName]
}
