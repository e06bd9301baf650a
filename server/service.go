package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/jjqq2013/maas/message"
)

type methodType struct {
	rcvr      reflect.Value
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Dispatcher maps command names to responder methods.
//
// A responder is any pointer to a struct; each exported method of the form
//
//	func (r *T) Command(ctx context.Context, args *Args, reply *Reply) error
//
// becomes a command named after the method. Other methods are ignored.
type Dispatcher struct {
	mu       sync.RWMutex
	commands map[string]*methodType
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{commands: make(map[string]*methodType)}
}

// Register scans rcvr for command methods. It fails if rcvr has none or if
// any of its commands is already registered.
func (d *Dispatcher) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("rpc: responder must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: responder must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	found := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Ptr || mt.In(3).Kind() != reflect.Ptr {
			continue
		}
		found[method.Name] = &methodType{
			rcvr:      val,
			method:    method,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.In(3).Elem(),
		}
	}
	if len(found) == 0 {
		return fmt.Errorf("rpc: %s has no command methods", typ.Elem().Name())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name := range found {
		if _, ok := d.commands[name]; ok {
			return fmt.Errorf("rpc: command %q already registered", name)
		}
	}
	for name, m := range found {
		d.commands[name] = m
	}
	return nil
}

// Commands lists the registered command names in sorted order.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle decodes the request payload, invokes the command and encodes the
// reply. It has the middleware.HandlerFunc signature.
func (d *Dispatcher) Handle(ctx context.Context, req *message.Message) *message.Message {
	d.mu.RLock()
	m, ok := d.commands[req.Command]
	d.mu.RUnlock()
	if !ok {
		return message.Failed(req.Command, "unhandled command: "+req.Command)
	}

	argv := reflect.New(m.ArgType)
	replyv := reflect.New(m.ReplyType)

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return message.Failed(req.Command, "malformed arguments: "+err.Error())
		}
	}

	results := m.method.Func.Call([]reflect.Value{m.rcvr, reflect.ValueOf(ctx), argv, replyv})
	if errv := results[0]; !errv.IsNil() {
		return message.Failed(req.Command, errv.Interface().(error).Error())
	}

	out, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.Failed(req.Command, "encode reply: "+err.Error())
	}
	return &message.Message{Command: req.Command, Payload: out}
}
