package common

import (
	"fmt"
	"reflect"
)

type Syscall struct {
	Name     string
	Kernel   *KernelBase
	Instance reflect.Value
	Method   reflect.Method
	In       []reflect.Type
	Out      []reflect.Type
	UintArr  bool
}

// Call invokes a handler from the dispatch table. Will panic() if anything
// goes terribly wrong.
func (sys Syscall) Call(args []uint64) uint64 {
	extraArgs := 1
	if sys.UintArr {
		extraArgs++
	}
	in := make([]reflect.Value, len(sys.In)+extraArgs)
	in[0] = sys.Instance
	// special case: handler wants the raw register args
	if sys.UintArr {
		in[1] = reflect.ValueOf(args)
	}
	converted, err := sys.Kernel.Argjoy.Convert(sys.In, false, args)
	if err != nil {
		msg := fmt.Sprintf("calling %T.%s(): %s", sys.Instance.Interface(), sys.Method.Name, err)
		panic(msg)
	}
	copy(in[extraArgs:], converted)
	out := sys.Method.Func.Call(in)
	Uint64Type := reflect.TypeOf(uint64(0))
	if len(out) > 0 && out[0].Type().ConvertibleTo(Uint64Type) {
		return out[0].Convert(Uint64Type).Uint()
	}
	return 0
}
