package common

import (
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lunixbochs/argjoy"

	"github.com/userbe/userbe/models"
	"github.com/userbe/userbe/models/cpu"
)

// Engine is the surface a kernel needs from the machine hosting it.
type Engine interface {
	Mem() *cpu.Mem
	StrucAt(addr uint64) *models.StrucStream
	RegRead(enum int) (uint64, error)
	RegWrite(enum int, val uint64) error
}

type KernelBase struct {
	Syscalls map[string]Syscall
	E        Engine
	Argjoy   argjoy.Argjoy
}

func (k *KernelBase) EngineKernel() *KernelBase {
	return k
}

type Kernel interface {
	EngineKernel() *KernelBase
}

func camelToSnakeCase(name string) string {
	var words []string
	last := 0
	for i, c := range name {
		if unicode.IsUpper(c) {
			if i > 0 {
				words = append(words, name[last:i])
			}
			last = i
		}
	}
	words = append(words, name[last:])
	return strings.ToLower(strings.Join(words, "_"))
}

// initKernel builds the syscall table from the kernel's exported methods.
// CamelCase method names become snake_case syscall names; a Literal prefix
// suppresses the case split for names like Exit_Group.
func initKernel(kf Kernel) {
	k := kf.EngineKernel()
	k.Syscalls = make(map[string]Syscall)
	instance := reflect.ValueOf(kf)
	typ := instance.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		name := method.Name
		if name == "EngineKernel" {
			continue
		}
		if strings.HasPrefix(name, "Literal") {
			name = strings.Replace(name, "Literal", "", 1)
		} else if r, size := utf8.DecodeRuneInString(name); size <= 0 || !unicode.IsUpper(r) {
			continue
		}
		name = camelToSnakeCase(name)
		in := make([]reflect.Type, method.Type.NumIn()-1)
		for j := 1; j < method.Type.NumIn(); j++ {
			in[j-1] = method.Type.In(j)
		}
		uintArr := false
		if len(in) > 0 && in[0] == reflect.SliceOf(reflect.TypeOf(uint64(0))) {
			uintArr = true
			in = in[1:]
		}
		out := make([]reflect.Type, method.Type.NumOut())
		for j := 0; j < method.Type.NumOut(); j++ {
			out[j] = method.Type.Out(j)
		}
		k.Syscalls[name] = Syscall{
			Name:     name,
			Kernel:   k,
			Instance: instance,
			Method:   method,
			In:       in,
			Out:      out,
			UintArr:  uintArr,
		}
	}
	k.Argjoy.Register(k.commonArgCodec)
	k.Argjoy.Register(argjoy.IntToInt)
}

// Lookup finds a syscall handler by name, building the table on first use.
func Lookup(e Engine, kf Kernel, name string) *Syscall {
	k := kf.EngineKernel()
	k.E = e
	if k.Syscalls == nil {
		initKernel(kf)
	}
	if sys, ok := k.Syscalls[name]; ok {
		return &sys
	}
	return nil
}
