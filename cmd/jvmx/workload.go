package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chazu/jvmx/vm"
)

// ---------------------------------------------------------------------------
// Demo classes and a Go-backed execution engine
// ---------------------------------------------------------------------------

const (
	nodeClass     = "jvmx/demo/Node"
	resourceClass = "jvmx/demo/Resource"
	workerClass   = "jvmx/demo/Worker"
)

// funcEngine runs methods implemented as Go functions, keyed by
// class.name+descriptor. It stands in for a bytecode interpreter.
type funcEngine map[string]func(ctx context.Context, s *vm.State) error

func methodKey(class, name, descriptor string) string {
	return class + "." + name + descriptor
}

func (e funcEngine) Run(ctx context.Context, s *vm.State) error {
	m := s.CurrentMethod()
	if m == nil {
		return fmt.Errorf("no current method")
	}
	fn, ok := e[methodKey(m.Class.Name, m.Name, m.Descriptor)]
	if !ok {
		return fmt.Errorf("no implementation for %s.%s%s", m.Class.Name, m.Name, m.Descriptor)
	}
	return fn(ctx, s)
}

// workload allocates linked lists of nodes and finalizable resources on
// several threads so that the heap cycles through many collections.
type workload struct {
	iterations int
	keep       int
	nativeWait time.Duration

	allocated atomic.Int64
	finalized atomic.Int64
}

func (w *workload) classes() *vm.MapClassLibrary {
	lib := vm.NewMapClassLibrary()
	object, _ := lib.FindClass("java/lang/Object")

	lib.Define(vm.NewClass(nodeClass, object, []vm.FieldInfo{
		{Name: "next", Descriptor: "L" + nodeClass + ";"},
		{Name: "payload", Descriptor: "[J"},
		{Name: "value", Descriptor: "I"},
	}))
	lib.Define(vm.NewClass(resourceClass, object, []vm.FieldInfo{
		{Name: "id", Descriptor: "J"},
	}, &vm.MethodInfo{Name: "finalize", Descriptor: "()V", Flags: vm.AccProtected, MaxLocals: 1}))
	lib.Define(vm.NewClass(workerClass, object, nil,
		&vm.MethodInfo{Name: "run", Descriptor: "(I)V", Flags: vm.AccPublic | vm.AccStatic, MaxLocals: 2},
	))
	return lib
}

func (w *workload) engine() funcEngine {
	return funcEngine{
		methodKey(workerClass, "run", "(I)V"):       w.run,
		methodKey(resourceClass, "finalize", "()V"): w.finalize,
	}
}

// run is Worker.run(int seed). Local 0 holds the seed, local 1 the head of
// the current list, which is the only thing keeping it alive.
func (w *workload) run(ctx context.Context, s *vm.State) error {
	heap := s.VM().Heap()
	seed, err := s.GetLocalVariable(0)
	if err != nil {
		return err
	}
	for i := 0; i < w.iterations; i++ {
		if s.IsInterrupted() || ctx.Err() != nil {
			return nil
		}
		s.Safepoint()

		node, err := s.NewObject(nodeClass)
		if err != nil {
			return err
		}
		payload, err := s.NewArray(vm.ArrayLong, 8)
		if err != nil {
			return err
		}
		if err := heap.SetFieldByName(node, "payload", vm.Ref(payload)); err != nil {
			return err
		}
		if err := heap.SetFieldByName(node, "value", vm.Int(seed.AsInt()+int32(i))); err != nil {
			return err
		}
		head, err := s.GetLocalVariable(1)
		if err != nil {
			return err
		}
		if i%w.keep != 0 {
			if err := heap.SetFieldByName(node, "next", head); err != nil {
				return err
			}
		}
		if err := s.SetLocalVariable(1, vm.Ref(node)); err != nil {
			return err
		}
		w.allocated.Add(2)

		if i%16 == 0 {
			if _, err := s.NewObject(resourceClass); err != nil {
				return err
			}
			w.allocated.Add(1)
		}
		if w.nativeWait > 0 && i%64 == 0 {
			s.SetExecutingNative()
			time.Sleep(w.nativeWait)
			if err := s.SetExecutingHosted(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *workload) finalize(ctx context.Context, s *vm.State) error {
	w.finalized.Add(1)
	return nil
}

// runWorker invokes Worker.run(seed) on s.
func (w *workload) runWorker(ctx context.Context, s *vm.State, seed int) error {
	if err := s.PushOperand(vm.Int(int32(seed))); err != nil {
		return err
	}
	return s.Execute(ctx, workerClass, "run", "(I)V")
}
