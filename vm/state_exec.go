package vm

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Method invocation
// ---------------------------------------------------------------------------

// Execute resolves className.methodName(descriptor) and runs it with its
// receiver and arguments taken from the operand stack.
func (s *State) Execute(ctx context.Context, className, methodName, descriptor string) error {
	class, err := s.vm.classes.LoadClass(className)
	if err != nil {
		return err
	}
	method, err := s.vm.classes.GetMethod(class, methodName, descriptor)
	if err != nil {
		return err
	}
	return s.ExecuteMethod(ctx, method)
}

// ExecuteMethod runs method on the execution engine. The receiver and
// arguments are popped from the operand stack; any result the engine
// leaves there belongs to the caller. Monitors taken for a synchronized
// method are released however the method exits.
func (s *State) ExecuteMethod(ctx context.Context, method *MethodInfo) (err error) {
	if method == nil {
		return invalidArgument("execute of nil method")
	}
	this, args, err := s.PopulateParameterArrayFromOperandStack(method)
	if err != nil {
		return err
	}
	if s.vm.engine == nil {
		return errors.Wrapf(ErrNotImplemented, "no execution engine for %s.%s%s", method.Class.Name, method.Name, method.Descriptor)
	}

	if err := s.PushState(method.Class.Name, method.Name, method.Descriptor, method); err != nil {
		return err
	}
	defer func() {
		if perr := s.PopState(); perr != nil && err == nil {
			err = perr
		}
	}()
	if err := s.SetupLocalVariables(method, this, args); err != nil {
		return err
	}

	held := s.MonitorDepth()
	if err := s.DoSynchronisation(method, this); err != nil {
		return err
	}
	defer func() {
		if rerr := s.ReleaseMonitors(held); rerr != nil && err == nil {
			err = rerr
		}
	}()

	s.IncrementStackLevel()
	defer s.DecrementStackLevel()
	return s.vm.engine.Run(ctx, s)
}

// DoSynchronisation enters the monitor a synchronized method needs: the
// class monitor for static methods, the receiver's monitor otherwise.
func (s *State) DoSynchronisation(method *MethodInfo, this Reference) error {
	if !method.IsSynchronized() {
		return nil
	}
	if method.IsStatic() {
		m := method.Class.Monitor()
		s.lockMonitor(m)
		return s.PushMonitor(m)
	}
	return s.EnterMonitor(this)
}

// invokeFinalizer runs class's finalize()V against ref. A pending
// exception raised by the finalizer is discarded.
func (s *State) invokeFinalizer(ref Reference, class *Class) error {
	method := class.ResolveMethod(finalizeMethodName, finalizeMethodType)
	if method == nil {
		return nil
	}
	if err := s.PushOperand(Ref(ref)); err != nil {
		return err
	}
	err := s.ExecuteMethod(context.Background(), method)
	if s.HasExceptionOccurred() {
		s.ResetException()
		if err == nil {
			err = invalidState("finalizer of %s threw", class.Name)
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Allocation on behalf of this thread
// ---------------------------------------------------------------------------

// NewObject allocates an instance of className. If the heap is full it
// runs a collection and retries once.
func (s *State) NewObject(className string) (Reference, error) {
	class, err := s.vm.classes.LoadClass(className)
	if err != nil {
		return NullReference, err
	}
	return s.allocate(func() (Reference, error) { return s.vm.heap.AllocateObject(class) })
}

// NewArray allocates an array. If the heap is full it runs a collection
// and retries once.
func (s *State) NewArray(t ArrayType, length int) (Reference, error) {
	return s.allocate(func() (Reference, error) { return s.vm.heap.AllocateArray(t, length) })
}

// NewBytes allocates an opaque byte block.
func (s *State) NewBytes(size int) (Reference, error) {
	return s.allocate(func() (Reference, error) { return s.vm.heap.AllocateBytes(size) })
}

// allocate runs alloc, collecting and retrying once on ErrOutOfMemory. The
// new object goes on the recent-allocation list so that it survives a
// collection triggered before the caller has rooted it.
func (s *State) allocate(alloc func() (Reference, error)) (Reference, error) {
	ref, err := alloc()
	if err != nil && errors.Is(err, ErrOutOfMemory) {
		if _, cerr := s.vm.TryDoGarbageCollection(s); cerr != nil {
			s.log.Warningf("%s: collection for allocation failed: %v", s.name, cerr)
		}
		runtime.Gosched()
		ref, err = alloc()
	}
	if err != nil {
		return NullReference, err
	}
	s.vm.heap.AddRecentAllocation(ref)
	return ref, nil
}
