package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

func TestOperandStack(t *testing.T) {
	vm := newTestVM(t, func(cfg *Config) { cfg.MaxOperands = 3 }, nil)
	s := vm.NewState("t")

	if _, err := s.PopOperand(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pop of empty stack: err = %v, want ErrInvalidState", err)
	}
	if _, err := s.PeekOperand(0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("peek of empty stack: err = %v, want ErrInvalidState", err)
	}
	if err := s.PushOperand(Value{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("push of invalid value: err = %v, want ErrInvalidArgument", err)
	}

	for i := int32(1); i <= 3; i++ {
		if err := s.PushOperand(Int(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := s.PushOperand(Int(4)); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("push past capacity: err = %v, want ErrStackOverflow", err)
	}
	if v, _ := s.PeekOperand(2); v != Int(1) {
		t.Errorf("peek(2) = %v, want 1", v)
	}
	if _, err := s.PeekOperand(3); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Errorf("peek(3): err = %v, want ErrIndexOutOfBounds", err)
	}
	if v, _ := s.PopOperand(); v != Int(3) {
		t.Errorf("pop = %v, want 3", v)
	}
	if err := s.DiscardOperands(3); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Errorf("discard 3 of 2: err = %v, want ErrIndexOutOfBounds", err)
	}
	if err := s.DiscardOperands(2); err != nil || s.OperandCount() != 0 {
		t.Errorf("discard: err = %v, count = %d", err, s.OperandCount())
	}
}

// ---------------------------------------------------------------------------
// Frames and locals
// ---------------------------------------------------------------------------

// TestPushPopStateRestoresFrames verifies that nested frames restore the
// caller's frame pointer, PC and locals.
func TestPushPopStateRestoresFrames(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")

	if err := s.PopState(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pop of empty call stack: err = %v, want ErrInvalidState", err)
	}

	if err := s.PushState("A", "outer", "()V", nil); err != nil {
		t.Fatal(err)
	}
	s.InitialiseLocalVariables(nil, 2)
	if err := s.SetLocalVariable(1, Int(11)); err != nil {
		t.Fatal(err)
	}
	s.SetProgramCounter(17)

	if err := s.PushState("B", "inner", "()V", nil); err != nil {
		t.Fatal(err)
	}
	if s.FramePointer() != 2 || s.LocalVariableCount() != 0 {
		t.Errorf("inner frame: fp = %d, count = %d, want 2 and 0", s.FramePointer(), s.LocalVariableCount())
	}
	s.InitialiseLocalVariables(nil, 3)
	if s.ProgramCounter() != 0 || s.FrameDepth() != 2 {
		t.Errorf("inner: pc = %d, depth = %d", s.ProgramCounter(), s.FrameDepth())
	}
	if stack := s.CallStack(); stack[0].PC != 17 || stack[1].MethodName != "inner" {
		t.Errorf("call stack = %+v", stack)
	}

	if err := s.PopState(); err != nil {
		t.Fatal(err)
	}
	if s.FramePointer() != 0 || s.LocalStackSize() != 2 || s.ProgramCounter() != 17 {
		t.Errorf("after pop: fp = %d, locals = %d, pc = %d", s.FramePointer(), s.LocalStackSize(), s.ProgramCounter())
	}
	if v, _ := s.GetLocalVariable(1); v != Int(11) {
		t.Errorf("caller local 1 = %v, want 11", v)
	}
	if f, _ := s.CurrentFrame(); f.MethodName != "outer" {
		t.Errorf("current frame = %+v", f)
	}
	if err := s.PopState(); err != nil || s.LocalStackSize() != 0 {
		t.Errorf("final pop: err = %v, locals = %d", err, s.LocalStackSize())
	}
}

func TestPushStateOverflow(t *testing.T) {
	vm := newTestVM(t, func(cfg *Config) { cfg.MaxCallDepth = 2 }, nil)
	s := vm.NewState("t")
	for i := 0; i < 2; i++ {
		if err := s.PushState("A", "m", "()V", nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PushState("A", "m", "()V", nil); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("err = %v, want ErrStackOverflow", err)
	}
}

// TestSetupLocalVariables lays out an instance method taking (byte, long,
// double): the receiver in slot 0, the byte widened into slot 1 and the
// wide values in two slots each.
func TestSetupLocalVariables(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")
	class := NewClass("A", nil, nil)
	method := &MethodInfo{
		Class: class, Name: "m", Descriptor: "(IJD)V", MaxLocals: 1,
		LocalVariableTable: []LocalVariable{{Index: 2, Name: "count", Descriptor: "J"}},
	}

	if err := s.PushState("A", "m", "(IJD)V", method); err != nil {
		t.Fatal(err)
	}
	if err := s.SetupLocalVariables(method, 9, []Value{Byte(-5), Long(1 << 40), Double(0.5)}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if s.LocalVariableCount() != 6 {
		t.Fatalf("frame size = %d, want 6", s.LocalVariableCount())
	}
	want := map[int]Value{0: Ref(9), 1: Int(-5), 2: Long(1 << 40), 4: Double(0.5)}
	for i, w := range want {
		if v, _ := s.GetLocalVariable(i); v != w {
			t.Errorf("local %d = %v (%s), want %v", i, v, v.Kind(), w)
		}
	}
	if name, _ := s.LocalVariableName(2); name != "count" {
		t.Errorf("local 2 name = %q, want count", name)
	}
	if name, _ := s.LocalVariableName(0); name != "this" {
		t.Errorf("local 0 name = %q, want this", name)
	}
	if _, err := s.GetLocalVariable(6); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Errorf("local 6: err = %v, want ErrIndexOutOfBounds", err)
	}

	if err := s.SetupLocalVariables(method, 9, []Value{Int(1), Int(2), Double(0)}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("int for long parameter: err = %v, want ErrInvalidArgument", err)
	}
	if err := s.SetupLocalVariables(method, NullReference, []Value{Int(1), Long(2), Double(0)}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("null receiver: err = %v, want ErrInvalidArgument", err)
	}
	if err := s.SetupLocalVariables(method, 9, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("missing arguments: err = %v, want ErrInvalidArgument", err)
	}
}

func TestPopulateParameterArrayFromOperandStack(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")
	method := &MethodInfo{Class: NewClass("A", nil, nil), Name: "m", Descriptor: "(IZ)V"}

	for _, v := range []Value{Ref(4), Int(1), Bool(true)} {
		if err := s.PushOperand(v); err != nil {
			t.Fatal(err)
		}
	}
	this, args, err := s.PopulateParameterArrayFromOperandStack(method)
	if err != nil {
		t.Fatal(err)
	}
	if this != 4 || len(args) != 2 || args[0] != Int(1) || args[1] != Bool(true) {
		t.Errorf("this = %d, args = %v", this, args)
	}
	if s.OperandCount() != 0 {
		t.Errorf("%d operands left", s.OperandCount())
	}

	if err := s.PushOperand(Int(1)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.PopulateParameterArrayFromOperandStack(method); !errors.Is(err, ErrInvalidState) {
		t.Errorf("too few operands: err = %v, want ErrInvalidState", err)
	}

	// A bad receiver is rejected before anything is popped.
	_ = s.PushOperand(Int(2))
	_ = s.PushOperand(Bool(false))
	if _, _, err := s.PopulateParameterArrayFromOperandStack(method); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("non-reference receiver: err = %v, want ErrInvalidArgument", err)
	}
	if s.OperandCount() != 3 {
		t.Errorf("rejected call consumed operands: %d left, want 3", s.OperandCount())
	}
}

// ---------------------------------------------------------------------------
// Exception unwinding
// ---------------------------------------------------------------------------

// TestStackItemsToClearIgnoresOuterActivation pushes operands from two
// recursive activations of the same method at overlapping PCs; only the
// inner activation's operands count.
func TestStackItemsToClearIgnoresOuterActivation(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")

	if s.CalculateNumberOfStackItemsToClear(0) != 0 {
		t.Error("non-zero height with no frames")
	}
	if err := s.PushState("A", "fib", "(I)I", nil); err != nil {
		t.Fatal(err)
	}
	s.SetProgramCounter(8)
	_ = s.PushOperand(Int(1))
	_ = s.PushOperand(Int(2))

	if err := s.PushState("A", "fib", "(I)I", nil); err != nil {
		t.Fatal(err)
	}
	s.SetProgramCounter(3)
	_ = s.PushOperand(Int(3))
	s.SetProgramCounter(9)
	_ = s.PushOperand(Int(4))

	if n := s.CalculateNumberOfStackItemsToClear(5); n != 1 {
		t.Errorf("height from pc 5 = %d, want 1", n)
	}
	if n := s.CalculateNumberOfStackItemsToClear(0); n != 2 {
		t.Errorf("height from pc 0 = %d, want 2", n)
	}

	_ = s.PopState()
	if n := s.CalculateNumberOfStackItemsToClear(0); n != 0 {
		t.Errorf("outer height with inner operands on top = %d, want 0", n)
	}
	_ = s.DiscardOperands(2)
	if n := s.CalculateNumberOfStackItemsToClear(0); n != 2 {
		t.Errorf("outer height = %d, want 2", n)
	}
}

func TestExceptionSlot(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")

	if s.HasExceptionOccurred() || !s.GetException().IsNull() {
		t.Fatal("fresh state has a pending exception")
	}
	if err := s.SetExceptionThrown(NullReference); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("null exception: err = %v, want ErrInvalidArgument", err)
	}
	if err := s.SetExceptionThrown(5); err != nil {
		t.Fatal(err)
	}
	if err := s.SetExceptionThrown(6); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second exception: err = %v, want ErrInvalidState", err)
	}
	if !containsRef(s.GetGCRoots(), 5) {
		t.Error("pending exception is not a root")
	}
	s.ResetException()
	if s.HasExceptionOccurred() || s.GetException() != NullReference {
		t.Error("exception not cleared")
	}
	if err := s.SetExceptionThrown(6); err != nil {
		t.Errorf("throw after reset: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Monitors, counters and native references
// ---------------------------------------------------------------------------

func TestMonitorStack(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")
	ref, err := s.NewBytes(4)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.EnterMonitor(ref); err != nil {
		t.Fatal(err)
	}
	if err := s.EnterMonitor(ref); err != nil {
		t.Fatal(err)
	}
	m, _ := vm.Registry().Monitor(ref)
	if s.MonitorDepth() != 2 || m.Depth() != 2 {
		t.Errorf("depths = %d/%d, want 2/2", s.MonitorDepth(), m.Depth())
	}
	if err := s.ExitMonitor(ref); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseMonitors(0); err != nil {
		t.Fatal(err)
	}
	if m.Owner() != 0 || s.MonitorDepth() != 0 {
		t.Error("monitor still held after release")
	}
	if err := s.ExitMonitor(ref); !errors.Is(err, ErrInvalidState) {
		t.Errorf("exit of unheld monitor: err = %v, want ErrInvalidState", err)
	}
	if _, err := s.PopMonitor(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pop of empty monitor stack: err = %v, want ErrInvalidState", err)
	}
}

func TestCallStackDepthCounters(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")

	if err := s.DecrementCallStackDepth(); !errors.Is(err, ErrStackUnderrun) {
		t.Errorf("decrement at zero: err = %v, want ErrStackUnderrun", err)
	}
	s.IncrementCallStackDepth()
	s.IncrementCallStackDepth()
	s.PushCallStackDepth()
	if s.CallStackDepth() != 0 {
		t.Errorf("depth after push = %d, want 0", s.CallStackDepth())
	}
	s.IncrementCallStackDepth()
	if err := s.PopCallStackDepth(); err != nil {
		t.Fatal(err)
	}
	if s.CallStackDepth() != 2 {
		t.Errorf("restored depth = %d, want 2", s.CallStackDepth())
	}
	if err := s.PopCallStackDepth(); !errors.Is(err, ErrStackUnderrun) {
		t.Errorf("pop of empty depth stack: err = %v, want ErrStackUnderrun", err)
	}
}

func TestNativeReferencesAreRoots(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")

	if err := s.AddLocalReference(3); !errors.Is(err, ErrInvalidState) {
		t.Errorf("local ref without frame: err = %v, want ErrInvalidState", err)
	}
	if err := s.AddGlobalReference(1); err != nil {
		t.Fatal(err)
	}
	s.PushLocalReferenceFrame()
	if err := s.AddLocalReference(2); err != nil {
		t.Fatal(err)
	}
	roots := s.GetGCRoots()
	if !containsRef(roots, 1) || !containsRef(roots, 2) {
		t.Errorf("roots = %v, want 1 and 2", roots)
	}
	if err := s.PopLocalReferenceFrame(); err != nil {
		t.Fatal(err)
	}
	if containsRef(s.GetGCRoots(), 2) {
		t.Error("local reference survived its frame")
	}
	if err := s.DeleteGlobalReference(1); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteGlobalReference(1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("double delete: err = %v, want ErrInvalidArgument", err)
	}
	if len(s.GetGCRoots()) != 0 {
		t.Errorf("roots = %v, want none", s.GetGCRoots())
	}
}

func TestShutdownFlags(t *testing.T) {
	vm := newTestVM(t, nil, nil)
	s := vm.NewState("t")
	if s.IsInterrupted() || s.IsShutdown() || s.HasUserCodeStarted() {
		t.Fatal("fresh state has flags set")
	}
	s.MarkUserCodeStarted()
	s.Shutdown(3)
	if !s.IsShutdown() || !s.IsInterrupted() || s.ExitCode() != 3 || !s.HasUserCodeStarted() {
		t.Error("shutdown did not set its flags")
	}
	if s.IncrementStackLevel() != 1 || s.DecrementStackLevel() != 0 {
		t.Error("stack level arithmetic")
	}
}
