package vm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// State: one VM thread's interpretable state
// ---------------------------------------------------------------------------

// CallFrame identifies a method activation. PC is the saved program
// counter for frames below the top.
type CallFrame struct {
	ClassName  string
	MethodName string
	Descriptor string
	PC         uint32
}

func (f CallFrame) sameMethod(class, method, descriptor string) bool {
	return f.ClassName == class && f.MethodName == method && f.Descriptor == descriptor
}

// Registers is the execution engine's register file for the current
// method.
type Registers struct {
	PC         uint32
	Code       []byte
	CodeLength int
}

// LocalSlot is one local-variable slot with its optional debug name.
type LocalSlot struct {
	Value Value
	Name  string
}

// operandEntry is an operand together with the context that pushed it,
// used to compute exception unwind heights.
type operandEntry struct {
	value      Value
	pc         uint32
	depth      int
	class      string
	method     string
	descriptor string
}

// ExecutionEngine interprets the bytecode of the method on top of a
// State's call stack. It drives the State through its public API and
// polls Safepoint between instructions.
type ExecutionEngine interface {
	Run(ctx context.Context, state *State) error
}

// State holds one thread's operand, local and frame stacks, its exception
// slot, held monitors and safepoint flags. Apart from the safepoint flags,
// the native reference tables and Interrupt, a State is only touched by
// its own thread, or by the collector while the thread is paused.
type State struct {
	id   uuid.UUID
	name string
	vm   *VM
	log  commonlog.Logger

	maxOperands  int
	maxCallDepth int

	operands []operandEntry

	locals        []LocalSlot
	framePointer  int
	framePointers []int

	callStack     []CallFrame
	registers     Registers
	registerStack []Registers
	methods       []*MethodInfo

	monitors []*Monitor

	callDepth  int
	callDepths []int

	exceptionThrown bool
	exception       Reference

	refsMu         sync.Mutex
	globalRefs     []Reference
	localRefFrames [][]Reference

	stackLevel      atomic.Int64
	interrupted     atomic.Bool
	interruptOnce   sync.Once
	interruptCh     chan struct{} // closed by Interrupt
	userCodeStarted atomic.Bool
	shutdown        atomic.Bool
	exitCode        atomic.Int32

	// Safepoint flags. Transitions happen under pauseMu; the flags are
	// also read lock-free by the thread manager.
	pauseMu     sync.Mutex
	resumed     *sync.Cond
	pausing     atomic.Bool
	paused      atomic.Bool
	nativeDepth atomic.Int32
	blocked     atomic.Int32 // monitor enter or wait in progress
}

func newState(vm *VM, name string) *State {
	s := &State{
		id:           uuid.New(),
		name:         name,
		vm:           vm,
		log:          commonlog.GetLogger("jvmx.state"),
		maxOperands:  vm.cfg.MaxOperands,
		maxCallDepth: vm.cfg.MaxCallDepth,
		interruptCh:  make(chan struct{}),
	}
	s.resumed = sync.NewCond(&s.pauseMu)
	return s
}

// ID returns the state's unique id.
func (s *State) ID() uuid.UUID { return s.id }

// Name returns the thread name.
func (s *State) Name() string { return s.name }

// VM returns the owning virtual machine.
func (s *State) VM() *VM { return s.vm }

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// PushOperand pushes v, tagging it with the current method and PC.
func (s *State) PushOperand(v Value) error {
	if !v.IsValid() {
		return invalidArgument("push of invalid operand")
	}
	if len(s.operands) >= s.maxOperands {
		return ErrStackOverflow
	}
	e := operandEntry{value: v, pc: s.registers.PC, depth: len(s.callStack)}
	if n := len(s.callStack); n > 0 {
		top := s.callStack[n-1]
		e.class, e.method, e.descriptor = top.ClassName, top.MethodName, top.Descriptor
	}
	s.operands = append(s.operands, e)
	return nil
}

// PopOperand pops the top operand. Popping an empty stack is an
// ErrInvalidState.
func (s *State) PopOperand() (Value, error) {
	n := len(s.operands)
	if n == 0 {
		return Value{}, invalidState("pop from empty operand stack")
	}
	v := s.operands[n-1].value
	s.operands = s.operands[:n-1]
	return v, nil
}

// PeekOperand returns the operand n entries below the top (0 is the top).
func (s *State) PeekOperand(n int) (Value, error) {
	if len(s.operands) == 0 {
		return Value{}, invalidState("peek at empty operand stack")
	}
	if n < 0 || n >= len(s.operands) {
		return Value{}, outOfBounds("operand depth %d, stack holds %d", n, len(s.operands))
	}
	return s.operands[len(s.operands)-1-n].value, nil
}

// DiscardOperands drops the top n operands.
func (s *State) DiscardOperands(n int) error {
	if n < 0 || n > len(s.operands) {
		return outOfBounds("discard %d operands, stack holds %d", n, len(s.operands))
	}
	s.operands = s.operands[:len(s.operands)-n]
	return nil
}

// OperandCount returns the operand stack height.
func (s *State) OperandCount() int { return len(s.operands) }

// CalculateNumberOfStackItemsToClear returns how many operands, counted
// from the top, were pushed by the current activation at or after
// regionStart. Entries are matched on method identity and call depth, so
// operands of an outer recursive activation of the same method are not
// counted.
func (s *State) CalculateNumberOfStackItemsToClear(regionStart uint32) int {
	depth := len(s.callStack)
	if depth == 0 {
		return 0
	}
	top := s.callStack[depth-1]
	count := 0
	for i := len(s.operands) - 1; i >= 0; i-- {
		e := s.operands[i]
		if e.depth != depth || !top.sameMethod(e.class, e.method, e.descriptor) || e.pc < regionStart {
			break
		}
		count++
	}
	return count
}

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

// PushState enters a method: it saves the caller's PC and registers,
// pushes the call frame and method, and starts a new local-variable frame
// at the current top of the local stack.
func (s *State) PushState(className, methodName, descriptor string, method *MethodInfo) error {
	if len(s.callStack) >= s.maxCallDepth {
		return ErrStackOverflow
	}
	if n := len(s.callStack); n > 0 {
		s.callStack[n-1].PC = s.registers.PC
	}
	s.callStack = append(s.callStack, CallFrame{ClassName: className, MethodName: methodName, Descriptor: descriptor})
	s.methods = append(s.methods, method)
	s.registerStack = append(s.registerStack, s.registers)
	s.registers = Registers{}
	if method != nil {
		s.registers = Registers{Code: method.Code, CodeLength: len(method.Code)}
	}
	s.framePointers = append(s.framePointers, s.framePointer)
	s.framePointer = len(s.locals)
	return nil
}

// PopState leaves the current method, reclaiming its local slots and
// restoring the caller's frame pointer and registers.
func (s *State) PopState() error {
	n := len(s.callStack)
	if n == 0 {
		return invalidState("pop of empty call stack")
	}
	clear(s.locals[s.framePointer:])
	s.locals = s.locals[:s.framePointer]
	s.framePointer = s.framePointers[n-1]
	s.framePointers = s.framePointers[:n-1]
	s.methods[n-1] = nil
	s.methods = s.methods[:n-1]
	s.registers = s.registerStack[n-1]
	s.registerStack = s.registerStack[:n-1]
	s.callStack = s.callStack[:n-1]
	return nil
}

// CurrentFrame returns the top call frame.
func (s *State) CurrentFrame() (CallFrame, bool) {
	if len(s.callStack) == 0 {
		return CallFrame{}, false
	}
	return s.callStack[len(s.callStack)-1], true
}

// CurrentMethod returns the executing method, or nil.
func (s *State) CurrentMethod() *MethodInfo {
	if len(s.methods) == 0 {
		return nil
	}
	return s.methods[len(s.methods)-1]
}

// CallStack returns a copy of the call frames, outermost first.
func (s *State) CallStack() []CallFrame {
	return append([]CallFrame(nil), s.callStack...)
}

// FrameDepth returns the number of active call frames.
func (s *State) FrameDepth() int { return len(s.callStack) }

// FramePointer returns the base of the current local-variable frame.
func (s *State) FramePointer() int { return s.framePointer }

// ProgramCounter returns the current PC.
func (s *State) ProgramCounter() uint32 { return s.registers.PC }

// SetProgramCounter moves the current PC.
func (s *State) SetProgramCounter(pc uint32) { s.registers.PC = pc }

// GetCurrentCodeInfo returns the executing method's code and its length.
func (s *State) GetCurrentCodeInfo() ([]byte, int) {
	return s.registers.Code, s.registers.CodeLength
}

// GetCurrentStackMap returns the executing method's StackMapTable, opaque
// to the core.
func (s *State) GetCurrentStackMap() []byte {
	if m := s.CurrentMethod(); m != nil {
		return m.StackMap
	}
	return nil
}

// ---------------------------------------------------------------------------
// Exception slot
// ---------------------------------------------------------------------------

// SetExceptionThrown records ref as the thread's in-flight exception.
// Only one exception may be pending at a time.
func (s *State) SetExceptionThrown(ref Reference) error {
	if ref.IsNull() {
		return invalidArgument("null exception")
	}
	if s.exceptionThrown {
		return invalidState("exception %d already pending", s.exception)
	}
	s.exceptionThrown = true
	s.exception = ref
	return nil
}

// HasExceptionOccurred reports whether an exception is pending.
func (s *State) HasExceptionOccurred() bool { return s.exceptionThrown }

// GetException returns the pending exception, or NullReference.
func (s *State) GetException() Reference { return s.exception }

// ResetException clears the exception slot.
func (s *State) ResetException() {
	s.exceptionThrown = false
	s.exception = NullReference
}

// ---------------------------------------------------------------------------
// Monitor stack
// ---------------------------------------------------------------------------

// PushMonitor records an acquired monitor.
func (s *State) PushMonitor(m *Monitor) error {
	if m == nil {
		return invalidArgument("push of nil monitor")
	}
	s.monitors = append(s.monitors, m)
	return nil
}

// PopMonitor removes the most recently acquired monitor.
func (s *State) PopMonitor() (*Monitor, error) {
	n := len(s.monitors)
	if n == 0 {
		return nil, invalidState("pop from empty monitor stack")
	}
	m := s.monitors[n-1]
	s.monitors[n-1] = nil
	s.monitors = s.monitors[:n-1]
	return m, nil
}

// MonitorDepth returns the number of held monitor entries.
func (s *State) MonitorDepth() int { return len(s.monitors) }

// ReleaseMonitors pops and unlocks monitors in reverse acquisition order
// until depth remain.
func (s *State) ReleaseMonitors(depth int) error {
	for len(s.monitors) > depth {
		m, err := s.PopMonitor()
		if err != nil {
			return err
		}
		if err := m.Unlock(); err != nil {
			return err
		}
	}
	return nil
}

// EnterMonitor locks the monitor of ref and records it (monitorenter).
func (s *State) EnterMonitor(ref Reference) error {
	m, err := s.vm.registry.Monitor(ref)
	if err != nil {
		return err
	}
	s.lockMonitor(m)
	return s.PushMonitor(m)
}

// lockMonitor acquires m. While it waits for another owner the thread
// counts as stopped for the safepoint protocol.
func (s *State) lockMonitor(m *Monitor) {
	if m.TryLock() {
		return
	}
	s.beginBlocking()
	m.Lock()
	s.endBlocking()
}

// ExitMonitor unlocks the monitor of ref and drops its most recent entry
// from the monitor stack (monitorexit).
func (s *State) ExitMonitor(ref Reference) error {
	m, err := s.vm.registry.Monitor(ref)
	if err != nil {
		return err
	}
	for i := len(s.monitors) - 1; i >= 0; i-- {
		if s.monitors[i] == m {
			if err := m.Unlock(); err != nil {
				return err
			}
			s.monitors = append(s.monitors[:i], s.monitors[i+1:]...)
			return nil
		}
	}
	return invalidState("monitorexit of a monitor not entered by this thread")
}

// Wait releases the monitor of ref and blocks until another thread
// notifies it, the thread is interrupted or ctx is done (Object.wait).
// The caller must hold the monitor; it is reacquired at the same depth.
func (s *State) Wait(ctx context.Context, ref Reference) error {
	m, err := s.vm.registry.Monitor(ref)
	if err != nil {
		return err
	}
	return s.WaitMonitor(ctx, m)
}

// WaitMonitor is Wait on a monitor that belongs to no object, such as a
// class monitor. An interrupted thread returns ErrInterrupted without
// releasing the monitor.
func (s *State) WaitMonitor(ctx context.Context, m *Monitor) error {
	if !m.IsHeldByCurrent() {
		return invalidState("%s waits on a monitor it does not own", s.name)
	}
	if s.IsInterrupted() {
		return interrupted("thread %s", s.name)
	}
	s.beginBlocking()
	err := m.wait(ctx, s.interruptCh)
	s.endBlocking()
	return err
}

// Notify wakes one thread waiting on the monitor of ref.
func (s *State) Notify(ref Reference) error {
	m, err := s.vm.registry.Monitor(ref)
	if err != nil {
		return err
	}
	return m.Notify()
}

// NotifyAll wakes every thread waiting on the monitor of ref.
func (s *State) NotifyAll(ref Reference) error {
	m, err := s.vm.registry.Monitor(ref)
	if err != nil {
		return err
	}
	return m.NotifyAll()
}

// ---------------------------------------------------------------------------
// Call-depth counter stack
// ---------------------------------------------------------------------------

// PushCallStackDepth saves the current call-depth counter and resets it.
func (s *State) PushCallStackDepth() {
	s.callDepths = append(s.callDepths, s.callDepth)
	s.callDepth = 0
}

// PopCallStackDepth restores the previously saved counter.
func (s *State) PopCallStackDepth() error {
	n := len(s.callDepths)
	if n == 0 {
		return ErrStackUnderrun
	}
	s.callDepth = s.callDepths[n-1]
	s.callDepths = s.callDepths[:n-1]
	return nil
}

func (s *State) IncrementCallStackDepth() { s.callDepth++ }

// DecrementCallStackDepth lowers the counter; it never goes below zero.
func (s *State) DecrementCallStackDepth() error {
	if s.callDepth == 0 {
		return ErrStackUnderrun
	}
	s.callDepth--
	return nil
}

func (s *State) CallStackDepth() int { return s.callDepth }

// ---------------------------------------------------------------------------
// Thread-level flags
// ---------------------------------------------------------------------------

func (s *State) IncrementStackLevel() int64 { return s.stackLevel.Add(1) }
func (s *State) DecrementStackLevel() int64 { return s.stackLevel.Add(-1) }
func (s *State) StackLevel() int64          { return s.stackLevel.Load() }

// Interrupt sets the thread's permanent interrupt flag and wakes it from a
// monitor wait. The execution engine observes the flag at its safepoint
// polls.
func (s *State) Interrupt() {
	s.interrupted.Store(true)
	s.interruptOnce.Do(func() { close(s.interruptCh) })
}

func (s *State) IsInterrupted() bool { return s.interrupted.Load() }

func (s *State) MarkUserCodeStarted() { s.userCodeStarted.Store(true) }

func (s *State) HasUserCodeStarted() bool { return s.userCodeStarted.Load() }

// Shutdown requests VM exit with code and interrupts the thread.
func (s *State) Shutdown(code int) {
	s.exitCode.Store(int32(code))
	s.shutdown.Store(true)
	s.Interrupt()
}

func (s *State) IsShutdown() bool { return s.shutdown.Load() }

func (s *State) ExitCode() int { return int(s.exitCode.Load()) }
