package vm

// ---------------------------------------------------------------------------
// Local variables
// ---------------------------------------------------------------------------

// GetLocalVariable reads slot index of the current frame.
func (s *State) GetLocalVariable(index int) (Value, error) {
	i, err := s.localIndex(index)
	if err != nil {
		return Value{}, err
	}
	return s.locals[i].Value, nil
}

// SetLocalVariable writes slot index of the current frame.
func (s *State) SetLocalVariable(index int, v Value) error {
	if !v.IsValid() {
		return invalidArgument("store of invalid value into local %d", index)
	}
	i, err := s.localIndex(index)
	if err != nil {
		return err
	}
	s.locals[i].Value = v
	return nil
}

// LocalVariableName returns the debug name of slot index, if known.
func (s *State) LocalVariableName(index int) (string, error) {
	i, err := s.localIndex(index)
	if err != nil {
		return "", err
	}
	return s.locals[i].Name, nil
}

// LocalVariableCount returns the size of the current frame.
func (s *State) LocalVariableCount() int { return len(s.locals) - s.framePointer }

// LocalStackSize returns the size of the whole local-variable stack.
func (s *State) LocalStackSize() int { return len(s.locals) }

func (s *State) localIndex(index int) (int, error) {
	i := s.framePointer + index
	if index < 0 || i >= len(s.locals) {
		return 0, outOfBounds("local variable %d, frame holds %d", index, len(s.locals)-s.framePointer)
	}
	return i, nil
}

// InitialiseLocalVariables gives the current frame size slots. Every slot
// starts as null; slots described by the method's LocalVariableTable get
// the default value of their declared type and their debug name.
func (s *State) InitialiseLocalVariables(method *MethodInfo, size int) {
	clear(s.locals[s.framePointer:])
	s.locals = s.locals[:s.framePointer]
	for i := 0; i < size; i++ {
		s.locals = append(s.locals, LocalSlot{Value: Null})
	}
	if method == nil {
		return
	}
	for _, lv := range method.LocalVariableTable {
		if lv.Index < 0 || lv.Index >= size {
			continue
		}
		slot := &s.locals[s.framePointer+lv.Index]
		slot.Value = FieldType(lv.Descriptor).DefaultValue()
		slot.Name = lv.Name
	}
}

// SetupLocalVariables builds the frame for method: MaxLocals slots (or
// more if the parameters need them), the receiver in slot 0 for instance
// methods, and the arguments converted to their declared types from left
// to right. Long and double arguments take two slots.
func (s *State) SetupLocalVariables(method *MethodInfo, this Reference, args []Value) error {
	if method == nil {
		return invalidArgument("setup of locals for nil method")
	}
	desc, err := method.ParsedDescriptor()
	if err != nil {
		return err
	}
	if len(args) != len(desc.Params) {
		return invalidArgument("%s%s takes %d arguments, got %d", method.Name, method.Descriptor, len(desc.Params), len(args))
	}

	slot := 0
	if !method.IsStatic() {
		if this.IsNull() {
			return invalidArgument("null receiver for %s%s", method.Name, method.Descriptor)
		}
		slot = 1
	}
	size := method.MaxLocals
	if need := slot + desc.ParamSlots(); need > size {
		size = need
	}
	s.InitialiseLocalVariables(method, size)

	if !method.IsStatic() {
		s.locals[s.framePointer].Value = Ref(this)
		if s.locals[s.framePointer].Name == "" {
			s.locals[s.framePointer].Name = "this"
		}
	}
	for i, p := range desc.Params {
		v, err := convertArgument(args[i], p)
		if err != nil {
			return invalidArgument("argument %d of %s%s: %v", i, method.Name, method.Descriptor, err)
		}
		s.locals[s.framePointer+slot].Value = v
		slot += p.Slots()
	}
	return nil
}

// convertArgument converts an operand to a parameter of type t. Integer
// kinds narrow or widen; float, long, double and references must match.
func convertArgument(v Value, t FieldType) (Value, error) {
	want := t.Kind()
	switch {
	case want.IsIntegerCompatible():
		if !v.IsIntegerCompatible() {
			return Value{}, unsupported("expected %s, got %s", want, v.Kind())
		}
		return NarrowTo(v, want)
	case v.Kind() == want:
		return v, nil
	}
	return Value{}, unsupported("expected %s, got %s", want, v.Kind())
}

// PopulateParameterArrayFromOperandStack pops method's arguments, and the
// receiver for instance methods, from the operand stack. Arguments are
// returned left to right.
func (s *State) PopulateParameterArrayFromOperandStack(method *MethodInfo) (Reference, []Value, error) {
	desc, err := method.ParsedDescriptor()
	if err != nil {
		return NullReference, nil, err
	}
	need := len(desc.Params)
	if !method.IsStatic() {
		need++
	}
	if len(s.operands) < need {
		return NullReference, nil, invalidState("%s%s needs %d operands, stack holds %d",
			method.Name, method.Descriptor, need, len(s.operands))
	}
	this := NullReference
	if !method.IsStatic() {
		v, _ := s.PeekOperand(len(desc.Params))
		if !v.IsReference() {
			return NullReference, nil, invalidArgument("receiver of %s%s is %s", method.Name, method.Descriptor, v.Kind())
		}
		this = v.Ref()
	}
	args := make([]Value, len(desc.Params))
	for i := len(args) - 1; i >= 0; i-- {
		args[i], _ = s.PopOperand()
	}
	if !method.IsStatic() {
		_, _ = s.PopOperand()
	}
	return this, args, nil
}

// SetupLocalVariablesFromOperands pops the receiver and arguments of
// method from the operand stack into a fresh local frame. It returns the
// receiver (NullReference for static methods).
func (s *State) SetupLocalVariablesFromOperands(method *MethodInfo) (Reference, error) {
	this, args, err := s.PopulateParameterArrayFromOperandStack(method)
	if err != nil {
		return NullReference, err
	}
	return this, s.SetupLocalVariables(method, this, args)
}
