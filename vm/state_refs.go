package vm

// ---------------------------------------------------------------------------
// Native references and GC roots
// ---------------------------------------------------------------------------

// AddGlobalReference pins ref until DeleteGlobalReference.
func (s *State) AddGlobalReference(ref Reference) error {
	if ref.IsNull() {
		return invalidArgument("global reference to null")
	}
	s.refsMu.Lock()
	s.globalRefs = append(s.globalRefs, ref)
	s.refsMu.Unlock()
	return nil
}

// DeleteGlobalReference removes one pin of ref.
func (s *State) DeleteGlobalReference(ref Reference) error {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	for i, r := range s.globalRefs {
		if r == ref {
			s.globalRefs = append(s.globalRefs[:i], s.globalRefs[i+1:]...)
			return nil
		}
	}
	return invalidArgument("no global reference to %d", ref)
}

// PushLocalReferenceFrame opens a scope for native local references.
func (s *State) PushLocalReferenceFrame() {
	s.refsMu.Lock()
	s.localRefFrames = append(s.localRefFrames, nil)
	s.refsMu.Unlock()
}

// PopLocalReferenceFrame closes the innermost scope, dropping its
// references.
func (s *State) PopLocalReferenceFrame() error {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	n := len(s.localRefFrames)
	if n == 0 {
		return invalidState("pop of empty local reference frame stack")
	}
	s.localRefFrames = s.localRefFrames[:n-1]
	return nil
}

// AddLocalReference pins ref in the innermost local reference frame.
func (s *State) AddLocalReference(ref Reference) error {
	if ref.IsNull() {
		return invalidArgument("local reference to null")
	}
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	n := len(s.localRefFrames)
	if n == 0 {
		return invalidState("no local reference frame")
	}
	s.localRefFrames[n-1] = append(s.localRefFrames[n-1], ref)
	return nil
}

// DeleteLocalReference removes ref from the innermost frame holding it.
func (s *State) DeleteLocalReference(ref Reference) error {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	for f := len(s.localRefFrames) - 1; f >= 0; f-- {
		frame := s.localRefFrames[f]
		for i, r := range frame {
			if r == ref {
				s.localRefFrames[f] = append(frame[:i], frame[i+1:]...)
				return nil
			}
		}
	}
	return invalidArgument("no local reference to %d", ref)
}

// GetGCRoots returns this thread's roots: operands, locals, native
// references and the pending exception. Statics are added once by the
// thread manager.
func (s *State) GetGCRoots() []Reference {
	var roots []Reference
	for _, e := range s.operands {
		if e.value.IsReference() && !e.value.IsNull() {
			roots = append(roots, e.value.Ref())
		}
	}
	for _, slot := range s.locals {
		if slot.Value.IsReference() && !slot.Value.IsNull() {
			roots = append(roots, slot.Value.Ref())
		}
	}

	s.refsMu.Lock()
	roots = append(roots, s.globalRefs...)
	for _, frame := range s.localRefFrames {
		roots = append(roots, frame...)
	}
	s.refsMu.Unlock()

	if s.exceptionThrown && !s.exception.IsNull() {
		roots = append(roots, s.exception)
	}
	return roots
}
