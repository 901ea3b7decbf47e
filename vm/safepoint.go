package vm

// ---------------------------------------------------------------------------
// Safepoint flags: Running -> PauseRequested -> Paused -> Running
// ---------------------------------------------------------------------------

// Pause requests that the thread stop at its next safepoint. Requesting a
// pause of a thread that is already pausing or paused is an
// ErrInvalidState.
func (s *State) Pause() error {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.pausing.Load() || s.paused.Load() {
		return invalidState("thread %s is already pausing", s.name)
	}
	s.pausing.Store(true)
	if s.vm.cfg.NativeCountsAsPaused && s.nativeDepth.Load() > 0 {
		s.paused.Store(true)
	}
	return nil
}

// Resume clears both flags and wakes the thread if it is blocked at a
// safepoint.
func (s *State) Resume() {
	s.pauseMu.Lock()
	s.pausing.Store(false)
	s.paused.Store(false)
	s.resumed.Broadcast()
	s.pauseMu.Unlock()
}

// ConfirmPaused acknowledges a pending pause request. It reports false if
// the request was withdrawn in the meantime.
func (s *State) ConfirmPaused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.pausing.Load() {
		return false
	}
	s.paused.Store(true)
	s.pausing.Store(false)
	return true
}

func (s *State) IsPaused() bool  { return s.paused.Load() }
func (s *State) IsPausing() bool { return s.pausing.Load() }

// markPaused puts a thread that has not run yet straight into the paused
// state. It parks at its first poll.
func (s *State) markPaused() {
	s.pauseMu.Lock()
	s.pausing.Store(false)
	s.paused.Store(true)
	s.pauseMu.Unlock()
}

// pollPause confirms a pending pause and blocks until Resume.
func (s *State) pollPause() {
	if !s.pausing.Load() && !s.paused.Load() {
		return
	}
	s.pauseMu.Lock()
	if s.pausing.Load() {
		s.paused.Store(true)
		s.pausing.Store(false)
	}
	for s.paused.Load() {
		s.resumed.Wait()
	}
	s.pauseMu.Unlock()
}

// Safepoint is the poll the execution engine performs between
// instructions. It parks the thread while a pause is in effect and starts
// a collection when one is due.
func (s *State) Safepoint() {
	s.pollPause()
	if s.vm.gcRequested.Load() || s.vm.heap.MustCollect() {
		if _, err := s.vm.TryDoGarbageCollection(s); err != nil {
			s.log.Warningf("%s: collection at safepoint failed: %v", s.name, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Native call accounting
// ---------------------------------------------------------------------------

// SetExecutingNative marks entry into native code. Calls nest.
func (s *State) SetExecutingNative() {
	s.nativeDepth.Add(1)
}

// SetExecutingHosted marks the return from native code. Returning to
// interpreted code honours a pause requested while the thread was away.
func (s *State) SetExecutingHosted() error {
	if s.nativeDepth.Add(-1) < 0 {
		s.nativeDepth.Store(0)
		return invalidState("return from native code without a matching entry")
	}
	if s.nativeDepth.Load() == 0 {
		s.pollPause()
	}
	return nil
}

// IsExecutingNative reports whether the thread is inside native code.
func (s *State) IsExecutingNative() bool { return s.nativeDepth.Load() > 0 }

// ---------------------------------------------------------------------------
// Monitor blocking
// ---------------------------------------------------------------------------

// beginBlocking marks the thread as suspended on a monitor. Until the
// matching endBlocking it must not touch the heap or its own stacks.
func (s *State) beginBlocking() { s.blocked.Add(1) }

// endBlocking leaves the blocked state, parking first if a pause was
// requested meanwhile.
func (s *State) endBlocking() {
	if s.blocked.Add(-1) == 0 {
		s.pollPause()
	}
}

// IsBlocked reports whether the thread is waiting to enter a monitor or
// sitting in a monitor wait.
func (s *State) IsBlocked() bool { return s.blocked.Load() > 0 }
