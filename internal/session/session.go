// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "sync"

// None is the conversation id value meaning no conversation is active.
const None int64 = 0

// =============================================================================
// SESSION
// =============================================================================

// Session holds the mutable "current conversation" pointer for a single
// chat window. It is an explicit object passed to store operations rather
// than process-wide state, so multiple independent windows never share a
// pointer. The pointer starts at None on every process start and is never
// persisted.
type Session struct {
	mu      sync.Mutex
	current int64
}

// New returns a session with no active conversation.
func New() *Session {
	return &Session{}
}

// Current returns the active conversation id, or None.
func (s *Session) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Active reports whether a conversation is currently active.
func (s *Session) Active() bool {
	return s.Current() != None
}

// SetCurrent makes id the active conversation.
func (s *Session) SetCurrent(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
}

// Clear resets the pointer to None. Stored conversations are untouched;
// the next user message will start a fresh conversation.
func (s *Session) Clear() {
	s.SetCurrent(None)
}
