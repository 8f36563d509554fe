// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks the current-conversation pointer for one chat
// window.
//
// A Session is deliberately tiny: it holds a single conversation id behind
// a mutex. The storage package consumes it to decide whether an appended
// message joins the active conversation or starts a new one. Each user
// message clears the pointer first, so every user-initiated exchange gets
// its own conversation record; assistant replies attach to whatever is
// current. A "new chat" action clears the pointer without touching stored
// data.
package session
