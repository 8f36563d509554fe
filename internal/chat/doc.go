// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates the send/reply flow: it persists the user's
// prompt, requests a completion using the current settings, and persists
// the assistant's reply into the same conversation.
package chat
