// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides shared helpers for the quill core.
//
// It contains the atomic file writer used by the settings store and the
// rune-safe string helpers used for conversation title derivation.
package util
