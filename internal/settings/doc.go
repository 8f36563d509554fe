// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings provides user preference and API key persistence for
// quill.
//
// Preferences are split across two JSON files:
//
//   - <data dir>/settings.json holds model, maxTokens, and theme
//   - <user config dir>/quill/credentials.json holds only the API key,
//     with 0600 permissions
//
// The split lets the secret carry tighter access permissions and a
// distinct backup policy than general preferences. Loading overlays
// defaults with whatever valid values the files contain; invalid or
// corrupt values fall back to defaults silently. Saving validates every
// supplied field before any write (fail closed). Older installs that kept
// the API key inside the general file are migrated on load: the secret
// file is written and verified first, then the key is stripped from the
// general file.
//
// Watcher reloads preferences when the general file is edited externally.
package settings
