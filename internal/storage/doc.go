// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed conversation persistence for quill.
//
// Two tables back the store: conversations (id, title, created_at,
// updated_at) and messages (id, conversation_id, role, content,
// created_at). The schema is created through versioned migrations keyed by
// a schema_version row in a metadata table.
//
// # Key Types
//
//   - Store: the persistence layer behind four operations
//   - Conversation / Message: the two stored entities
//   - ConversationSummary: one row of the recent-conversations list
//
// # Usage
//
// Open a store and append an exchange:
//
//	store, err := storage.Open(dbPath, logger)
//	sess := session.New()
//	_, err = store.AppendMessage(ctx, sess, storage.RoleUser, "hello")
//	_, err = store.AppendMessage(ctx, sess, storage.RoleAssistant, reply)
//
// List history:
//
//	recent, err := store.ListRecentConversations(ctx, 20)
//	msgs, err := store.ListMessages(ctx, recent[0].ID)
//
// Access is serialized on a single connection; SQLite only supports one
// writer at a time.
package storage
