// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/cloud"
	"github.com/jeranaias/quill/internal/session"
	"github.com/jeranaias/quill/internal/settings"
	"github.com/jeranaias/quill/internal/storage"
)

// Completer is the completion backend the service talks to. *cloud.Client
// satisfies it; tests substitute a fake.
type Completer interface {
	Complete(ctx context.Context, model string, maxTokens int, messages []cloud.ChatMessage) (string, error)
}

// Service ties the conversation store, settings, session, and completion
// backend together into the send/reply flow the UI drives.
type Service struct {
	store    *storage.Store
	settings *settings.Store
	client   Completer
	sess     *session.Session
	logger   *zap.Logger
}

// Exchange is the result of a completed send: the persisted user message
// and the assistant's reply. ReplyID is zero when the reply could not be
// persisted.
type Exchange struct {
	ConversationID int64
	UserMessageID  int64
	ReplyID        int64
	Reply          string
}

// NewService creates a chat service. A nil logger disables logging.
func NewService(store *storage.Store, st *settings.Store, client Completer, sess *session.Session, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		settings: st,
		client:   client,
		sess:     sess,
		logger:   logger,
	}
}

// Session exposes the service's session for callers that need the current
// conversation pointer.
func (s *Service) Session() *session.Session {
	return s.sess
}

// Send persists the prompt as a user message, requests a completion, and
// persists the reply as an assistant message in the same conversation.
//
// Each user prompt starts a fresh conversation. The prompt is durably
// stored before the network call, so a failed completion still leaves the
// user's message in history. If the completion succeeds but persisting the
// reply fails, the reply is still returned with Reply.ID zero.
func (s *Service) Send(ctx context.Context, prompt string) (Exchange, error) {
	reqID := uuid.NewString()
	log := s.logger.With(zap.String("request_id", reqID))

	userMsgID, err := s.store.AppendMessage(ctx, s.sess, storage.RoleUser, prompt)
	if err != nil {
		return Exchange{}, fmt.Errorf("failed to store prompt: %w", err)
	}
	convID := s.sess.Current()
	log.Info("prompt stored",
		zap.Int64("conversation_id", convID),
		zap.Int64("message_id", userMsgID))

	st, err := s.settings.Load()
	if err != nil {
		return Exchange{}, fmt.Errorf("failed to load settings: %w", err)
	}

	content, err := s.client.Complete(ctx, st.Model, st.MaxTokens,
		[]cloud.ChatMessage{cloud.NewUserMessage(prompt)})
	if err != nil {
		return Exchange{}, fmt.Errorf("completion failed: %w", err)
	}

	replyID, err := s.store.AppendMessage(ctx, s.sess, storage.RoleAssistant, content)
	if err != nil {
		// The reply reached us but could not be persisted. Surface it
		// anyway so the user sees the response they paid for.
		log.Warn("failed to store assistant reply", zap.Error(err))
		replyID = 0
	}

	return Exchange{
		ConversationID: convID,
		UserMessageID:  userMsgID,
		ReplyID:        replyID,
		Reply:          content,
	}, nil
}

// NewChat clears the current conversation pointer. The next user message
// starts a fresh conversation (which it would anyway; this also detaches
// any subsequent assistant message).
func (s *Service) NewChat() {
	s.sess.Clear()
	s.logger.Debug("session cleared")
}

// Recent lists recent conversations, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]storage.ConversationSummary, error) {
	return s.store.ListRecentConversations(ctx, limit)
}

// History returns the messages of a conversation in chronological order.
func (s *Service) History(ctx context.Context, conversationID int64) ([]storage.Message, error) {
	return s.store.ListMessages(ctx, conversationID)
}

// Resume points the session at an existing conversation so subsequent
// assistant messages attach to it.
func (s *Service) Resume(ctx context.Context, conversationID int64) error {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	s.sess.SetCurrent(conversationID)
	return nil
}
