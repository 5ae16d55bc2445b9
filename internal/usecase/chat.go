package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chat-backend/internal/domain"
	"chat-backend/internal/inference"
	"chat-backend/internal/metrics"
	"chat-backend/internal/repository"
)

const (
	defaultMaxMessage = 10000
	historyPageSize   = 100
	// messagesPerTurn is added to messageCount after every completed turn,
	// assuming one user and one assistant message.
	messagesPerTurn = 2
)

type MessageStore interface {
	Append(ctx context.Context, conversationID string, role domain.Role, text string, ts int64) (string, error)
	ListByConversation(ctx context.Context, conversationID string, order domain.SortOrder, limit int, cursor string) ([]domain.Message, string, error)
	DeleteAllForConversation(ctx context.Context, conversationID string) error
}

type ConversationIndex interface {
	Create(ctx context.Context, ownerID, conversationID, title string, ts int64) error
	Touch(ctx context.Context, ownerID, conversationID string, updatedAt int64, delta int) error
	ListByOwner(ctx context.Context, ownerID string, limit int, cursor string) ([]domain.Conversation, string, error)
	Get(ctx context.Context, ownerID, conversationID string) (domain.Conversation, error)
	Delete(ctx context.Context, ownerID, conversationID string) error
}

type ReplyGenerator interface {
	GenerateReply(ctx context.Context, history []domain.ChatMessage) (string, error)
}

type ChatService struct {
	messages      MessageStore
	conversations ConversationIndex
	gen           ReplyGenerator
	maxMessageLen int
}

type TurnInput struct {
	OwnerID        string
	ConversationID string
	Message        string
}

type TurnOutput struct {
	ConversationID string
	Response       string
	Timestamp      int64
}

type ConversationPage struct {
	Conversations []domain.Conversation
	NextCursor    string
}

type MessagesInput struct {
	OwnerID        string
	ConversationID string
	Order          domain.SortOrder
	Limit          int
	Cursor         string
}

type MessagePage struct {
	ConversationID string
	Messages       []domain.Message
	NextCursor     string
}

func NewChatService(m MessageStore, c ConversationIndex, gen ReplyGenerator, maxMessageLen int) (*ChatService, error) {
	if m == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if c == nil {
		return nil, errors.New("usecase: conversation index must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: reply generator must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessage
	}
	return &ChatService{
		messages:      m,
		conversations: c,
		gen:           gen,
		maxMessageLen: maxMessageLen,
	}, nil
}

// SubmitTurn persists the user message, asks the model for a reply over the
// whole history and persists the reply. A failed inference leaves the user
// message stored; resubmitting appends a new pair.
func (s *ChatService) SubmitTurn(ctx context.Context, in TurnInput) (out TurnOutput, err error) {
	defer func() {
		outcome := "ok"
		var ucErr *Error
		if errors.As(err, &ucErr) {
			outcome = string(ucErr.Code)
		}
		metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	}()

	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return TurnOutput{}, newError(ErrorValidation, "missing_owner", nil)
	}
	if strings.TrimSpace(in.Message) == "" {
		return TurnOutput{}, newError(ErrorValidation, "empty_message", nil)
	}
	if utf8.RuneCountInString(in.Message) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorValidation, "message_too_long", nil)
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
		if err := s.conversations.Create(ctx, owner, convID, deriveTitle(in.Message), now().Unix()); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return TurnOutput{}, newError(ErrorConflict, "conversation_exists", err)
			}
			return TurnOutput{}, newError(ErrorStorage, "conversation_create_error", err)
		}
		metrics.ConversationsCreated.Inc()
	} else if err := s.authorize(ctx, owner, convID); err != nil {
		return TurnOutput{}, err
	}

	if _, err := s.messages.Append(ctx, convID, domain.RoleUser, in.Message, now().Unix()); err != nil {
		return TurnOutput{}, newError(ErrorStorage, "user_message_write_error", err)
	}

	history, err := s.loadHistory(ctx, convID)
	if err != nil {
		return TurnOutput{}, newError(ErrorStorage, "history_read_error", err)
	}

	reply, err := s.gen.GenerateReply(ctx, history)
	if err != nil {
		if errors.Is(err, inference.ErrTimeout) {
			return TurnOutput{}, newError(ErrorInferenceTimeout, "inference_timeout", err)
		}
		return TurnOutput{}, newError(ErrorInferenceUnavailable, "inference_error", err)
	}

	replyTS := now().Unix()
	if _, err := s.messages.Append(ctx, convID, domain.RoleAssistant, reply, replyTS); err != nil {
		return TurnOutput{}, newError(ErrorStorage, "assistant_message_write_error", err)
	}

	if err := s.conversations.Touch(ctx, owner, convID, replyTS, messagesPerTurn); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return TurnOutput{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return TurnOutput{}, newError(ErrorStorage, "conversation_touch_error", err)
	}

	return TurnOutput{
		ConversationID: convID,
		Response:       reply,
		Timestamp:      replyTS,
	}, nil
}

// ListConversations returns one page of the owner's conversations, most
// recently active first.
func (s *ChatService) ListConversations(ctx context.Context, ownerID string, limit int, cursor string) (ConversationPage, error) {
	convs, next, err := s.conversations.ListByOwner(ctx, ownerID, limit, cursor)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCursor) {
			return ConversationPage{}, newError(ErrorValidation, "invalid_cursor", err)
		}
		return ConversationPage{}, newError(ErrorStorage, "conversation_list_error", err)
	}
	return ConversationPage{Conversations: convs, NextCursor: next}, nil
}

// GetConversation returns one page of messages of a conversation the caller owns.
func (s *ChatService) GetConversation(ctx context.Context, in MessagesInput) (MessagePage, error) {
	if err := s.authorize(ctx, in.OwnerID, in.ConversationID); err != nil {
		return MessagePage{}, err
	}
	msgs, next, err := s.messages.ListByConversation(ctx, in.ConversationID, in.Order, in.Limit, in.Cursor)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCursor) {
			return MessagePage{}, newError(ErrorValidation, "invalid_cursor", err)
		}
		return MessagePage{}, newError(ErrorStorage, "message_list_error", err)
	}
	return MessagePage{ConversationID: in.ConversationID, Messages: msgs, NextCursor: next}, nil
}

// DeleteConversation removes a conversation the caller owns together with all
// of its messages. Messages go first so that a failed delete can be retried
// while the index record still proves ownership.
func (s *ChatService) DeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	if err := s.authorize(ctx, ownerID, conversationID); err != nil {
		return err
	}
	if err := s.messages.DeleteAllForConversation(ctx, conversationID); err != nil {
		return newError(ErrorStorage, "message_delete_error", err)
	}
	if err := s.conversations.Delete(ctx, ownerID, conversationID); err != nil {
		return newError(ErrorStorage, "conversation_delete_error", err)
	}
	metrics.ConversationsDeleted.Inc()
	return nil
}

// authorize reports NOT_FOUND both for missing conversations and for
// conversations of another owner.
func (s *ChatService) authorize(ctx context.Context, ownerID, conversationID string) error {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(conversationID) == "" {
		return newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if _, err := s.conversations.Get(ctx, ownerID, conversationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrorNotFound, "conversation_not_found", err)
		}
		return newError(ErrorStorage, "conversation_read_error", err)
	}
	return nil
}

// loadHistory reads every message of the conversation, oldest first.
func (s *ChatService) loadHistory(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	var history []domain.ChatMessage
	cursor := ""
	for {
		page, next, err := s.messages.ListByConversation(ctx, conversationID, domain.OldestFirst, historyPageSize, cursor)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			history = append(history, domain.ChatMessage{Role: m.Role, Content: m.Content})
		}
		if next == "" {
			return history, nil
		}
		cursor = next
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = time.Now
