package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-backend/internal/domain"
	"chat-backend/internal/inference"
	"chat-backend/internal/repository"
)

// memStore keeps messages and conversations in memory and orders messages
// the way the DynamoDB sort key does: by timestamp, then by write order.
type memStore struct {
	seq      int
	messages map[string][]storedMessage
	convs    map[string]domain.Conversation

	appendErr    error
	failAppendAt int // 1-based append call that fails; 0 disables
	appends      int
	createErr    error
	touchErr     error
	deleteErr    error
}

type storedMessage struct {
	domain.Message
	seq int
}

func newMemStore() *memStore {
	return &memStore{
		messages: map[string][]storedMessage{},
		convs:    map[string]domain.Conversation{},
	}
}

func convKey(owner, id string) string { return owner + "|" + id }

func (m *memStore) Append(_ context.Context, conversationID string, role domain.Role, text string, ts int64) (string, error) {
	m.appends++
	if m.appendErr != nil && (m.failAppendAt == 0 || m.failAppendAt == m.appends) {
		return "", m.appendErr
	}
	m.seq++
	id := fmt.Sprintf("msg-%d", m.seq)
	m.messages[conversationID] = append(m.messages[conversationID], storedMessage{
		Message: domain.Message{
			ConversationID: conversationID,
			MessageID:      id,
			Role:           role,
			Content:        text,
			Timestamp:      ts,
		},
		seq: m.seq,
	})
	return id, nil
}

func (m *memStore) ListByConversation(_ context.Context, conversationID string, order domain.SortOrder, limit int, cursor string) ([]domain.Message, string, error) {
	all := append([]storedMessage(nil), m.messages[conversationID]...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp < all[j].Timestamp
		}
		return all[i].seq < all[j].seq
	})
	if order == domain.NewestFirst {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("mem: %w", repository.ErrInvalidCursor)
		}
		start = n
	}
	if limit <= 0 {
		limit = 50
	}
	end := min(start+limit, len(all))
	out := make([]domain.Message, 0, end-start)
	for _, sm := range all[start:end] {
		out = append(out, sm.Message)
	}
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return out, next, nil
}

func (m *memStore) DeleteAllForConversation(_ context.Context, conversationID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.messages, conversationID)
	return nil
}

func (m *memStore) Create(_ context.Context, ownerID, conversationID, title string, ts int64) error {
	if m.createErr != nil {
		return m.createErr
	}
	k := convKey(ownerID, conversationID)
	if _, ok := m.convs[k]; ok {
		return fmt.Errorf("mem: %w", repository.ErrConflict)
	}
	m.convs[k] = domain.Conversation{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Title:          title,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	return nil
}

func (m *memStore) Touch(_ context.Context, ownerID, conversationID string, updatedAt int64, delta int) error {
	if m.touchErr != nil {
		return m.touchErr
	}
	k := convKey(ownerID, conversationID)
	c, ok := m.convs[k]
	if !ok {
		return fmt.Errorf("mem: %w", repository.ErrNotFound)
	}
	c.UpdatedAt = updatedAt
	c.MessageCount += delta
	m.convs[k] = c
	return nil
}

func (m *memStore) ListByOwner(_ context.Context, ownerID string, limit int, cursor string) ([]domain.Conversation, string, error) {
	if cursor == "bad" {
		return nil, "", fmt.Errorf("mem: %w", repository.ErrInvalidCursor)
	}
	var out []domain.Conversation
	for _, c := range m.convs {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, "", nil
}

func (m *memStore) Get(_ context.Context, ownerID, conversationID string) (domain.Conversation, error) {
	c, ok := m.convs[convKey(ownerID, conversationID)]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("mem: %w", repository.ErrNotFound)
	}
	return c, nil
}

func (m *memStore) Delete(_ context.Context, ownerID, conversationID string) error {
	delete(m.convs, convKey(ownerID, conversationID))
	return nil
}

type fakeGenerator struct {
	reply   string
	err     error
	calls   int
	history []domain.ChatMessage
}

func (f *fakeGenerator) GenerateReply(_ context.Context, history []domain.ChatMessage) (string, error) {
	f.calls++
	f.history = append([]domain.ChatMessage(nil), history...)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func fixClock(t *testing.T, unix int64) {
	t.Helper()
	orig := now
	now = func() time.Time { return time.Unix(unix, 0) }
	t.Cleanup(func() { now = orig })
}

func fixUUIDs(t *testing.T, ids ...string) {
	t.Helper()
	orig := newUUID
	i := 0
	newUUID = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	t.Cleanup(func() { newUUID = orig })
}

func newService(t *testing.T, store *memStore, gen *fakeGenerator) *ChatService {
	t.Helper()
	svc, err := NewChatService(store, store, gen, 100)
	require.NoError(t, err)
	return svc
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	if reason != "" {
		require.Equal(t, reason, ucErr.Reason)
	}
}

func TestNewChatService_Validates(t *testing.T) {
	store := newMemStore()
	gen := &fakeGenerator{}

	_, err := NewChatService(nil, store, gen, 0)
	require.Error(t, err)
	_, err = NewChatService(store, nil, gen, 0)
	require.Error(t, err)
	_, err = NewChatService(store, store, nil, 0)
	require.Error(t, err)

	svc, err := NewChatService(store, store, gen, 0)
	require.NoError(t, err)
	require.Equal(t, defaultMaxMessage, svc.maxMessageLen)
}

func TestSubmitTurn_FirstTurnCreatesConversation(t *testing.T) {
	fixClock(t, 1700000000)
	fixUUIDs(t, "conv-1")
	store := newMemStore()
	gen := &fakeGenerator{reply: "Hi there!"}
	svc := newService(t, store, gen)

	out, err := svc.SubmitTurn(context.Background(), TurnInput{OwnerID: "user-a", Message: "Hello"})
	require.NoError(t, err)
	require.Equal(t, TurnOutput{ConversationID: "conv-1", Response: "Hi there!", Timestamp: 1700000000}, out)

	conv, err := store.Get(context.Background(), "user-a", "conv-1")
	require.NoError(t, err)
	require.Equal(t, "Hello", conv.Title)
	require.Equal(t, 2, conv.MessageCount)
	require.Equal(t, int64(1700000000), conv.CreatedAt)
	require.Equal(t, int64(1700000000), conv.UpdatedAt)

	msgs, _, err := store.ListByConversation(context.Background(), "conv-1", domain.OldestFirst, 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello", msgs[0].Content)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hi there!", msgs[1].Content)
}

func TestSubmitTurn_CountsGrowByTwoPerTurn(t *testing.T) {
	fixUUIDs(t, "conv-1")
	store := newMemStore()
	svc := newService(t, store, &fakeGenerator{reply: "ok"})
	ctx := context.Background()

	out, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "user-a", Message: "turn 1"})
	require.NoError(t, err)
	for i := 2; i <= 4; i++ {
		_, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "user-a", ConversationID: out.ConversationID, Message: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}

	conv, err := store.Get(ctx, "user-a", out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, 8, conv.MessageCount)
	require.Len(t, store.messages[out.ConversationID], 8)
	require.Equal(t, "turn 1", conv.Title)
}

func TestSubmitTurn_TitleIsTruncated(t *testing.T) {
	fixUUIDs(t, "conv-1")
	store := newMemStore()
	svc := newService(t, store, &fakeGenerator{reply: "ok"})

	_, err := svc.SubmitTurn(context.Background(), TurnInput{OwnerID: "user-a", Message: strings.Repeat("A", 51)})
	require.NoError(t, err)

	conv, err := store.Get(context.Background(), "user-a", "conv-1")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("A", 50)+"…", conv.Title)
}

func TestSubmitTurn_SendsFullHistoryOldestFirst(t *testing.T) {
	fixClock(t, 1700000000)
	store := newMemStore()
	require.NoError(t, store.Create(context.Background(), "user-a", "conv-1", "Hello", 1699999000))
	_, _ = store.Append(context.Background(), "conv-1", domain.RoleUser, "Hello", 1699999000)
	_, _ = store.Append(context.Background(), "conv-1", domain.RoleAssistant, "Hi!", 1699999001)

	gen := &fakeGenerator{reply: "Fine, thanks."}
	svc := newService(t, store, gen)

	_, err := svc.SubmitTurn(context.Background(), TurnInput{OwnerID: "user-a", ConversationID: "conv-1", Message: "How are you?"})
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hi!"},
		{Role: domain.RoleUser, Content: "How are you?"},
	}, gen.history)
}

func TestSubmitTurn_HistorySpansPages(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "user-a", "conv-1", "t", 1))
	for i := 0; i < historyPageSize+5; i++ {
		_, _ = store.Append(ctx, "conv-1", domain.RoleUser, fmt.Sprintf("m%d", i), int64(i))
	}
	gen := &fakeGenerator{reply: "ok"}
	svc := newService(t, store, gen)

	_, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "user-a", ConversationID: "conv-1", Message: "last"})
	require.NoError(t, err)
	require.Len(t, gen.history, historyPageSize+6)
	require.Equal(t, "m0", gen.history[0].Content)
	require.Equal(t, "last", gen.history[len(gen.history)-1].Content)
}

func TestSubmitTurn_TiesKeepWriteOrder(t *testing.T) {
	fixClock(t, 1700000000)
	fixUUIDs(t, "conv-1")
	store := newMemStore()
	svc := newService(t, store, &fakeGenerator{reply: "reply"})
	ctx := context.Background()

	out, err := svc.SubmitTurn(ctx, TurnInput{OwnerID: "user-a", Message: "first"})
	require.NoError(t, err)
	_, err = svc.SubmitTurn(ctx, TurnInput{OwnerID: "user-a", ConversationID: out.ConversationID, Message: "second"})
	require.NoError(t, err)

	page, err := svc.GetConversation(ctx, MessagesInput{OwnerID: "user-a", ConversationID: out.ConversationID, Order: domain.OldestFirst})
	require.NoError(t, err)
	var contents []string
	for _, m := range page.Messages {
		contents = append(contents, m.Content)
	}
	require.Equal(t, []string{"first", "reply", "second", "reply"}, contents)
}

func TestSubmitTurn_Validation(t *testing.T) {
	cases := []struct {
		name   string
		in     TurnInput
		reason string
	}{
		{name: "empty", in: TurnInput{OwnerID: "user-a", Message: ""}, reason: "empty_message"},
		{name: "blank", in: TurnInput{OwnerID: "user-a", Message: " \n\t "}, reason: "empty_message"},
		{name: "too long", in: TurnInput{OwnerID: "user-a", Message: strings.Repeat("x", 101)}, reason: "message_too_long"},
		{name: "no owner", in: TurnInput{Message: "hi"}, reason: "missing_owner"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			gen := &fakeGenerator{reply: "ok"}
			svc := newService(t, store, gen)

			_, err := svc.SubmitTurn(context.Background(), tc.in)
			requireCode(t, err, ErrorValidation, tc.reason)
			require.Empty(t, store.convs)
			require.Zero(t, store.appends)
			require.Zero(t, gen.calls)
		})
	}
}

func TestSubmitTurn_InferenceFailureKeepsUserMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{name: "unavailable", err: fmt.Errorf("%w: bedrock: boom", inference.ErrUnavailable), code: ErrorInferenceUnavailable},
		{name: "timeout", err: fmt.Errorf("%w: bedrock: %w", inference.ErrTimeout, context.DeadlineExceeded), code: ErrorInferenceTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fixUUIDs(t, "conv-1")
			store := newMemStore()
			svc := newService(t, store, &fakeGenerator{err: tc.err})

			_, err := svc.SubmitTurn(context.Background(), TurnInput{OwnerID: "user-a", Message: "Hello"})
			requireCode(t, err, tc.code, "")
			require.ErrorIs(t, err, tc.err)

			msgs := store.messages["conv-1"]
			require.Len(t, msgs, 1)
			require.Equal(t, domain.RoleUser, msgs[0].Role)

			conv, err := store.Get(context.Background(), "user-a", "conv-1")
			require.NoError(t, err)
			require.Zero(t, conv.MessageCount)
		})
	}
}

func TestSubmitTurn_ForeignConversationIsNotFound(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Create(context.Background(), "user-b", "conv-b", "theirs", 1))
	gen := &fakeGenerator{reply: "ok"}
	svc := newService(t, store, gen)

	_, err := svc.SubmitTurn(context.Background(), TurnInput{OwnerID: "user-a", ConversationID: "conv-b", Message: "hi"})
	requireCode(t, err, ErrorNotFound, "conversation_not_found")
	require.Zero(t, store.appends)
	require.Zero(t, gen.calls)
}

func TestSubmitTurn_StorageErrors(t *testing.T) {
	boom := errors.New("dynamo down")

	t.Run("create", func(t *testing.T) {
		store := newMemStore()
		store.createErr = boom
		_, err := newService(t, store, &fakeGenerator{reply: "ok"}).SubmitTurn(context.Background(), TurnInput{OwnerID: "u", Message: "hi"})
		requireCode(t, err, ErrorStorage, "conversation_create_error")
	})

	t.Run("create conflict", func(t *testing.T) {
		store := newMemStore()
		store.createErr = fmt.Errorf("x: %w", repository.ErrConflict)
		_, err := newService(t, store, &fakeGenerator{reply: "ok"}).SubmitTurn(context.Background(), TurnInput{OwnerID: "u", Message: "hi"})
		requireCode(t, err, ErrorConflict, "")
	})

	t.Run("user append", func(t *testing.T) {
		store := newMemStore()
		store.appendErr = boom
		gen := &fakeGenerator{reply: "ok"}
		_, err := newService(t, store, gen).SubmitTurn(context.Background(), TurnInput{OwnerID: "u", Message: "hi"})
		requireCode(t, err, ErrorStorage, "user_message_write_error")
		require.Zero(t, gen.calls)
	})

	t.Run("assistant append", func(t *testing.T) {
		store := newMemStore()
		store.appendErr = boom
		store.failAppendAt = 2
		_, err := newService(t, store, &fakeGenerator{reply: "ok"}).SubmitTurn(context.Background(), TurnInput{OwnerID: "u", Message: "hi"})
		requireCode(t, err, ErrorStorage, "assistant_message_write_error")
		require.ErrorIs(t, err, boom)
	})

	t.Run("touch", func(t *testing.T) {
		store := newMemStore()
		store.touchErr = boom
		_, err := newService(t, store, &fakeGenerator{reply: "ok"}).SubmitTurn(context.Background(), TurnInput{OwnerID: "u", Message: "hi"})
		requireCode(t, err, ErrorStorage, "conversation_touch_error")
	})
}

func TestListConversations_IsolatedPerOwner(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "user-a", "a-old", "old", 10))
	require.NoError(t, store.Create(ctx, "user-a", "a-new", "new", 20))
	require.NoError(t, store.Create(ctx, "user-b", "b-1", "b", 30))
	svc := newService(t, store, &fakeGenerator{})

	page, err := svc.ListConversations(ctx, "user-a", 20, "")
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	require.Equal(t, "a-new", page.Conversations[0].ConversationID)
	require.Equal(t, "a-old", page.Conversations[1].ConversationID)

	_, err = svc.ListConversations(ctx, "user-a", 20, "bad")
	requireCode(t, err, ErrorValidation, "invalid_cursor")
}

func TestGetConversation(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "user-a", "conv-1", "t", 1))
	for i := 1; i <= 3; i++ {
		_, _ = store.Append(ctx, "conv-1", domain.RoleUser, fmt.Sprintf("m%d", i), int64(i))
	}
	svc := newService(t, store, &fakeGenerator{})

	page, err := svc.GetConversation(ctx, MessagesInput{OwnerID: "user-a", ConversationID: "conv-1", Order: domain.NewestFirst, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, "conv-1", page.ConversationID)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "m3", page.Messages[0].Content)
	require.NotEmpty(t, page.NextCursor)

	page, err = svc.GetConversation(ctx, MessagesInput{OwnerID: "user-a", ConversationID: "conv-1", Order: domain.NewestFirst, Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "m1", page.Messages[0].Content)
	require.Empty(t, page.NextCursor)

	_, err = svc.GetConversation(ctx, MessagesInput{OwnerID: "user-b", ConversationID: "conv-1"})
	requireCode(t, err, ErrorNotFound, "conversation_not_found")

	_, err = svc.GetConversation(ctx, MessagesInput{OwnerID: "user-a", ConversationID: "conv-1", Cursor: "not-a-number"})
	requireCode(t, err, ErrorValidation, "invalid_cursor")
}

func TestDeleteConversation(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "user-a", "conv-1", "t", 1))
	_, _ = store.Append(ctx, "conv-1", domain.RoleUser, "hi", 1)
	svc := newService(t, store, &fakeGenerator{})

	err := svc.DeleteConversation(ctx, "user-b", "conv-1")
	requireCode(t, err, ErrorNotFound, "")
	require.Len(t, store.messages["conv-1"], 1)

	require.NoError(t, svc.DeleteConversation(ctx, "user-a", "conv-1"))
	require.Empty(t, store.messages["conv-1"])
	_, err = store.Get(ctx, "user-a", "conv-1")
	require.ErrorIs(t, err, repository.ErrNotFound)

	err = svc.DeleteConversation(ctx, "user-a", "conv-1")
	requireCode(t, err, ErrorNotFound, "conversation_not_found")
}

func TestDeleteConversation_MessageFailureKeepsRecord(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "user-a", "conv-1", "t", 1))
	store.deleteErr = errors.New("throttled")
	svc := newService(t, store, &fakeGenerator{})

	err := svc.DeleteConversation(ctx, "user-a", "conv-1")
	requireCode(t, err, ErrorStorage, "message_delete_error")
	_, err = store.Get(ctx, "user-a", "conv-1")
	require.NoError(t, err)

	store.deleteErr = nil
	require.NoError(t, svc.DeleteConversation(ctx, "user-a", "conv-1"))
}

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "Hello", deriveTitle("Hello"))
	require.Equal(t, strings.Repeat("é", 50), deriveTitle(strings.Repeat("é", 50)))
	require.Equal(t, strings.Repeat("é", 50)+"…", deriveTitle(strings.Repeat("é", 51)))
}

func TestError_Unwraps(t *testing.T) {
	inner := errors.New("inner")
	err := newError(ErrorStorage, "x", inner)
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "STORAGE_ERROR")
	require.Contains(t, newError(ErrorValidation, "empty_message", nil).Error(), "empty_message")
}
