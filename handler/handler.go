package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-backend/internal/domain"
	"chat-backend/internal/metrics"
	"chat-backend/internal/usecase"
)

const (
	routeChat          = "/chat"
	routeConversations = "/conversations"
	routeConversation  = "/conversations/{id}"
	routeUnmatched     = "unmatched"

	correlationHeader = "X-Correlation-Id"
)

type ChatService interface {
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	ListConversations(ctx context.Context, ownerID string, limit int, cursor string) (usecase.ConversationPage, error)
	GetConversation(ctx context.Context, in usecase.MessagesInput) (usecase.MessagePage, error)
	DeleteConversation(ctx context.Context, ownerID, conversationID string) error
}

type Handler struct {
	svc ChatService
}

func NewHandler(svc ChatService) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	return &Handler{svc: svc}, nil
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

// request carries what every route needs once routing and identity are resolved.
type request struct {
	event          events.APIGatewayProxyRequest
	correlationID  string
	ownerID        string
	conversationID string
}

// Handle is the API Gateway proxy entry point. It never returns an error;
// every failure is rendered as a JSON response.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	correlationID := correlationIDFrom(event)
	method := strings.ToUpper(event.HTTPMethod)
	route, conversationID := matchRoute(event.Path)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "correlationId", correlationID, "route", route, "panic", r)
			resp = errorJSON(http.StatusInternalServerError, correlationID, internalErrorMessage, "")
			err = nil
		}
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(resp.StatusCode)).Inc()
	}()

	if method == http.MethodOptions {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusNoContent,
			Headers:    baseHeaders(correlationID),
		}, nil
	}

	ownerID := ownerFromClaims(event)
	if ownerID == "" {
		return errorJSON(http.StatusUnauthorized, correlationID, "Unauthorized", ""), nil
	}

	req := request{
		event:          event,
		correlationID:  correlationID,
		ownerID:        ownerID,
		conversationID: conversationID,
	}

	switch {
	case route == routeChat && method == http.MethodPost:
		return h.submitTurn(ctx, req), nil
	case route == routeConversations && method == http.MethodGet:
		return h.listConversations(ctx, req), nil
	case route == routeConversation && method == http.MethodGet:
		return h.getConversation(ctx, req), nil
	case route == routeConversation && method == http.MethodDelete:
		return h.deleteConversation(ctx, req), nil
	default:
		return errorJSON(http.StatusNotFound, correlationID, "Not found", ""), nil
	}
}

func (h *Handler) submitTurn(ctx context.Context, req request) events.APIGatewayProxyResponse {
	body, err := requestBody(req.event)
	if err != nil {
		return h.badRequest(req, "invalid request body", err)
	}
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return h.badRequest(req, "invalid request body", err)
	}

	req.conversationID = in.ConversationID
	out, err := h.svc.SubmitTurn(ctx, usecase.TurnInput{
		OwnerID:        req.ownerID,
		ConversationID: in.ConversationID,
		Message:        in.Message,
	})
	if err != nil {
		return h.fail(ctx, req, "submit_turn", err)
	}
	return jsonResponse(http.StatusOK, req.correlationID, chatResponse{
		ConversationID: out.ConversationID,
		Response:       out.Response,
		Timestamp:      out.Timestamp,
	})
}

func (h *Handler) listConversations(ctx context.Context, req request) events.APIGatewayProxyResponse {
	limit, err := parseLimit(req.event.QueryStringParameters["limit"])
	if err != nil {
		return h.badRequest(req, "limit must be a positive integer", err)
	}

	page, err := h.svc.ListConversations(ctx, req.ownerID, limit, req.event.QueryStringParameters["lastEvaluatedKey"])
	if err != nil {
		return h.fail(ctx, req, "list_conversations", err)
	}

	items := make([]conversationItem, 0, len(page.Conversations))
	for _, c := range page.Conversations {
		items = append(items, conversationItem{
			ConversationID: c.ConversationID,
			Title:          c.Title,
			MessageCount:   c.MessageCount,
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	return jsonResponse(http.StatusOK, req.correlationID, conversationsResponse{
		Conversations:    items,
		LastEvaluatedKey: page.NextCursor,
	})
}

func (h *Handler) getConversation(ctx context.Context, req request) events.APIGatewayProxyResponse {
	params := req.event.QueryStringParameters
	limit, err := parseLimit(params["limit"])
	if err != nil {
		return h.badRequest(req, "limit must be a positive integer", err)
	}
	order, err := parseOrder(params["order"])
	if err != nil {
		return h.badRequest(req, "order must be asc or desc", err)
	}

	page, err := h.svc.GetConversation(ctx, usecase.MessagesInput{
		OwnerID:        req.ownerID,
		ConversationID: req.conversationID,
		Order:          order,
		Limit:          limit,
		Cursor:         params["lastEvaluatedKey"],
	})
	if err != nil {
		return h.fail(ctx, req, "get_conversation", err)
	}

	items := make([]messageItem, 0, len(page.Messages))
	for _, m := range page.Messages {
		items = append(items, messageItem{
			MessageID: m.MessageID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return jsonResponse(http.StatusOK, req.correlationID, messagesResponse{
		ConversationID:   page.ConversationID,
		Messages:         items,
		LastEvaluatedKey: page.NextCursor,
	})
}

func (h *Handler) deleteConversation(ctx context.Context, req request) events.APIGatewayProxyResponse {
	if err := h.svc.DeleteConversation(ctx, req.ownerID, req.conversationID); err != nil {
		return h.fail(ctx, req, "delete_conversation", err)
	}
	return jsonResponse(http.StatusOK, req.correlationID, deleteResponse{
		Message:        "Conversation deleted successfully",
		ConversationID: req.conversationID,
	})
}

func (h *Handler) badRequest(req request, message string, err error) events.APIGatewayProxyResponse {
	slog.Warn("bad request",
		"correlationId", req.correlationID,
		"ownerId", req.ownerID,
		"path", req.event.Path,
		"err", err,
	)
	return errorJSON(http.StatusBadRequest, req.correlationID, message, string(usecase.ErrorValidation))
}

func (h *Handler) fail(ctx context.Context, req request, operation string, err error) events.APIGatewayProxyResponse {
	status, message, code := mapError(err)
	reason := ""
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		reason = ucErr.Reason
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "request failed",
		"correlationId", req.correlationID,
		"ownerId", req.ownerID,
		"conversationId", req.conversationID,
		"operation", operation,
		"code", code,
		"reason", reason,
		"err", err,
	)
	return errorJSON(status, req.correlationID, message, string(code))
}

// matchRoute maps a request path to a route template and, for the
// single-conversation route, the conversation id.
func matchRoute(path string) (string, string) {
	path = strings.TrimSuffix(path, "/")
	switch path {
	case routeChat:
		return routeChat, ""
	case routeConversations:
		return routeConversations, ""
	}
	id, ok := strings.CutPrefix(path, routeConversations+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return routeUnmatched, ""
	}
	return routeConversation, id
}

// ownerFromClaims reads the Cognito subject from the authorizer claims.
func ownerFromClaims(event events.APIGatewayProxyRequest) string {
	claims, ok := event.RequestContext.Authorizer["claims"].(map[string]interface{})
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return strings.TrimSpace(sub)
}

func correlationIDFrom(event events.APIGatewayProxyRequest) string {
	for k, v := range event.Headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func requestBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if !event.IsBase64Encoded {
		return []byte(event.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(event.Body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 body: %w", err)
	}
	return b, nil
}

// parseLimit returns 0 for an absent limit so the store applies its default.
func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse limit %q: %w", raw, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("limit %d is not positive", n)
	}
	return n, nil
}

func parseOrder(raw string) (domain.SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "asc":
		return domain.OldestFirst, nil
	case "desc":
		return domain.NewestFirst, nil
	default:
		return domain.OldestFirst, fmt.Errorf("unknown order %q", raw)
	}
}
