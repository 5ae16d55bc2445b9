package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"chat-backend/internal/usecase"
)

const internalErrorMessage = "Internal server error"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type chatResponse struct {
	ConversationID string `json:"conversationId"`
	Response       string `json:"response"`
	Timestamp      int64  `json:"timestamp"`
}

type conversationItem struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
	MessageCount   int    `json:"messageCount"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

type conversationsResponse struct {
	Conversations    []conversationItem `json:"conversations"`
	LastEvaluatedKey string             `json:"lastEvaluatedKey,omitempty"`
}

type messageItem struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type messagesResponse struct {
	ConversationID   string        `json:"conversationId"`
	Messages         []messageItem `json:"messages"`
	LastEvaluatedKey string        `json:"lastEvaluatedKey,omitempty"`
}

type deleteResponse struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

func baseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":                 "application/json",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Content-Type,Authorization,X-Correlation-Id",
		"Access-Control-Allow-Methods": "GET,POST,DELETE,OPTIONS",
		"X-Correlation-Id":             correlationID,
	}
}

func jsonResponse(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal response", "correlationId", correlationID, "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"` + internalErrorMessage + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    baseHeaders(correlationID),
		Body:       string(body),
	}
}

func errorJSON(status int, correlationID, message, code string) events.APIGatewayProxyResponse {
	return jsonResponse(status, correlationID, errorResponse{Error: message, Code: code})
}

// mapError turns a use case error into an HTTP status, a client-facing
// message and the error code. Storage and unknown faults never leak detail.
func mapError(err error) (int, string, usecase.ErrorCode) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, internalErrorMessage, usecase.ErrorInternal
	}
	switch ucErr.Code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest, validationMessage(ucErr.Reason), ucErr.Code
	case usecase.ErrorNotFound:
		return http.StatusNotFound, "Conversation not found", ucErr.Code
	case usecase.ErrorConflict:
		return http.StatusConflict, "Conversation already exists", ucErr.Code
	case usecase.ErrorInferenceUnavailable:
		return http.StatusBadGateway, "Inference service unavailable", ucErr.Code
	case usecase.ErrorInferenceTimeout:
		return http.StatusGatewayTimeout, "Inference service timed out", ucErr.Code
	case usecase.ErrorStorage:
		return http.StatusInternalServerError, internalErrorMessage, ucErr.Code
	default:
		return http.StatusInternalServerError, internalErrorMessage, usecase.ErrorInternal
	}
}

func validationMessage(reason string) string {
	switch reason {
	case "empty_message":
		return "message is required"
	case "message_too_long":
		return "message is too long"
	case "invalid_cursor":
		return "lastEvaluatedKey is invalid"
	default:
		return "invalid request"
	}
}
