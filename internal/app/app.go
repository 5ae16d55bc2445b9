// Package app wires configuration, AWS clients and the chat service into a
// request handler. Both the Lambda and the local binary start from here.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-backend/handler"
	"chat-backend/internal/config"
	"chat-backend/internal/integrations/bedrock"
	"chat-backend/internal/integrations/openai"
	"chat-backend/internal/integrations/paramstore"
	"chat-backend/internal/inference"
	"chat-backend/internal/repository"
	"chat-backend/internal/usecase"
)

// NewLogger returns a JSON logger for Lambda and a text logger for local runs.
func NewLogger(w io.Writer, level slog.Level, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// LoadAWSConfig loads the default AWS configuration chain.
func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	return awsCfg, nil
}

// Build constructs the handler and everything behind it. No AWS call is made
// until the first request.
func Build(cfg config.Config, awsCfg aws.Config) (*handler.Handler, error) {
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})

	messages, err := repository.NewMessageStore(dynamoClient, cfg.MessagesTable)
	if err != nil {
		return nil, fmt.Errorf("app: message store: %w", err)
	}
	conversations, err := repository.NewConversationIndex(dynamoClient, cfg.ConversationsTable, cfg.ConversationsIndex)
	if err != nil {
		return nil, fmt.Errorf("app: conversation index: %w", err)
	}

	provider, err := newProvider(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	gateway, err := inference.NewGateway(cfg.InferenceProvider, provider, cfg.InferenceTimeout)
	if err != nil {
		return nil, fmt.Errorf("app: inference gateway: %w", err)
	}

	svc, err := usecase.NewChatService(messages, conversations, gateway, cfg.MaxMessageLength)
	if err != nil {
		return nil, fmt.Errorf("app: chat service: %w", err)
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		return nil, fmt.Errorf("app: handler: %w", err)
	}

	slog.Info("chat backend configured",
		"provider", cfg.InferenceProvider,
		"conversationsTable", cfg.ConversationsTable,
		"messagesTable", cfg.MessagesTable,
		"inferenceTimeout", cfg.InferenceTimeout,
	)
	return h, nil
}

func newProvider(cfg config.Config, awsCfg aws.Config) (inference.Provider, error) {
	switch cfg.InferenceProvider {
	case config.ProviderBedrock:
		c, err := bedrock.New(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID,
			bedrock.WithInferenceConfig(cfg.InferenceMaxTokens, cfg.InferenceTemperature))
		if err != nil {
			return nil, fmt.Errorf("app: bedrock client: %w", err)
		}
		return c, nil
	case config.ProviderOpenAI:
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			return nil, fmt.Errorf("app: paramstore client: %w", err)
		}
		// The gateway timeout bounds each call; the HTTP client only guards
		// against a hung connection outliving it.
		httpTimeout := cfg.InferenceTimeout + 5*time.Second
		c, err := openai.NewClient(params, cfg.OpenAIModel,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithHTTPClient(&http.Client{Timeout: httpTimeout}),
			openai.WithInferenceConfig(cfg.InferenceMaxTokens, cfg.InferenceTemperature))
		if err != nil {
			return nil, fmt.Errorf("app: openai client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("app: unknown inference provider %q", cfg.InferenceProvider)
	}
}
