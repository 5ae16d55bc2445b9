package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"chat-backend/internal/domain"
)

const (
	// DefaultModelID is used when no model is configured.
	DefaultModelID = "us.anthropic.claude-haiku-4-5-20251001-v1:0"

	defaultMaxTokens   = 2048
	defaultTemperature = 1.0
)

// converseAPI is the minimal Bedrock Runtime interface required by Client.
// *bedrockruntime.Client satisfies this interface.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client generates replies with the Bedrock Converse API.
type Client struct {
	api         converseAPI
	modelID     string
	maxTokens   int32
	temperature float32
}

type Option func(*Client)

// WithInferenceConfig overrides the default maxTokens (2048) and temperature (1.0).
func WithInferenceConfig(maxTokens int, temperature float64) Option {
	return func(c *Client) {
		if maxTokens > 0 {
			c.maxTokens = int32(maxTokens)
		}
		c.temperature = float32(temperature)
	}
}

// New creates a Client. An empty modelID falls back to DefaultModelID.
func New(api converseAPI, modelID string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = DefaultModelID
	}
	c := &Client{
		api:         api,
		modelID:     modelID,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat sends the ordered history to the model and returns the text of its reply.
func (c *Client) Chat(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	converted := toConverseMessages(messages)
	if len(converted) == 0 {
		return "", errors.New("bedrock: history is empty")
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: converted,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.maxTokens),
			Temperature: aws.Float32(c.temperature),
		},
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response has no message")
	}
	var parts []string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			parts = append(parts, text.Value)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("bedrock: response has no text content")
	}
	return strings.Join(parts, ""), nil
}

// toConverseMessages converts history into Converse messages. Converse needs
// alternating roles starting with the user, so consecutive messages of the
// same role (left behind by a turn whose inference failed) are merged and any
// leading assistant messages are dropped.
func toConverseMessages(history []domain.ChatMessage) []types.Message {
	var out []types.Message
	for _, m := range history {
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if len(out) == 0 && role != types.ConversationRoleUser {
			continue
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	return out
}
