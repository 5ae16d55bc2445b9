package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// cursorAttr is the JSON form of a single key attribute. Only string and
// number keys are used by the tables in this package.
type cursorAttr struct {
	S *string `json:"S,omitempty"`
	N *string `json:"N,omitempty"`
}

// encodeCursor turns a LastEvaluatedKey into an opaque token. An empty key
// yields an empty token, meaning there are no more pages.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	out := make(map[string]cursorAttr, len(key))
	for name, v := range key {
		switch av := v.(type) {
		case *types.AttributeValueMemberS:
			s := av.Value
			out[name] = cursorAttr{S: &s}
		case *types.AttributeValueMemberN:
			n := av.Value
			out[name] = cursorAttr{N: &n}
		default:
			return "", fmt.Errorf("repository: unsupported key attribute %q", name)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("repository: encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeCursor parses a token produced by encodeCursor. The decoded key must
// contain exactly the attribute names in want, and every string attribute
// listed in pinned must carry the pinned value, so a token cannot be replayed
// against another partition.
func decodeCursor(token string, want []string, pinned map[string]string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var in map[string]cursorAttr
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if len(in) != len(want) {
		return nil, fmt.Errorf("%w: unexpected key shape", ErrInvalidCursor)
	}

	key := make(map[string]types.AttributeValue, len(want))
	for _, name := range want {
		attr, ok := in[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidCursor, name)
		}
		switch {
		case attr.S != nil && attr.N == nil:
			if v, ok := pinned[name]; ok && v != *attr.S {
				return nil, fmt.Errorf("%w: %q does not match", ErrInvalidCursor, name)
			}
			key[name] = strValue(*attr.S)
		case attr.N != nil && attr.S == nil:
			if _, err := strconv.ParseInt(*attr.N, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidCursor, name)
			}
			key[name] = &types.AttributeValueMemberN{Value: *attr.N}
		default:
			return nil, fmt.Errorf("%w: malformed %q", ErrInvalidCursor, name)
		}
	}
	return key, nil
}
