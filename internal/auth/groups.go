package auth

import (
	"fmt"
	"slices"

	"github.com/jmespath/go-jmespath"
)

// GroupExtractor pulls the group set out of raw token claims. The claim
// location varies per identity-provider configuration, so it is a compiled
// JMESPath expression rather than a fixed field.
type GroupExtractor struct {
	exp *jmespath.JMESPath
}

func NewGroupExtractor(expression string) (*GroupExtractor, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression cannot be empty")
	}

	exp, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %v", err)
	}

	return &GroupExtractor{exp: exp}, nil
}

// Extract evaluates the expression against the claims. A claim that is
// absent yields an empty group set; membership checks downstream treat that
// as "no eligible role", not as a malformed token.
func (e *GroupExtractor) Extract(claims map[string]interface{}) ([]string, error) {
	if claims == nil {
		return nil, fmt.Errorf("claims cannot be nil")
	}

	result, err := e.exp.Search(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %v", err)
	}

	switch v := result.(type) {
	case nil:
		return nil, nil

	case string:
		return []string{v}, nil

	case []interface{}:
		var groups []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				groups = append(groups, s)
			} else {
				return nil, fmt.Errorf("expression result contains non-string item")
			}
		}

		// Sort and remove duplicates so the set is canonical
		slices.Sort(groups)
		return slices.Compact(groups), nil

	default:
		return nil, fmt.Errorf("expression result is neither a string nor a list of strings")
	}
}
