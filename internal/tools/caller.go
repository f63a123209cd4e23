package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// chainCaller lets fallback chain remote steps call this registry's tools.
type chainCaller struct {
	r *Registry
}

// Call runs tool and returns its result as a JSON object. An unresolved
// listing count is an error so the chain moves on. Listing confidence
// labels are replaced by their score so chain penalties apply to them.
func (c chainCaller) Call(ctx context.Context, server, tool string, params map[string]any) (map[string]any, error) {
	if !c.r.servers[server] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	if tool == ToolFallbackExecute {
		return nil, fmt.Errorf("%w: %s cannot be called from a fallback chain", ErrUnavailable, tool)
	}

	args, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	out, err := c.r.invoke(ctx, tool, args)
	if err != nil {
		return nil, err
	}

	if res, ok := out.(listing.Result); ok && !res.Resolved() {
		return nil, fmt.Errorf("%s unresolved: %s", res.Keyword, res.Error)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s result is not an object: %w", tool, err)
	}

	if label, ok := m["confidence"].(string); ok {
		m["confidence"] = listing.Confidence(label).Score()
		m["confidenceLabel"] = label
	}
	return m, nil
}
