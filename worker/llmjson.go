package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/llm"
)

// Completer is the LLM surface workers depend on.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// completeJSON asks the model for a JSON object and unmarshals it into
// out. A malformed reply gets one correction round-trip quoting the
// parse error before the call fails.
func completeJSON(ctx context.Context, c Completer, choice brain.Choice, system, user string, out any) error {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	resp, err := c.Complete(ctx, llm.Request{Tier: choice.Tier, Messages: messages})
	if err != nil {
		return err
	}

	parseErr := unmarshalReply(resp.Content, out)
	if parseErr == nil {
		return nil
	}

	// Format correction: feed the bad reply and the error back once.
	messages = append(messages,
		llm.Message{Role: "assistant", Content: resp.Content},
		llm.Message{Role: "user", Content: fmt.Sprintf(
			"That reply was not valid JSON (%v). Respond again with ONLY the JSON object, no prose.", parseErr)},
	)

	resp, err = c.Complete(ctx, llm.Request{Tier: choice.Tier, Messages: messages})
	if err != nil {
		return err
	}
	if err := unmarshalReply(resp.Content, out); err != nil {
		return fmt.Errorf("model reply unparseable after correction: %w", err)
	}
	return nil
}

func unmarshalReply(content string, out any) error {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return fmt.Errorf("no JSON object found in reply")
	}
	return json.Unmarshal([]byte(raw), out)
}
