package anthropic

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// toolBuffer accumulates the partial-JSON fragments of one tool_use block.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

// foldStream drains a Messages event stream and reassembles the full
// message: text deltas concatenate per block, tool input JSON fragments join
// at block stop, and the message_delta event carries stop reason and usage.
func foldStream(stream *ssestream.Stream[sdk.MessageStreamEventUnion]) (*sdk.Message, error) {
	defer stream.Close()

	msg := &sdk.Message{Role: "assistant"}
	texts := make(map[int]*strings.Builder)
	tools := make(map[int]*toolBuffer)
	order := []int{}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			msg.ID = ev.Message.ID
			msg.Model = ev.Message.Model
			msg.Usage = ev.Message.Usage
		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			order = append(order, idx)
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				tools[idx] = &toolBuffer{id: tu.ID, name: tu.Name}
			} else {
				texts[idx] = &strings.Builder{}
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if b := texts[idx]; b != nil {
					b.WriteString(delta.Text)
				}
			case sdk.InputJSONDelta:
				if tb := tools[idx]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.MessageDeltaEvent:
			msg.StopReason = sdk.StopReason(ev.Delta.StopReason)
			if ev.Usage.OutputTokens != 0 {
				msg.Usage.OutputTokens = ev.Usage.OutputTokens
			}
			if ev.Usage.InputTokens != 0 {
				msg.Usage.InputTokens = ev.Usage.InputTokens
			}
			if ev.Usage.CacheReadInputTokens != 0 {
				msg.Usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
			}
			if ev.Usage.CacheCreationInputTokens != 0 {
				msg.Usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	for _, idx := range order {
		if b, ok := texts[idx]; ok {
			if b.Len() == 0 {
				continue
			}
			msg.Content = append(msg.Content, sdk.ContentBlockUnion{Type: "text", Text: b.String()})
			continue
		}
		if tb, ok := tools[idx]; ok {
			msg.Content = append(msg.Content, sdk.ContentBlockUnion{
				Type:  "tool_use",
				ID:    tb.id,
				Name:  tb.name,
				Input: tb.finalInput(),
			})
		}
	}
	return msg, nil
}
