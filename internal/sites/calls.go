package sites

import (
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"strings"

	"github.com/neboloop/chatbridge/internal/types"
)

const (
	callsOpen  = "<function_calls>"
	callsClose = "</function_calls>"
)

type xmlCalls struct {
	Invokes []xmlInvoke `xml:"invoke"`
}

type xmlInvoke struct {
	Name   string     `xml:"name,attr"`
	CallID string     `xml:"call_id,attr"`
	Params []xmlParam `xml:"parameter"`
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ParseFunctionCalls extracts every complete <function_calls> block from text.
// Blocks still being streamed (no closing tag) are ignored, as are malformed ones.
func ParseFunctionCalls(text string) []types.FunctionCall {
	var calls []types.FunctionCall
	rest := text
	for {
		start := strings.Index(rest, callsOpen)
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], callsClose)
		if end < 0 {
			break
		}
		block := rest[start : start+end+len(callsClose)]
		rest = rest[start+end+len(callsClose):]

		var parsed xmlCalls
		if err := xml.Unmarshal([]byte(block), &parsed); err != nil {
			slog.Debug("skipping malformed function_calls block", "component", "sites", "error", err)
			continue
		}
		for _, inv := range parsed.Invokes {
			name := strings.TrimSpace(inv.Name)
			if name == "" {
				continue
			}
			call := types.FunctionCall{CallID: strings.TrimSpace(inv.CallID), ToolName: name}
			if len(inv.Params) > 0 {
				call.Parameters = make(map[string]any, len(inv.Params))
				for _, p := range inv.Params {
					call.Parameters[p.Name] = paramValue(p.Value)
				}
			}
			calls = append(calls, call)
		}
	}
	return calls
}

// paramValue decodes JSON scalars, arrays and objects; anything else stays a string.
func paramValue(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	switch s[0] {
	case '{', '[', '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 't', 'f', 'n':
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}
