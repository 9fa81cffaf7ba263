package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/neboloop/chatbridge/internal/types"
)

// InstructionsFile is the name of the context artifact attached to the host chat.
const InstructionsFile = "mcp-instructions.md"

// Instructions builds the context artifact that teaches the host model which tools
// exist and how to call them. The cached tool list is used if the server is down.
func (c *Client) Instructions(ctx context.Context) (types.Attachment, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		tools = c.CachedTools()
		if len(tools) == 0 {
			return types.Attachment{}, fmt.Errorf("build instructions: %w", err)
		}
		c.logger.Warn("using cached tool list for instructions", "error", err)
	}
	return types.Attachment{
		Name:     InstructionsFile,
		MIMEType: "text/markdown",
		Content:  []byte(RenderInstructions(tools)),
	}, nil
}

// RenderInstructions formats tools and the call syntax as markdown.
func RenderInstructions(tools []Tool) string {
	var b strings.Builder
	b.WriteString("# Available tools\n\n")
	b.WriteString("You can call the tools below. To call one, reply with a block in exactly this form and stop:\n\n")
	b.WriteString("```xml\n<function_calls>\n<invoke name=\"TOOL_NAME\" call_id=\"1\">\n<parameter name=\"PARAM\">VALUE</parameter>\n</invoke>\n</function_calls>\n```\n\n")
	b.WriteString("Results come back in a `<function_result call_id=\"1\">` block. Use a new call_id for every call.\n\n")

	if len(tools) == 0 {
		b.WriteString("_No tools are currently available._\n")
		return b.String()
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "## %s\n\n", t.Name)
		if t.Description != "" {
			b.WriteString(strings.TrimSpace(t.Description))
			b.WriteString("\n\n")
		}
		if len(t.InputSchema) > 0 {
			b.WriteString("Parameters schema:\n\n```json\n")
			b.Write(t.InputSchema)
			b.WriteString("\n```\n\n")
		}
	}
	return b.String()
}
