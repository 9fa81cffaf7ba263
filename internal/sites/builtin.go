package sites

import (
	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/registry"
	"github.com/neboloop/chatbridge/internal/types"
)

// Plugin turns a descriptor and locator table into a registry plugin.
func Plugin(d adapter.Descriptor, t Table) registry.Plugin {
	return registry.Plugin{
		Descriptor: d,
		New: func() (adapter.Site, error) {
			return NewTableSite(d.Name, t), nil
		},
	}
}

var allCaps = types.NewCapabilitySet(types.CapTextInsertion, types.CapFormSubmission, types.CapFileAttachment)

// Builtin returns the adapters shipped with chatbridge.
func Builtin() []registry.Plugin {
	return []registry.Plugin{
		Plugin(adapter.Descriptor{
			Name:         "chatgpt",
			Version:      "1.0.0",
			Hosts:        []string{"chatgpt.com", "chat.openai.com"},
			Capabilities: allCaps,
		}, Table{
			Anchor: []dom.Locator{
				dom.ByCSS("form[data-type='unified-composer']"),
				dom.ByCSS("main form"),
				dom.ByXPath("//main//form"),
			},
			Composer: []dom.Locator{
				dom.ByCSS("#prompt-textarea"),
				dom.ByCSS("div[contenteditable='true']"),
			},
			Submit: []dom.Locator{
				dom.ByCSS("button[data-testid='send-button']"),
				dom.ByCSS("button[aria-label='Send prompt']"),
			},
			FileInput: []dom.Locator{dom.ByCSS("input[type='file']")},
			Calls:     []dom.Query{{Kind: dom.CSS, Expr: "div[data-message-author-role='assistant']"}},
		}),

		Plugin(adapter.Descriptor{
			Name:         "gemini",
			Version:      "1.0.0",
			Hosts:        []string{"gemini.google.com/app", "gemini.google.com/app/**"},
			Capabilities: types.NewCapabilitySet(types.CapTextInsertion, types.CapFormSubmission),
		}, Table{
			Anchor: []dom.Locator{
				dom.ByCSS("input-area-v2"),
				dom.ByCSS(".input-area-container"),
			},
			Composer: []dom.Locator{
				dom.ByCSS("rich-textarea .ql-editor"),
				dom.ByCSS("div[contenteditable='true']"),
			},
			Submit: []dom.Locator{dom.ByCSS("button.send-button")},
			Calls:  []dom.Query{{Kind: dom.CSS, Expr: "model-response"}},
		}),

		Plugin(adapter.Descriptor{
			Name:         "perplexity",
			Version:      "1.0.0",
			Hosts:        []string{"www.perplexity.ai", "perplexity.ai"},
			Capabilities: types.NewCapabilitySet(types.CapTextInsertion, types.CapFormSubmission),
		}, Table{
			Anchor:   []dom.Locator{dom.ByXPath("//textarea/ancestor::div[contains(@class,'rounded')][1]")},
			Composer: []dom.Locator{dom.ByCSS("textarea[placeholder]"), dom.ByCSS("#ask-input")},
			Submit:   []dom.Locator{dom.ByCSS("button[aria-label='Submit']")},
			Calls:    []dom.Query{{Kind: dom.CSS, Expr: "div.prose"}},
		}),

		Plugin(adapter.Descriptor{
			Name:    "openwebui",
			Version: "1.0.0",
			// Self-hosted; usually reached on a local port.
			Hosts:        []string{"localhost", "127.0.0.1"},
			Capabilities: allCaps,
			Priority:     -10,
		}, Table{
			Anchor:    []dom.Locator{dom.ByCSS("#chat-input-container"), dom.ByCSS("form")},
			Composer:  []dom.Locator{dom.ByCSS("#chat-input")},
			Submit:    []dom.Locator{dom.ByCSS("#send-message-button")},
			FileInput: []dom.Locator{dom.ByCSS("#input-files")},
			Calls:     []dom.Query{{Kind: dom.CSS, Expr: "#response-content-container"}},
		}),
	}
}
