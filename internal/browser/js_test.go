package browser

import (
	"strings"
	"testing"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/types"
)

func TestWrapJSHasErrorHandler(t *testing.T) {
	js := wrapJS(`throw new Error("test");`)

	if !strings.Contains(js, "catch(e)") {
		t.Error("JS should have error catch handler")
	}
	if !strings.Contains(js, "ok:false,error:") {
		t.Error("JS should return the error message from the catch block")
	}
	if !strings.HasSuffix(js, "})()") {
		t.Error("JS should be an invoked expression so drivers get its value")
	}
}

func TestFindJSEscapesSelector(t *testing.T) {
	js := findJS(dom.Query{Kind: dom.CSS, Expr: `button[aria-label="Send"]`})

	if !strings.Contains(js, `__find("css","button[aria-label=\"Send\"]")`) {
		t.Errorf("selector should be embedded as a JSON string, got:\n%s", js)
	}
}

func TestXPathLookup(t *testing.T) {
	js := textsJS(dom.Query{Kind: dom.XPath, Expr: "//main//p"})

	if !strings.Contains(js, `__findAll("xpath","//main//p")`) {
		t.Error("textsJS should call __findAll with the xpath kind")
	}
	if !strings.Contains(js, "document.evaluate") {
		t.Error("lookup helpers should support xpath")
	}
}

func TestInsertJS(t *testing.T) {
	js := insertJS(dom.Query{Kind: dom.CSS, Expr: "form"}, dom.Element{
		ID:       "chatbridge-surface",
		HTML:     "<b>hi</b>",
		Attrs:    map[string]string{"data-chatbridge": "chatgpt"},
		Position: dom.Before,
	})

	for _, want := range []string{
		`document.createElement("div")`,
		`{"data-chatbridge":"chatgpt"}`,
		`"\u003cb\u003ehi\u003c/b\u003e"`,
		`switch("before")`,
		`missing:true`,
		`duplicate element id`,
	} {
		if !strings.Contains(js, want) {
			t.Errorf("insertJS should contain %s", want)
		}
	}
}

func TestSetTextJSUsesNativeSetter(t *testing.T) {
	js := setTextJS(dom.Query{Kind: dom.CSS, Expr: "textarea"}, "line1\nline2")

	if !strings.Contains(js, `"line1\nline2"`) {
		t.Error("text should be JSON-escaped")
	}
	if !strings.Contains(js, `getOwnPropertyDescriptor`) {
		t.Error("setTextJS should use the native value setter for framework inputs")
	}
	if !strings.Contains(js, `new Event("input",{bubbles:true})`) {
		t.Error("setTextJS should dispatch an input event")
	}
}

func TestSetFilesJSEncodesContent(t *testing.T) {
	js := setFilesJS(dom.Query{Kind: dom.CSS, Expr: "input[type=file]"}, []types.Attachment{
		{Name: "notes.md", Content: []byte("hi")},
	})

	if !strings.Contains(js, `"name":"notes.md"`) {
		t.Error("file name missing")
	}
	if !strings.Contains(js, `"type":"application/octet-stream"`) {
		t.Error("empty MIME type should default to octet-stream")
	}
	if !strings.Contains(js, `"data":"aGk="`) {
		t.Error("content should be base64 encoded")
	}
	if !strings.Contains(js, "new DataTransfer()") {
		t.Error("setFilesJS should build a DataTransfer")
	}
}

func TestToastJSLevelColor(t *testing.T) {
	js := toastJS("it's done", dom.ToastError)

	if !strings.Contains(js, `"#dc2626"`) {
		t.Error("error toasts should be red")
	}
	if !strings.Contains(js, `"it's done"`) {
		t.Error("message should be embedded as a JSON string")
	}
}

func TestObserveJSUsesBinding(t *testing.T) {
	js := observeJS()

	if !strings.Contains(js, `window["`+bindingName+`"]("mutation")`) {
		t.Error("observer should report through the exposed binding")
	}
	if !strings.Contains(js, "if(window.__chatbridgeObserver)") {
		t.Error("observer should be installed once per document")
	}
}

func TestConfigResolve(t *testing.T) {
	cfg, err := Config{CDPURL: "localhost"}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Driver != DriverChromedp {
		t.Errorf("default driver = %q", cfg.Driver)
	}
	if cfg.CDPURL != "http://localhost:9222" {
		t.Errorf("CDPURL = %q", cfg.CDPURL)
	}
	if !cfg.IsLoopback() {
		t.Error("localhost should be loopback")
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}

	if _, err := (Config{Driver: "firefox"}).Resolve(); err == nil {
		t.Error("unknown driver should fail")
	}
	if _, err := (Config{CDPURL: "ftp://host"}).Resolve(); err == nil {
		t.Error("unsupported scheme should fail")
	}

	cfg, _ = Config{Driver: "Playwright", CDPURL: "ws://10.0.0.5:9333/devtools/browser/x"}.Resolve()
	if cfg.Driver != DriverPlaywright || cfg.IsLoopback() {
		t.Errorf("unexpected %+v", cfg)
	}
}
