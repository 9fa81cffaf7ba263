package browser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/types"
)

// Every script is a self-contained IIFE that returns a jsResult-shaped object.
// Scripts never return undefined or null so both drivers can decode the value.

// jsResult is the value every script evaluates to.
type jsResult struct {
	OK      bool            `json:"ok"`
	Missing bool            `json:"missing,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// bindingName is the page function the mutation observer reports through.
const bindingName = "__chatbridgeMutated"

// lookupJS defines __find and __findAll for CSS and XPath queries.
const lookupJS = `function __find(k,e){if(k==="xpath"){return document.evaluate(e,document,null,XPathResult.FIRST_ORDERED_NODE_TYPE,null).singleNodeValue}return document.querySelector(e)}
function __findAll(k,e){if(k==="xpath"){var r=document.evaluate(e,document,null,XPathResult.ORDERED_NODE_SNAPSHOT_TYPE,null),o=[];for(var i=0;i<r.snapshotLength;i++){o.push(r.snapshotItem(i))}return o}return Array.prototype.slice.call(document.querySelectorAll(e))}`

// wrapJS wraps action code in the result boilerplate. The action code returns
// its own result object; exceptions become {ok:false,error}.
func wrapJS(actionCode string) string {
	return fmt.Sprintf(`(function(){
%s
try{
%s
}catch(e){
return {ok:false,error:String(e&&e.message||e)};
}
})()`, lookupJS, actionCode)
}

// jsonString returns a JSON-encoded string literal for safe JS embedding.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// jsonValue returns v as a JS literal.
func jsonValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// findNode emits code that binds the first match of q to n, or returns missing.
func findNode(q dom.Query) string {
	return fmt.Sprintf(`var n=__find(%s,%s);if(!n){return {ok:false,missing:true}}`, jsonString(string(q.Kind)), jsonString(q.Expr))
}

// findByID emits code that binds the element with id to n, or returns missing.
func findByID(id string) string {
	return fmt.Sprintf(`var n=document.getElementById(%s);if(!n){return {ok:false,missing:true}}`, jsonString(id))
}

func urlJS() string {
	return wrapJS(`return {ok:true,value:location.href};`)
}

func findJS(q dom.Query) string {
	return wrapJS(fmt.Sprintf(`return {ok:true,value:!!__find(%s,%s)};`, jsonString(string(q.Kind)), jsonString(q.Expr)))
}

func textsJS(q dom.Query) string {
	return wrapJS(fmt.Sprintf(`var ns=__findAll(%s,%s);
return {ok:true,value:ns.map(function(n){return n.innerText||n.textContent||""})};`, jsonString(string(q.Kind)), jsonString(q.Expr)))
}

func existsJS(id string) string {
	return wrapJS(fmt.Sprintf(`return {ok:true,value:!!document.getElementById(%s)};`, jsonString(id)))
}

// insertJS creates el next to the first match of anchor.
func insertJS(anchor dom.Query, el dom.Element) string {
	tag := el.Tag
	if tag == "" {
		tag = "div"
	}
	pos := el.Position
	if pos == "" {
		pos = dom.Append
	}
	return wrapJS(fmt.Sprintf(`%s
if(document.getElementById(%s)){return {ok:false,error:"duplicate element id "+%s}}
var el=document.createElement(%s);
var attrs=%s;
for(var k in attrs){el.setAttribute(k,attrs[k])}
el.id=%s;
el.innerHTML=%s;
switch(%s){
case "prepend":n.prepend(el);break;
case "before":n.before(el);break;
case "after":n.after(el);break;
default:n.append(el);
}
return {ok:true};`,
		findNode(anchor),
		jsonString(el.ID), jsonString(el.ID),
		jsonString(tag),
		jsonValue(attrsOrEmpty(el.Attrs)),
		jsonString(el.ID),
		jsonString(el.HTML),
		jsonString(string(pos)),
	))
}

func attrsOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func removeJS(id string) string {
	return wrapJS(fmt.Sprintf(`var n=document.getElementById(%s);if(n){n.remove()}return {ok:true};`, jsonString(id)))
}

func setVisibleJS(id string, visible bool) string {
	display := `"none"`
	if visible {
		display = `""`
	}
	return wrapJS(fmt.Sprintf(`%s
n.style.display=%s;
return {ok:true};`, findByID(id), display))
}

func setContentJS(id, html string) string {
	return wrapJS(fmt.Sprintf(`%s
n.innerHTML=%s;
return {ok:true};`, findByID(id), jsonString(html)))
}

// setTextJS replaces the value of an input, textarea or contenteditable element
// and fires the input event frameworks listen for.
func setTextJS(q dom.Query, text string) string {
	return wrapJS(fmt.Sprintf(`%s
var t=%s;
n.focus();
var tag=n.tagName.toLowerCase();
if(tag==="textarea"||tag==="input"){
  var d=Object.getOwnPropertyDescriptor(Object.getPrototypeOf(n),"value");
  if(d&&d.set){d.set.call(n,t)}else{n.value=t}
  n.dispatchEvent(new Event("input",{bubbles:true}));
}else{
  n.textContent=t;
  n.dispatchEvent(new InputEvent("input",{bubbles:true,data:t,inputType:"insertText"}));
}
return {ok:true};`, findNode(q), jsonString(text)))
}

func clickJS(q dom.Query) string {
	return wrapJS(fmt.Sprintf(`%s
n.click();
return {ok:true};`, findNode(q)))
}

func pressEnterJS(q dom.Query) string {
	return wrapJS(fmt.Sprintf(`%s
n.focus();
["keydown","keypress","keyup"].forEach(function(type){
  n.dispatchEvent(new KeyboardEvent(type,{key:"Enter",code:"Enter",keyCode:13,which:13,bubbles:true,cancelable:true}));
});
return {ok:true};`, findNode(q)))
}

type jsFile struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

// setFilesJS replaces the file list of a file input.
func setFilesJS(q dom.Query, files []types.Attachment) string {
	list := make([]jsFile, len(files))
	for i, f := range files {
		mime := f.MIMEType
		if mime == "" {
			mime = "application/octet-stream"
		}
		list[i] = jsFile{Name: f.Name, Type: mime, Data: base64.StdEncoding.EncodeToString(f.Content)}
	}
	return wrapJS(fmt.Sprintf(`%s
var files=%s;
var dt=new DataTransfer();
files.forEach(function(f){
  var bin=atob(f.data),buf=new Uint8Array(bin.length);
  for(var i=0;i<bin.length;i++){buf[i]=bin.charCodeAt(i)}
  dt.items.add(new File([buf],f.name,{type:f.type}));
});
n.files=dt.files;
n.dispatchEvent(new Event("change",{bubbles:true}));
return {ok:true};`, findNode(q), jsonValue(list)))
}

var toastColors = map[dom.ToastLevel]string{
	dom.ToastInfo:    "#2563eb",
	dom.ToastSuccess: "#16a34a",
	dom.ToastError:   "#dc2626",
}

// toastJS shows a transient notification in the corner of the page.
func toastJS(msg string, level dom.ToastLevel) string {
	color, ok := toastColors[level]
	if !ok {
		color = toastColors[dom.ToastInfo]
	}
	return wrapJS(fmt.Sprintf(`var el=document.createElement("div");
el.className="chatbridge-toast chatbridge-toast-"+%s;
el.textContent=%s;
el.style.cssText="position:fixed;right:16px;bottom:16px;z-index:2147483647;padding:8px 12px;border-radius:6px;color:#fff;font:13px sans-serif;background:"+%s;
(document.body||document.documentElement).appendChild(el);
setTimeout(function(){el.remove()},4000);
return {ok:true};`, jsonString(string(level)), jsonString(msg), jsonString(color)))
}

// observeJS installs one debounced MutationObserver per document that reports
// through the exposed binding.
func observeJS() string {
	return wrapJS(fmt.Sprintf(`if(window.__chatbridgeObserver){return {ok:true}}
var pending=false;
var obs=new MutationObserver(function(){
  if(pending)return;
  pending=true;
  setTimeout(function(){pending=false;try{window[%s]("mutation")}catch(e){}},50);
});
obs.observe(document.documentElement,{childList:true,subtree:true});
window.__chatbridgeObserver=obs;
return {ok:true};`, jsonString(bindingName)))
}

func unobserveJS() string {
	return wrapJS(`if(window.__chatbridgeObserver){window.__chatbridgeObserver.disconnect();delete window.__chatbridgeObserver}
return {ok:true};`)
}

// markJS tags the current document with token unless it already carries one,
// and returns the document's token.
func markJS(token string) string {
	return wrapJS(fmt.Sprintf(`if(!window.__chatbridgeDoc){window.__chatbridgeDoc=%s}
return {ok:true,value:window.__chatbridgeDoc};`, jsonString(token)))
}
