package client

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// TargetType are the types of targets available in Chrome.
type TargetType string

// TargetType values.
const (
	BackgroundPage TargetType = "background_page"
	Browser        TargetType = "browser"
	Iframe         TargetType = "iframe"
	Other          TargetType = "other"
	Page           TargetType = "page"
	ServiceWorker  TargetType = "service_worker"
	SharedWorker   TargetType = "shared_worker"
	Worker         TargetType = "worker"
)

// String satisfies stringer.
func (tt TargetType) String() string {
	return string(tt)
}

// MarshalEasyJSON satisfies easyjson.Marshaler.
func (tt TargetType) MarshalEasyJSON(out *jwriter.Writer) {
	out.String(string(tt))
}

// MarshalJSON satisfies json.Marshaler.
func (tt TargetType) MarshalJSON() ([]byte, error) {
	return easyjson.Marshal(tt)
}

// UnmarshalEasyJSON satisfies easyjson.Unmarshaler. Types unknown to this
// package are kept verbatim.
func (tt *TargetType) UnmarshalEasyJSON(in *jlexer.Lexer) {
	*tt = TargetType(in.String())
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (tt *TargetType) UnmarshalJSON(buf []byte) error {
	return easyjson.Unmarshal(buf, tt)
}

// Target is a DevTools target, as listed by the browser's /json/list
// endpoint.
type Target struct {
	ID           string
	Type         TargetType
	Title        string
	URL          string
	WebsocketURL string
}

// UnmarshalEasyJSON satisfies easyjson.Unmarshaler.
func (t *Target) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			t.ID = in.String()
		case "type":
			t.Type.UnmarshalEasyJSON(in)
		case "title":
			t.Title = in.String()
		case "url":
			t.URL = in.String()
		case "webSocketDebuggerUrl":
			t.WebsocketURL = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

// TargetList is a list of DevTools targets.
type TargetList []*Target

// UnmarshalEasyJSON satisfies easyjson.Unmarshaler.
func (l *TargetList) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		*l = nil
		return
	}
	in.Delim('[')
	*l = (*l)[:0]
	for !in.IsDelim(']') {
		t := new(Target)
		t.UnmarshalEasyJSON(in)
		*l = append(*l, t)
		in.WantComma()
	}
	in.Delim(']')
}

// ListTargets lists the DevTools targets of the browser whose debugger
// listens on addr (host:port).
func (c *Client) ListTargets(ctx context.Context, addr string) (TargetList, error) {
	var l TargetList
	if err := c.devtoolsReq(ctx, addr, "list", &l); err != nil {
		return nil, err
	}
	return l, nil
}

// PageTargets lists the page targets of the browser whose debugger listens
// on addr.
func (c *Client) PageTargets(ctx context.Context, addr string) (TargetList, error) {
	l, err := c.ListTargets(ctx, addr)
	if err != nil {
		return nil, err
	}
	var pages TargetList
	for _, t := range l {
		if t.Type == Page {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// devtoolsReq executes a DevTools HTTP discovery request.
func (c *Client) devtoolsReq(ctx context.Context, addr, action string, v easyjson.Unmarshaler) error {
	urlstr := addr
	if !strings.Contains(urlstr, "://") {
		urlstr = "http://" + urlstr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ForceIP(urlstr)+"/json/"+action, nil)
	if err != nil {
		return err
	}
	res, err := c.cl.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return &ResponseError{Status: res.StatusCode, Code: "unknown error", Message: "devtools /json/" + action}
	}
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return easyjson.Unmarshal(buf, v)
}
