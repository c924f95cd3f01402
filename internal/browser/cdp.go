package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"
)

// maxBodyBytes caps response bodies read back from the browser.
const maxBodyBytes = 2 << 20

// CDP opens pages as new tabs of a browser exposing the DevTools protocol.
type CDP struct {
	devtoolsURL string
	log         *slog.Logger
}

// NewCDP returns an engine talking to the DevTools endpoint at devtoolsURL,
// e.g. http://127.0.0.1:9222.
func NewCDP(devtoolsURL string, log *slog.Logger) *CDP {
	return &CDP{devtoolsURL: devtoolsURL, log: log}
}

// NewPage creates a blank tab and attaches to it.
func (e *CDP) NewPage(ctx context.Context) (Page, error) {
	dt := devtool.New(e.devtoolsURL)
	target, err := dt.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	// The connection outlives ctx; it is torn down by Close.
	pctx, cancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		_ = dt.Close(context.Background(), target)
		return nil, fmt.Errorf("dial target: %w", err)
	}
	p := &cdpPage{
		dt:      dt,
		target:  target,
		conn:    conn,
		client:  cdp.NewClient(conn),
		ctx:     pctx,
		cancel:  cancel,
		log:     e.log.With(slog.String("target", string(target.ID))),
		pending: make(map[network.RequestID]Response),
	}
	if err := p.enable(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

type cdpPage struct {
	dt     *devtool.DevTools
	target *devtool.Target
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu         sync.Mutex
	onResponse []func(Response)
	onConsole  []func(string)
	pending    map[network.RequestID]Response

	closeOnce sync.Once
	closeErr  error
}

func (p *cdpPage) enable(ctx context.Context) error {
	if err := p.client.Network.Enable(ctx, network.NewEnableArgs()); err != nil {
		return fmt.Errorf("network enable: %w", err)
	}
	if err := p.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("page enable: %w", err)
	}
	if err := p.client.Runtime.Enable(ctx); err != nil {
		return fmt.Errorf("runtime enable: %w", err)
	}

	received, err := p.client.Network.ResponseReceived(p.ctx)
	if err != nil {
		return err
	}
	finished, err := p.client.Network.LoadingFinished(p.ctx)
	if err != nil {
		received.Close()
		return err
	}
	console, err := p.client.Runtime.ConsoleAPICalled(p.ctx)
	if err != nil {
		received.Close()
		finished.Close()
		return err
	}

	go p.consumeResponses(received)
	go p.consumeFinished(finished)
	go p.consumeConsole(console)
	return nil
}

func (p *cdpPage) consumeResponses(stream network.ResponseReceivedClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		resp := Response{
			URL:          ev.Response.URL,
			Status:       ev.Response.Status,
			ContentType:  headerValue(ev.Response.Headers, "content-type"),
			ResourceType: string(ev.Type),
		}
		if resp.ContentType == "" {
			resp.ContentType = ev.Response.MimeType
		}
		if WantsBody(resp.ResourceType, resp.ContentType) {
			// The body is only available once loading finished.
			p.mu.Lock()
			p.pending[ev.RequestID] = resp
			p.mu.Unlock()
			continue
		}
		p.emitResponse(resp)
	}
}

func (p *cdpPage) consumeFinished(stream network.LoadingFinishedClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		p.mu.Lock()
		resp, ok := p.pending[ev.RequestID]
		delete(p.pending, ev.RequestID)
		p.mu.Unlock()
		if !ok {
			continue
		}
		resp.Body = p.readBody(ev.RequestID)
		p.emitResponse(resp)
	}
}

func (p *cdpPage) readBody(id network.RequestID) string {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	reply, err := p.client.Network.GetResponseBody(ctx, network.NewGetResponseBodyArgs(id))
	if err != nil {
		p.log.Debug("response body unavailable", slog.String("error", err.Error()))
		return ""
	}
	body := reply.Body
	if reply.Base64Encoded {
		b, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return ""
		}
		body = string(b)
	}
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}
	return body
}

func (p *cdpPage) consumeConsole(stream runtime.ConsoleAPICalledClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		for _, arg := range ev.Args {
			if len(arg.Value) == 0 {
				continue
			}
			var text string
			if err := json.Unmarshal(arg.Value, &text); err != nil {
				continue
			}
			p.emitConsole(text)
		}
	}
}

func (p *cdpPage) emitResponse(resp Response) {
	p.mu.Lock()
	handlers := p.onResponse
	p.mu.Unlock()
	for _, h := range handlers {
		h(resp)
	}
}

func (p *cdpPage) emitConsole(text string) {
	p.mu.Lock()
	handlers := p.onConsole
	p.mu.Unlock()
	for _, h := range handlers {
		h(text)
	}
}

func (p *cdpPage) OnResponse(handler func(Response)) {
	p.mu.Lock()
	p.onResponse = append(p.onResponse, handler)
	p.mu.Unlock()
}

func (p *cdpPage) OnConsole(handler func(string)) {
	p.mu.Lock()
	p.onConsole = append(p.onConsole, handler)
	p.mu.Unlock()
}

func (p *cdpPage) AddInitScript(ctx context.Context, source string) error {
	if p.ctx.Err() != nil {
		return ErrPageClosed
	}
	_, err := p.client.Page.AddScriptToEvaluateOnNewDocument(ctx, page.NewAddScriptToEvaluateOnNewDocumentArgs(source))
	return err
}

func (p *cdpPage) Goto(ctx context.Context, url string) error {
	if p.ctx.Err() != nil {
		return ErrPageClosed
	}
	loaded, err := p.client.Page.LoadEventFired(ctx)
	if err != nil {
		return err
	}
	defer loaded.Close()

	reply, err := p.client.Page.Navigate(ctx, page.NewNavigateArgs(url))
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return fmt.Errorf("navigate: %s", *reply.ErrorText)
	}
	if _, err := loaded.Recv(); err != nil {
		return fmt.Errorf("wait for load: %w", err)
	}
	return nil
}

func (p *cdpPage) Evaluate(ctx context.Context, expr string) (string, error) {
	if p.ctx.Err() != nil {
		return "", ErrPageClosed
	}
	args := runtime.NewEvaluateArgs(expr).SetReturnByValue(true)
	reply, err := p.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return "", err
	}
	if reply.ExceptionDetails != nil {
		return "", fmt.Errorf("evaluate: %s", reply.ExceptionDetails.Text)
	}
	return string(reply.Result.Value), nil
}

// Close detaches from and closes the tab. Only the first call has an effect.
func (p *cdpPage) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		if err := p.conn.Close(); err != nil {
			p.closeErr = err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.dt.Close(ctx, p.target); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
	})
	return p.closeErr
}

func headerValue(headers network.Headers, name string) string {
	if len(headers) == 0 {
		return ""
	}
	var v string
	gjson.ParseBytes(headers).ForEach(func(k, val gjson.Result) bool {
		if strings.EqualFold(k.String(), name) {
			v = val.String()
			return false
		}
		return true
	})
	return v
}
