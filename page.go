package stealthdp

import (
	"context"
	"sync"
)

// Page is a page of a browser. Pages share the browser's session, so they
// share its current browsing context too; a page tracks its own stealth
// registration state.
type Page struct {
	id string
	b  *Browser

	mu     sync.Mutex
	armed  bool
	gen    int
	closed bool
}

// ID returns the page id.
func (p *Page) ID() string {
	return p.id
}

// Browser returns the browser the page belongs to.
func (p *Page) Browser() *Browser {
	return p.b
}

// arm marks the script registration made on generation gen of the browser
// as pending for the next navigation.
func (p *Page) arm(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = !p.b.injector.Plan().Empty()
	p.gen = gen
}

func (p *Page) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPageClosed
	}
	return nil
}

// Navigate loads urlstr. Unless a registration is still pending from page
// creation or a frame switch, the disguise script is registered again, and
// acknowledged, before the navigation is issued.
func (p *Page) Navigate(ctx context.Context, urlstr string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPageClosed
	}
	armed := p.armed && p.gen == p.b.generation()
	p.armed = false
	p.mu.Unlock()

	if !armed {
		if err := p.b.injector.Apply(ctx, p.b.session, BeforeNavigation); err != nil {
			return err
		}
	}
	return p.b.session.Navigate(ctx, urlstr)
}

// Evaluate runs script as a function body, decoding its return value into
// res (which may be nil).
func (p *Page) Evaluate(ctx context.Context, script string, res interface{}, args ...interface{}) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.b.session.ExecuteScript(ctx, script, args, res)
}

// Title returns the document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.b.session.Title(ctx)
}

// URL returns the document URL.
func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.b.session.CurrentURL(ctx)
}

// Content returns the serialized document.
func (p *Page) Content(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.b.session.PageSource(ctx)
}

// SwitchToFrame switches to a child frame, selected by index (int) or
// element reference (string), and applies FrameAttached to it.
func (p *Page) SwitchToFrame(ctx context.Context, frame interface{}) error {
	if err := p.check(); err != nil {
		return err
	}
	if err := p.b.session.SwitchToFrame(ctx, frame); err != nil {
		return err
	}
	gen := p.b.generation()
	if err := p.b.injector.Apply(ctx, p.b.session, FrameAttached); err != nil {
		return err
	}
	p.arm(gen)
	return nil
}

// SwitchToParentFrame switches to the parent of the current frame.
func (p *Page) SwitchToParentFrame(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.b.session.SwitchToParentFrame(ctx)
}

// WaitForSelector waits until an element matching selector satisfies cond,
// returning the matching element references.
func (p *Page) WaitForSelector(ctx context.Context, selector string, cond ElementCondition, opts ...PollOption) ([]string, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return WaitSelector(ctx, p.b.session, selector, cond, opts...)
}

// WaitForLoadState waits until the document reaches state.
func (p *Page) WaitForLoadState(ctx context.Context, state LoadState, opts ...PollOption) error {
	if err := p.check(); err != nil {
		return err
	}
	return WaitLoadState(ctx, p.b.session, state, opts...)
}

// Close closes the page and removes it from the browser's pages. Every later
// page operation fails with ErrPageClosed; the browser stays open.
func (p *Page) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.b.removePage(p)
}
