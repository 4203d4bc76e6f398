// Package browser drives the headless browser that renders the forum for an
// account and bridges the scripted session's cookies into it.
package browser

import (
	"context"

	"github.com/JakeFAU/linuxdo-checkin/internal/session"
)

// Page is one browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	SetCookies(ctx context.Context, cookies []session.Cookie) error
	ClearCookies(ctx context.Context) error
	// Exists reports whether selector matches at least one element.
	Exists(ctx context.Context, selector string) (bool, error)
	HTML(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, expression string, out any) error
	Click(ctx context.Context, selector string) error
	// Links returns the resolved href of every element matching selector.
	Links(ctx context.Context, selector string) ([]string, error)
	URL(ctx context.Context) (string, error)
	Close() error
}

// Browser owns a running browser engine and opens tabs in it.
type Browser interface {
	OpenPage(ctx context.Context) (Page, error)
	Close() error
}
