package auth

import (
	"io"

	"github.com/pkg/browser"
)

// OpenBrowser opens the given URL in the user's default browser.
// It is a variable so tests can override it.
var OpenBrowser = openBrowser

func openBrowser(url string) error {
	// Keep the launched browser's chatter off the terminal.
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return browser.OpenURL(url)
}
