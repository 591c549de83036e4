package hostauth

import (
	"context"
	"fmt"
	"io"

	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/pkg/browser"
)

func init() {
	// The opener's helper processes must not write into CLI output.
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
}

// SystemBrowser opens URLs in the user's default browser.
type SystemBrowser struct{}

func (SystemBrowser) Open(_ context.Context, url string) error {
	log.LogDebugWithFields("hostauth", "Opening system browser", nil)
	if err := browser.OpenURL(url); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}

// Dismiss is a no-op: a desktop browser tab cannot be closed from outside.
// The callback page tells the user to close it instead.
func (SystemBrowser) Dismiss() {}

// Navigate opens url in the browser. The return navigation lands there, and
// the user hands the final URL back to the shell.
func (b SystemBrowser) Navigate(ctx context.Context, url string) error {
	return b.Open(ctx, url)
}
