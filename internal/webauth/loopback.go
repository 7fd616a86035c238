package webauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thellimist/oidcauth/internal/auth"
	"github.com/thellimist/oidcauth/internal/logger"
)

// LoopbackSurface opens the authorization URL in the system browser and
// listens on the loopback redirect URI for the response. The redirect URI is
// taken from the authorization URL's redirect_uri parameter and must name
// an explicit port on 127.0.0.1, ::1 or localhost.
type LoopbackSurface struct {
	// Open defaults to auth.OpenBrowser.
	Open func(string) error
	// Out receives the manual fallback instructions. Defaults to os.Stderr.
	Out io.Writer
	Log *zap.SugaredLogger

	mu     sync.Mutex
	server *http.Server
}

// LoadRequest implements Surface.
func (l *LoopbackSurface) LoadRequest(ctx context.Context, authURL string, nav Navigation) error {
	log := l.Log
	if log == nil {
		log = logger.Get()
	}
	start, err := url.Parse(authURL)
	if err != nil {
		return fmt.Errorf("parse authorization URL: %w", err)
	}
	redirect, err := loopbackRedirect(start.Query().Get("redirect_uri"))
	if err != nil {
		return err
	}
	if !nav.DidStartLoad(start) {
		return nil
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}

	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		full := *redirect
		full.Path = r.URL.Path
		full.RawQuery = r.URL.RawQuery
		writeCallbackPage(w, r.URL.Query())
		nav.DidStartLoad(&full)
		nav.DidFinishLoad(&full)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	l.mu.Lock()
	if l.server != nil {
		l.mu.Unlock()
		_ = ln.Close()
		return errors.New("loopback surface is already loading a request")
	}
	l.server = srv
	l.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nav.DidFailLoad(fmt.Errorf("callback server: %w", err))
		}
	}()

	open := l.Open
	if open == nil {
		open = auth.OpenBrowser
	}
	if err := open(authURL); err != nil {
		log.Debugw("Could not open browser automatically", "error", err)
	}
	out := l.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "If the browser doesn't open, visit:\n%s\n\n", authURL)
	fmt.Fprintln(out, "Waiting for authorization...")

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			l.stopServer(srv)
		}()
	}
	return nil
}

// Stop implements Surface.
func (l *LoopbackSurface) Stop() {
	l.mu.Lock()
	srv := l.server
	l.mu.Unlock()
	if srv != nil {
		l.stopServer(srv)
	}
}

func (l *LoopbackSurface) stopServer(srv *http.Server) {
	l.mu.Lock()
	if l.server == srv {
		l.server = nil
	}
	l.mu.Unlock()

	// Let the browser receive the result page before the listener goes away.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func loopbackRedirect(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("authorization URL has no redirect_uri")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redirect_uri: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("loopback redirect_uri must use http, got %q", u.Scheme)
	}
	switch u.Hostname() {
	case "127.0.0.1", "::1", "localhost":
	default:
		return nil, fmt.Errorf("redirect_uri host %q is not a loopback address", u.Hostname())
	}
	if u.Port() == "" {
		return nil, errors.New("loopback redirect_uri must include a port")
	}
	return u, nil
}

func writeCallbackPage(w http.ResponseWriter, q url.Values) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if oauthErr := q.Get("error"); oauthErr != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>%s: %s</p></body></html>",
			html.EscapeString(oauthErr), html.EscapeString(q.Get("error_description")))
		return
	}
	if strings.TrimSpace(q.Get("code")) == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "<html><body><h1>Missing authorization code</h1></body></html>")
		return
	}
	w.WriteHeader(http.StatusOK)
	// The coordinator verifies state after this page is served.
	fmt.Fprint(w, "<html><body><h1>Sign-in response received</h1><p>You can close this window and return to the terminal to see the result.</p></body></html>")
}
