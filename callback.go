package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var errStateMismatch = errors.New("state parameter mismatch: possible CSRF, authorization aborted")

// callbackResult is the outcome of the authorization redirect.
type callbackResult struct {
	code string
	err  error
}

const callbackPage = `<!DOCTYPE html>
<html><head><title>Vehicle Link</title></head>
<body><h3>%s</h3><p>You can close this window and return to the terminal.</p></body></html>`

// callbackHandler accepts the first redirect carrying expectedState and
// reports it on results.
func callbackHandler(expectedState string, results chan<- callbackResult) http.Handler {
	var once sync.Once
	deliver := func(r callbackResult) {
		once.Do(func() { results <- r })
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if q.Get("state") != expectedState {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Authorization failed: invalid state")
			deliver(callbackResult{err: errStateMismatch})
			return
		}

		if e := q.Get("error"); e != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Authorization failed")
			if desc := q.Get("error_description"); desc != "" {
				e = e + ": " + desc
			}
			deliver(callbackResult{err: fmt.Errorf("authorization denied: %s", e)})
			return
		}

		code := q.Get("code")
		if code == "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Authorization failed: missing code")
			deliver(callbackResult{err: errors.New("authorization response is missing the code")})
			return
		}

		fmt.Fprintf(w, callbackPage, "Authorization successful")
		deliver(callbackResult{code: code})
	})
}

// waitForCallback listens on redirectURI until the provider redirects back,
// the timeout elapses or ctx is cancelled.
func waitForCallback(ctx context.Context, redirectURI, state string, timeout time.Duration) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", u.Host, err)
	}
	return serveCallback(ctx, ln, path, state, timeout)
}

func serveCallback(ctx context.Context, ln net.Listener, path, state string, timeout time.Duration) (string, error) {
	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.Handle(path, callbackHandler(state, results))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		return res.code, res.err
	case <-timer.C:
		return "", fmt.Errorf("timed out after %s waiting for authorization", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
