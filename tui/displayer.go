package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output of the CLI.
type Displayer interface {
	Banner()
	TokensFound(source string)
	TokenValid(state string)
	TokenExpired()
	TokensNotFound()
	AuthURLReady(url string, expiry time.Time)
	WaitingForCallback(redirectURI string)
	SigningIn(username string)
	AuthSuccess()
	TokenSaved(location string)
	TokenSaveFailed(err error)
	TokenRefreshed(expiresIn time.Duration)
	CallingAPI()
	VehiclesListed(names []string)
	APICallFailed(err error)
	ReAuthRequired()
	MetricsServing(addr string)
	Done(preview, tokenType string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Vehicle Link: OAuth2 Authorization Code + PKCE ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) TokensFound(source string) {
	fmt.Fprintf(p.w, "Found stored token in %s\n", source)
}

func (p *PlainDisplayer) TokenValid(state string) {
	fmt.Fprintf(p.w, "Access token is usable (%s)\n", state)
}

func (p *PlainDisplayer) TokenExpired() {
	fmt.Fprintln(p.w, "Access token expired, it will be refreshed on first use...")
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No usable token found, starting authorization...")
}

func (p *PlainDisplayer) AuthURLReady(url string, expiry time.Time) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", url)
	fmt.Fprintf(p.w, "\nThe link is valid until %s\n", expiry.Format(time.Kitchen))
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) WaitingForCallback(redirectURI string) {
	fmt.Fprintf(p.w, "Waiting for the redirect to %s...\n", redirectURI)
}

func (p *PlainDisplayer) SigningIn(username string) {
	fmt.Fprintf(p.w, "Signing in as %s...\n", username)
}

func (p *PlainDisplayer) AuthSuccess() {
	fmt.Fprintln(p.w, "\nAuthorization successful!")
}

func (p *PlainDisplayer) TokenSaved(location string) {
	fmt.Fprintf(p.w, "Token saved to %s\n", location)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: Failed to save token: %v\n", err)
}

func (p *PlainDisplayer) TokenRefreshed(expiresIn time.Duration) {
	fmt.Fprintf(p.w, "Access token refreshed, expires in %s\n", expiresIn.Round(time.Second))
}

func (p *PlainDisplayer) CallingAPI() {
	fmt.Fprintln(p.w, "\nListing vehicles...")
}

func (p *PlainDisplayer) VehiclesListed(names []string) {
	if len(names) == 0 {
		fmt.Fprintln(p.w, "No vehicles on this account")
		return
	}
	fmt.Fprintf(p.w, "Vehicles: %s\n", strings.Join(names, ", "))
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) ReAuthRequired() {
	fmt.Fprintln(p.w, "Refresh token rejected, re-authorizing...")
}

func (p *PlainDisplayer) MetricsServing(addr string) {
	fmt.Fprintf(p.w, "Serving metrics on %s/metrics\n", addr)
}

func (p *PlainDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Token Info:")
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	fmt.Fprintf(p.w, "Token Type: %s\n", tokenType)
	fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner() {}
func (NoopDisplayer) TokensFound(_ string) {}
func (NoopDisplayer) TokenValid(_ string) {}
func (NoopDisplayer) TokenExpired() {}
func (NoopDisplayer) TokensNotFound() {}
func (NoopDisplayer) AuthURLReady(_ string, _ time.Time) {}
func (NoopDisplayer) WaitingForCallback(_ string) {}
func (NoopDisplayer) SigningIn(_ string) {}
func (NoopDisplayer) AuthSuccess() {}
func (NoopDisplayer) TokenSaved(_ string) {}
func (NoopDisplayer) TokenSaveFailed(_ error) {}
func (NoopDisplayer) TokenRefreshed(_ time.Duration) {}
func (NoopDisplayer) CallingAPI() {}
func (NoopDisplayer) VehiclesListed(_ []string) {}
func (NoopDisplayer) APICallFailed(_ error) {}
func (NoopDisplayer) ReAuthRequired() {}
func (NoopDisplayer) MetricsServing(_ string) {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration) {}
func (NoopDisplayer) Fatal(_ error) {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) TokensFound(source string) {
	t.p.Send(MsgTokensFound{Source: source})
}

func (t *ProgramDisplayer) TokenValid(state string) {
	t.p.Send(MsgTokenValid{State: state})
}

func (t *ProgramDisplayer) TokenExpired() {
	t.p.Send(MsgTokenExpired{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) AuthURLReady(url string, expiry time.Time) {
	t.p.Send(MsgAuthURLReady{URL: url, Expiry: expiry})
}

func (t *ProgramDisplayer) WaitingForCallback(redirectURI string) {
	t.p.Send(MsgWaitingForCallback{RedirectURI: redirectURI})
}

func (t *ProgramDisplayer) SigningIn(username string) {
	t.p.Send(MsgSigningIn{Username: username})
}

func (t *ProgramDisplayer) AuthSuccess() {
	t.p.Send(MsgAuthSuccess{})
}

func (t *ProgramDisplayer) TokenSaved(location string) {
	t.p.Send(MsgTokenSaved{Location: location})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) TokenRefreshed(expiresIn time.Duration) {
	t.p.Send(MsgTokenRefreshed{ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) CallingAPI() {
	t.p.Send(MsgCallingAPI{})
}

func (t *ProgramDisplayer) VehiclesListed(names []string) {
	t.p.Send(MsgVehiclesListed{Names: names})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) ReAuthRequired() {
	t.p.Send(MsgReAuthRequired{})
}

func (t *ProgramDisplayer) MetricsServing(addr string) {
	t.p.Send(MsgMetricsServing{Addr: addr})
}

func (t *ProgramDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, TokenType: tokenType, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
