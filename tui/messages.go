package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that a stored token was loaded.
type MsgTokensFound struct{ Source string }

// MsgTokenValid signals that the stored access token can be used as is.
type MsgTokenValid struct{ State string }

// MsgTokenExpired signals that the stored token will be refreshed on first use.
type MsgTokenExpired struct{}

// MsgTokensNotFound signals that no usable token was stored.
type MsgTokensNotFound struct{}

// MsgAuthURLReady signals that the browser authorization URL is ready.
type MsgAuthURLReady struct {
	URL    string
	Expiry time.Time
}

// MsgWaitingForCallback signals that the redirect listener is running.
type MsgWaitingForCallback struct{ RedirectURI string }

// MsgSigningIn signals a resource-owner password grant.
type MsgSigningIn struct{ Username string }

// MsgAuthSuccess signals that a token was issued.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that the token was persisted.
type MsgTokenSaved struct{ Location string }

// MsgTokenSaveFailed signals that persisting the token failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgTokenRefreshed signals a background or reactive refresh.
type MsgTokenRefreshed struct{ ExpiresIn time.Duration }

// MsgCallingAPI signals that the vehicle API is being queried.
type MsgCallingAPI struct{}

// MsgVehiclesListed carries the vehicle names returned by the API.
type MsgVehiclesListed struct{ Names []string }

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgReAuthRequired signals that the refresh token was rejected.
type MsgReAuthRequired struct{}

// MsgMetricsServing signals that the metrics endpoint is listening.
type MsgMetricsServing struct{ Addr string }

// MsgDone signals successful completion.
type MsgDone struct {
	Preview   string
	TokenType string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
