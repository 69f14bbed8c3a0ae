package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Challenge is what the user needs to complete sign-in on another device.
type Challenge struct {
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Message                 string
	ExpiresAt               time.Time
}

// ChallengeHandler presents a device-code challenge to the user. It is
// called once per device-code flow; returning an error aborts the flow.
type ChallengeHandler interface {
	Challenge(ctx context.Context, c Challenge) error
}

// ChallengeFunc adapts a function to a ChallengeHandler.
type ChallengeFunc func(ctx context.Context, c Challenge) error

func (f ChallengeFunc) Challenge(ctx context.Context, c Challenge) error {
	return f(ctx, c)
}

func newChallenge(resp *oauth2.DeviceAuthResponse) Challenge {
	return Challenge{
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		Message: fmt.Sprintf("To sign in, use a web browser to open the page %s and enter the code %s to authenticate.",
			resp.VerificationURI, resp.UserCode),
		ExpiresAt: resp.Expiry,
	}
}
