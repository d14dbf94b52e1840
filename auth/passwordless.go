package auth

import (
	"context"
	"errors"
	"io"

	"github.com/johnsto/go-passwordless"
)

// ErrLoginDisabled is returned by Request and Verify when EnablePasswordless was not called
var ErrLoginDisabled = errors.New("passwordless login is not enabled")

// Request will send a link to email with the login token
func (a *Auth) Request(ctx context.Context, uid, recipient string) error {
	if a.pw == nil {
		return ErrLoginDisabled
	}
	return a.pw.RequestToken(ctx, a.transport, uid, recipient)
}

// Verify checks if the login token is valid and corresonds to the user
func (a *Auth) Verify(ctx context.Context, uid, token string) (bool, error) {
	if a.pw == nil {
		return false, ErrLoginDisabled
	}
	valid, err := a.pw.VerifyToken(ctx, uid, token)
	switch err {
	case passwordless.ErrNoResponseWriter, passwordless.ErrNoStore, passwordless.ErrNoTransport, passwordless.ErrNotValidForContext:
		return valid, err
	default:
		return valid, nil
	}
}

func composeFuncGetter(options EmailOption) passwordless.ComposerFunc {
	return func(ctx context.Context, token, uid, recipient string, w io.Writer) error {
		e := &passwordless.Email{
			Subject: "Sign in to manage your " + options.Name + " subscriptions",
			To:      recipient,
		}

		link := options.LinkGenerator(uid, token)

		text := "Someone asked to sign in to " + options.Name + " to manage the subscriptions of this address.\n\n" +
			"The code " + token + " expires in 15 minutes. You can also open " + link + "\n\n" +
			"Nothing changes on your subscriptions if you ignore this email."
		html := "<!doctype html><html><body>" +
			"<p>Someone asked to sign in to " + options.Name + " to manage the subscriptions of this address.</p>" +
			"<p>The code <b>" + token + "</b> expires in 15 minutes. You can also <a href=\"" + link + "\">" +
			"sign in directly</a>.</p>" +
			"<p>Nothing changes on your subscriptions if you ignore this email.</p></body></html>"

		e.AddBody("text/plain", text)
		e.AddBody("text/html", html)

		_, err := e.Write(w)

		return err
	}
}
