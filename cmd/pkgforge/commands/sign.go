package commands

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/identity"
)

// SignCmd implements the 'sign' command.
type SignCmd struct {
	Key    string `short:"k" help:"Private key file" default:"pkgforge.key" type:"existingfile"`
	Method string `short:"X" help:"HTTP method the header is bound to" default:"POST"`
	URL    string `arg:"" help:"Exact request URL, e.g. https://forge.example/api/auth/exchange"`
}

func (s *SignCmd) Run(_ *Global, _ *CLI) error {
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.ValidationError("url must be an absolute http(s) URL").WithContext("url", s.URL).Build()
	}
	priv, err := identity.LoadPrivateKey(s.Key)
	if err != nil {
		return errors.WrapError(err, errors.CategoryValidation, "unusable key file").Build()
	}
	header, err := identity.SignAssertion(priv, strings.ToUpper(s.Method), s.URL, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Authorization: %s\n", header)
	return nil
}
