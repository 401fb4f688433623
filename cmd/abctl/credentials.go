package main

import (
	"github.com/spf13/cobra"

	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/fulfill"
)

type credentialFlags struct {
	user         string
	password     string
	clientKey    string
	clientSecret string
	issuer       string
	bearerSecret string
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.user, "user", "", "User for basic, overdrive or scheme-specific credentials")
	fs.StringVar(&f.password, "password", "", "Password")
	fs.StringVar(&f.clientKey, "client-key", "", "OverDrive client key")
	fs.StringVar(&f.clientSecret, "client-secret", "", "OverDrive client secret")
	fs.StringVar(&f.issuer, "issuer", "", "Bearer token issuer URL")
	fs.StringVar(&f.bearerSecret, "bearer-secret", "", "Base64 bearer token signing secret")
}

func (f *credentialFlags) set() bool {
	return f.user != "" || f.password != "" || f.clientKey != "" || f.clientSecret != "" || f.issuer != "" || f.bearerSecret != ""
}

// credentials picks the credential kind from the flags that were given.
func (f *credentialFlags) credentials() (fulfill.Credentials, error) {
	switch {
	case f.bearerSecret != "" || f.issuer != "":
		secret, err := fulfill.DecodeSecret(f.bearerSecret)
		if err != nil {
			return nil, errordefs.Wrap(errordefs.AB_CONFIGURATION, "invalid --bearer-secret", err)
		}
		return fulfill.SchemeSpecific{User: f.user, Password: f.password, IssuerURL: f.issuer, BearerTokenSecret: secret}, nil
	case f.clientKey != "" || f.clientSecret != "":
		if f.user == "" || f.clientKey == "" || f.clientSecret == "" {
			return nil, errordefs.New(errordefs.AB_CONFIGURATION, "overdrive credentials need --user, --client-key and --client-secret")
		}
		return fulfill.Overdrive{User: f.user, Password: f.password, ClientKey: f.clientKey, ClientSecret: f.clientSecret}, nil
	case f.user != "":
		return fulfill.Basic{User: f.user, Password: f.password}, nil
	case f.password != "":
		return nil, errordefs.New(errordefs.AB_CONFIGURATION, "--password given without --user")
	}
	return fulfill.None{}, nil
}
