package credentials

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ClientCredentials identifies this application to the OAuth provider.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
}

// IsZero reports whether no client credentials were loaded.
func (c ClientCredentials) IsZero() bool {
	return c.ClientID == ""
}

// clientCredentialsFile mirrors the Google credential file layout. Desktop
// clients carry an "installed" stanza, web clients a "web" stanza.
type clientCredentialsFile struct {
	Installed *clientCredentialsStanza `json:"installed"`
	Web       *clientCredentialsStanza `json:"web"`
}

type clientCredentialsStanza struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	RedirectURIs []string `json:"redirect_uris"`
}

// LoadClientCredentials reads and parses a Google-style client credentials
// file from disk.
func LoadClientCredentials(path string) (ClientCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientCredentials{}, fmt.Errorf("reading client credentials file: %w", err)
	}
	creds, err := ParseClientCredentials(data)
	if err != nil {
		return ClientCredentials{}, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// ParseClientCredentials parses the raw JSON form of a client credentials
// file, accepting either the "installed" or the "web" stanza.
func ParseClientCredentials(data []byte) (ClientCredentials, error) {
	var f clientCredentialsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientCredentials{}, fmt.Errorf("parsing client credentials: %w", err)
	}
	stanza := f.Installed
	if stanza == nil {
		stanza = f.Web
	}
	if stanza == nil {
		return ClientCredentials{}, fmt.Errorf("client credentials: neither installed nor web section present")
	}
	if stanza.ClientID == "" {
		return ClientCredentials{}, fmt.Errorf("client credentials: missing client_id")
	}
	creds := ClientCredentials{
		ClientID:     stanza.ClientID,
		ClientSecret: stanza.ClientSecret,
		AuthURL:      stanza.AuthURI,
		TokenURL:     stanza.TokenURI,
	}
	if len(stanza.RedirectURIs) > 0 {
		creds.RedirectURL = stanza.RedirectURIs[0]
	}
	return creds, nil
}

// OAuth2Config builds the oauth2 configuration for these credentials. The
// Google endpoints are used when the credentials file does not name its own.
func (c ClientCredentials) OAuth2Config(scopes []string) *oauth2.Config {
	endpoint := google.Endpoint
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}
