// Package auth provides bearer-token credentials for the invest API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/credentials"
)

// Header names sent on every stream open. Lowercase so they are valid
// gRPC metadata keys as well as HTTP headers.
const (
	HeaderAuthorization = "authorization"
	HeaderAppName       = "x-app-name"
	HeaderTrackingID    = "x-tracking-id"
)

// TokenEnv is the environment variable consulted when no token is configured.
const TokenEnv = "INVEST_TOKEN"

// ErrMissingToken is returned when no token can be found.
var ErrMissingToken = errors.New("api token is required")

// Credentials holds the API token and the application name reported to
// the server.
type Credentials struct {
	Token   string
	AppName string
}

// LoadCredentials resolves the token from, in order: token, the contents
// of tokenFile, and the INVEST_TOKEN environment variable.
func LoadCredentials(token, tokenFile, appName string) (*Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" && tokenFile != "" {
		t, err := LoadToken(tokenFile)
		if err != nil {
			return nil, err
		}
		token = t
	}
	if token == "" {
		token = strings.TrimSpace(os.Getenv(TokenEnv))
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	return &Credentials{
		Token:   token,
		AppName: appName,
	}, nil
}

// LoadToken reads a token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s: %w", path, ErrMissingToken)
	}
	return token, nil
}

// NewTrackingID returns a fresh id for correlating one stream with server logs.
func NewTrackingID() string {
	return uuid.NewString()
}

// Headers returns the authentication headers for one stream open.
func (c *Credentials) Headers(trackingID string) map[string]string {
	h := map[string]string{
		HeaderAuthorization: "Bearer " + c.Token,
	}
	if c.AppName != "" {
		h[HeaderAppName] = c.AppName
	}
	if trackingID != "" {
		h[HeaderTrackingID] = trackingID
	}
	return h
}

// PerRPC adapts the credentials to gRPC. Each RPC gets its own tracking id.
func (c *Credentials) PerRPC(requireTLS bool) credentials.PerRPCCredentials {
	return perRPC{creds: c, requireTLS: requireTLS}
}

type perRPC struct {
	creds      *Credentials
	requireTLS bool
}

func (p perRPC) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return p.creds.Headers(NewTrackingID()), nil
}

func (p perRPC) RequireTransportSecurity() bool {
	return p.requireTLS
}
