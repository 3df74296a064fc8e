// Package connections manages the auth material HTTP destination targets
// use: named connections holding API-key, basic, or OAuth client-credentials
// profiles, and API destinations binding an endpoint to a connection.
// Secrets are encrypted at rest and decrypted only on resolve.
package connections

import (
	"context"
	"time"
)

// AuthType identifies the authorization scheme a connection carries.
type AuthType string

const (
	AuthAPIKey                 AuthType = "API_KEY"
	AuthBasic                  AuthType = "BASIC"
	AuthOAuthClientCredentials AuthType = "OAUTH_CLIENT_CREDENTIALS"
)

// AuthProfile is the decrypted auth material for one connection. Only the
// fields matching Type are populated.
type AuthProfile struct {
	Type AuthType `json:"type"`

	// API_KEY
	APIKeyName  string `json:"apiKeyName,omitempty"`
	APIKeyValue string `json:"apiKeyValue,omitempty"`

	// BASIC
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// OAUTH_CLIENT_CREDENTIALS
	TokenEndpoint string `json:"tokenEndpoint,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// Connection is the stored record for an auth profile.
type Connection struct {
	Name         string      `json:"name"`
	ARN          string      `json:"arn"`
	Description  string      `json:"description,omitempty"`
	AuthType     AuthType    `json:"authType"`
	Auth         AuthProfile `json:"-"`
	CreationTime time.Time   `json:"creationTime"`
}

// Destination is a callable HTTP endpoint bound to a connection. When
// BatchSupport is set, a whole payload batch is delivered as one JSON array
// request instead of one request per payload.
type Destination struct {
	Name          string    `json:"name"`
	ARN           string    `json:"arn"`
	Description   string    `json:"description,omitempty"`
	Endpoint      string    `json:"invocationEndpoint"`
	HTTPMethod    string    `json:"httpMethod"`
	ConnectionARN string    `json:"connectionArn"`
	BatchSupport  bool      `json:"batchSupport"`
	CreationTime  time.Time `json:"creationTime"`
}

// Resolver hands dispatchers the auth and endpoint material they need at
// send time.
type Resolver interface {
	ResolveConnection(ctx context.Context, connectionARN string) (*AuthProfile, error)
	ResolveDestination(ctx context.Context, destinationARN string) (*Destination, error)
}
