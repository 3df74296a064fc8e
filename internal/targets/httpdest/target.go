// Package httpdest dispatches payloads to API destinations: HTTP endpoints
// resolved from the connection store together with the auth profile of the
// connection they are bound to.
package httpdest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/connections"
	"event-pipes/internal/model"
	"event-pipes/internal/targets"
	"event-pipes/internal/transform"
)

const defaultTimeout = 30 * time.Second

// Target delivers payloads to one API destination. Destinations declaring
// batch support receive the whole batch as a single JSON array request;
// otherwise each payload is its own request.
type Target struct {
	destinationARN string
	resolver       connections.Resolver
	httpParams     *model.HTTPParameters
	client         *http.Client
	logger         logging.Logger

	// OAuth client-credentials token cache
	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(destinationARN string, resolver connections.Resolver, params model.TargetParameters, logger logging.Logger) *Target {
	return &Target{
		destinationARN: destinationARN,
		resolver:       resolver,
		httpParams:     params.HTTPParameters,
		client:         &http.Client{Timeout: defaultTimeout},
		logger:         logger,
	}
}

func (t *Target) Dispatch(ctx context.Context, payloads []transform.Payload) []targets.Outcome {
	outcomes := make([]targets.Outcome, len(payloads))
	for i := range outcomes {
		outcomes[i].Index = i
	}

	dest, err := t.resolver.ResolveDestination(ctx, t.destinationARN)
	if err != nil {
		return failAll(outcomes, err)
	}
	profile, err := t.resolver.ResolveConnection(ctx, dest.ConnectionARN)
	if err != nil {
		return failAll(outcomes, err)
	}

	if dest.BatchSupport {
		err := targets.WithRetry(ctx, targets.DefaultRetryMax, targets.DefaultRetryBackoff, func() error {
			return t.send(ctx, dest, profile, batchBody(payloads))
		})
		if err != nil {
			return failAll(outcomes, err)
		}
		return outcomes
	}

	for i, p := range payloads {
		body := p.Body
		outcomes[i].Err = targets.WithRetry(ctx, targets.DefaultRetryMax, targets.DefaultRetryBackoff, func() error {
			return t.send(ctx, dest, profile, body)
		})
	}
	return outcomes
}

func (t *Target) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *Target) send(ctx context.Context, dest *connections.Destination, profile *connections.AuthProfile, body []byte) error {
	endpoint, err := t.buildURL(dest.Endpoint)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, dest.HTTPMethod, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.TargetInvocationError("failed to build request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headerParams() {
		req.Header.Set(k, v)
	}

	if err := t.authorize(ctx, req, profile); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.TargetInvocationError("request to "+dest.Endpoint+" failed", true, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.TargetInvocationError(fmt.Sprintf("destination returned %d", resp.StatusCode), true, nil)
	default:
		return errors.TargetInvocationError(fmt.Sprintf("destination rejected request with %d", resp.StatusCode), false, nil)
	}
}

// buildURL substitutes path parameter values for "*" segments in the
// endpoint and appends the static query string parameters.
func (t *Target) buildURL(endpoint string) (string, error) {
	if t.httpParams != nil && len(t.httpParams.PathParameterValues) > 0 {
		for _, v := range t.httpParams.PathParameterValues {
			endpoint = strings.Replace(endpoint, "*", url.PathEscape(v), 1)
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.ConfigError("invalid destination endpoint " + endpoint)
	}
	if t.httpParams != nil && len(t.httpParams.QueryStringParameters) > 0 {
		q := u.Query()
		for k, v := range t.httpParams.QueryStringParameters {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *Target) headerParams() map[string]string {
	if t.httpParams == nil {
		return nil
	}
	return t.httpParams.HeaderParameters
}

func (t *Target) authorize(ctx context.Context, req *http.Request, profile *connections.AuthProfile) error {
	switch profile.Type {
	case connections.AuthAPIKey:
		req.Header.Set(profile.APIKeyName, profile.APIKeyValue)
	case connections.AuthBasic:
		req.SetBasicAuth(profile.Username, profile.Password)
	case connections.AuthOAuthClientCredentials:
		token, err := t.bearerToken(ctx, profile)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return errors.AuthResolutionError(fmt.Sprintf("unsupported auth type %q", profile.Type), false, nil)
	}
	return nil
}

// bearerToken fetches a client-credentials token, caching it until shortly
// before expiry.
func (t *Target) bearerToken(ctx context.Context, profile *connections.AuthProfile) (string, error) {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	if t.token != "" && time.Now().Before(t.tokenExpiry) {
		return t.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", profile.ClientID)
	form.Set("client_secret", profile.ClientSecret)
	if profile.Scope != "" {
		form.Set("scope", profile.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.AuthResolutionError("failed to build token request", false, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", errors.AuthResolutionError("token endpoint unreachable", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500
		return "", errors.AuthResolutionError(fmt.Sprintf("token endpoint returned %d", resp.StatusCode), transient, nil)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", errors.AuthResolutionError("invalid token response", false, err)
	}
	if tokenResp.AccessToken == "" {
		return "", errors.AuthResolutionError("token response missing access_token", false, nil)
	}

	expiresIn := tokenResp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	t.token = tokenResp.AccessToken
	t.tokenExpiry = time.Now().Add(time.Duration(expiresIn-30) * time.Second)
	t.logger.Debug("fetched oauth token", logging.String("endpoint", profile.TokenEndpoint))
	return t.token, nil
}

// batchBody joins rendered payloads into one JSON array. Payloads the
// transformer rendered as bare strings are quoted so the array stays valid.
func batchBody(payloads []transform.Payload) []byte {
	bodies := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		if json.Valid(p.Body) {
			bodies[i] = json.RawMessage(p.Body)
			continue
		}
		quoted, _ := json.Marshal(string(p.Body))
		bodies[i] = quoted
	}
	out, _ := json.Marshal(bodies)
	return out
}

func failAll(outcomes []targets.Outcome, err error) []targets.Outcome {
	for i := range outcomes {
		outcomes[i].Err = err
	}
	return outcomes
}
