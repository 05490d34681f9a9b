// Package validate establishes an HTTPS chain of custody for a URL
// before any of its bytes are copied: the redirect chain is walked
// with HEAD requests, checking every hop against the TLS policy and
// the URL allowlist.
package validate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const headTimeout = 60 * time.Second

var (
	ErrInsecureURL      = errors.New("URL is not served over TLS")
	ErrDisallowedURL    = errors.New("URL is not in the allowlist")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrMissingLocation  = errors.New("redirect carries no Location header")
)

type BadHTTPStatusError struct {
	StatusCode int
}

func (err *BadHTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP %d from the origin", err.StatusCode)
}

// Hop is a single step of the validated redirect chain.
type Hop struct {
	Code      int       `json:"code"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"t"`
}

type Result struct {
	FinalURL   string
	Headers    http.Header
	StatusCode int
	Hops       []Hop
}

type Validator struct {
	allowlist    Allowlist
	maxRedirects int
	ensureTLS    bool
	httpClient   *http.Client
}

type Option func(validator *Validator)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(validator *Validator) {
		validator.httpClient = httpClient
	}
}

func New(allowlist Allowlist, maxRedirects int, ensureTLS bool, opts ...Option) *Validator {
	validator := &Validator{
		allowlist:    allowlist,
		maxRedirects: maxRedirects,
		ensureTLS:    ensureTLS,
	}

	for _, opt := range opts {
		opt(validator)
	}

	if validator.httpClient == nil {
		validator.httpClient = &http.Client{
			// Redirects are followed by us, not by the client,
			// since every hop needs to be vetted individually
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return validator
}

//nolint:cyclop // the hop loop reads better as a single unit
func (validator *Validator) Validate(ctx context.Context, rawURL string) (*Result, error) {
	currentURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var hops []Hop

	for i := 0; i < validator.maxRedirects; i++ {
		if validator.ensureTLS && currentURL.Scheme != "https" {
			return nil, fmt.Errorf("%w: %s", ErrInsecureURL, currentURL)
		}

		if !validator.allowlist.Allows(currentURL.String()) {
			return nil, fmt.Errorf("%w: %s", ErrDisallowedURL, currentURL)
		}

		response, err := validator.head(ctx, currentURL.String())
		if err != nil {
			return nil, err
		}

		hops = append(hops, Hop{
			Code:      response.StatusCode,
			URL:       currentURL.String(),
			Timestamp: time.Now().UTC(),
		})

		switch {
		case response.StatusCode >= 200 && response.StatusCode < 300,
			response.StatusCode == http.StatusNotModified:
			return &Result{
				FinalURL:   currentURL.String(),
				Headers:    response.Header,
				StatusCode: response.StatusCode,
				Hops:       hops,
			}, nil
		case response.StatusCode >= 300 && response.StatusCode < 400 &&
			response.StatusCode != http.StatusUseProxy:
			location := response.Header.Get("Location")
			if location == "" {
				return nil, fmt.Errorf("%w: HTTP %d from %s", ErrMissingLocation,
					response.StatusCode, currentURL)
			}

			// The Location value may be relative to the current URL
			nextURL, err := currentURL.Parse(location)
			if err != nil {
				return nil, err
			}

			currentURL = nextURL
		default:
			return nil, &BadHTTPStatusError{StatusCode: response.StatusCode}
		}
	}

	return nil, fmt.Errorf("%w: exceeded the limit of %d", ErrTooManyRedirects,
		validator.maxRedirects)
}

func (validator *Validator) head(ctx context.Context, url string) (*http.Response, error) {
	boundedCtx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(boundedCtx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}

	response, err := validator.httpClient.Do(request)
	if err != nil {
		return nil, err
	}

	// HEAD responses carry no body
	_ = response.Body.Close()

	return response, nil
}
