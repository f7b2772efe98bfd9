package sms

import (
    "context"
    "fmt"
    "net/http"
    "net/url"
    "strings"
    "time"
)

// TwilioProvider sends SMS through a Twilio-shaped REST API. The pack
// carries no Twilio SDK, so this is a plain net/http client against the
// documented Messages resource — the same "own HTTP client, own struct"
// shape the teacher uses for its AMI/AGI transports.
type TwilioProvider struct {
    name       string
    baseURL    string
    accountSID string
    authToken  string
    httpClient *http.Client
}

// NewTwilioProvider builds a Provider against a Twilio-compatible endpoint.
func NewTwilioProvider(name, baseURL, accountSID, authToken string, timeout time.Duration) *TwilioProvider {
    return &TwilioProvider{
        name:       name,
        baseURL:    strings.TrimRight(baseURL, "/"),
        accountSID: accountSID,
        authToken:  authToken,
        httpClient: &http.Client{Timeout: timeout},
    }
}

// Name returns the provider's configured identifier.
func (p *TwilioProvider) Name() string { return p.name }

// Send posts a single message to the Messages resource and classifies the
// response into the fixed error taxonomy.
func (p *TwilioProvider) Send(ctx context.Context, to, body, from string) (ProviderResult, error) {
    endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, p.accountSID)

    form := url.Values{}
    form.Set("To", to)
    form.Set("From", from)
    form.Set("Body", body)

    req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
    if err != nil {
        return ProviderResult{Class: ErrorClassNetworkError}, err
    }
    req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    req.SetBasicAuth(p.accountSID, p.authToken)

    resp, err := p.httpClient.Do(req)
    if err != nil {
        return ProviderResult{Class: ErrorClassNetworkError}, err
    }
    defer resp.Body.Close()

    switch {
    case resp.StatusCode >= 200 && resp.StatusCode < 300:
        return ProviderResult{}, nil
    case resp.StatusCode == http.StatusTooManyRequests:
        return ProviderResult{Class: ErrorClassRateLimited}, fmt.Errorf("twilio rate limited: %d", resp.StatusCode)
    case resp.StatusCode == http.StatusBadRequest:
        return ProviderResult{Class: ErrorClassInvalidContent}, fmt.Errorf("twilio rejected content: %d", resp.StatusCode)
    case resp.StatusCode == http.StatusNotFound:
        return ProviderResult{Class: ErrorClassInvalidNumber}, fmt.Errorf("twilio invalid number: %d", resp.StatusCode)
    case resp.StatusCode >= 500:
        return ProviderResult{Class: ErrorClassProviderError}, fmt.Errorf("twilio server error: %d", resp.StatusCode)
    default:
        return ProviderResult{Class: ErrorClassCarrierViolation}, fmt.Errorf("twilio rejected message: %d", resp.StatusCode)
    }
}
