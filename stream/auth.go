package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// DefaultApplicationID is sent as the ApplicationId login element.
const DefaultApplicationID = "256"

// Platform endpoint defaults.
const (
	DefaultTokenURL     = "https://api.refinitiv.com/auth/oauth2/v1/token"
	DefaultDiscoveryURL = "https://api.refinitiv.com/streaming/pricing/v1/"
	DefaultScope        = "trapi"
	DefaultDesktopURL   = "http://127.0.0.1:9000"

	// refreshMargin is how long before expiry a token is renewed.
	refreshMargin = 30 * time.Second
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Position returns the login Position element: "<ipv4>/<hostname>".
func Position() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	ip := "127.0.0.1"
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				ip = ipn.IP.String()
				break
			}
		}
	}
	return ip + "/" + host
}

// DeployedAuth logs in to a deployed platform (ADS) by user name.
type DeployedAuth struct {
	Host          string // host:port of the websocket server
	User          string
	ApplicationID string
	Position      string
}

// Endpoint returns ws://<host>/WebSocket.
func (a *DeployedAuth) Endpoint(ctx context.Context) (string, error) {
	if a.Host == "" {
		return "", fmt.Errorf("deployed host is required")
	}
	if strings.Contains(a.Host, "://") {
		return a.Host, nil
	}
	return "ws://" + a.Host + "/WebSocket", nil
}

func (a *DeployedAuth) LoginKey(ctx context.Context) (LoginKey, error) {
	return LoginKey{
		Name: a.User,
		Elements: map[string]any{
			"ApplicationId": orDefault(a.ApplicationID, DefaultApplicationID),
			"Position":      orDefault(a.Position, Position()),
		},
	}, nil
}

func (a *DeployedAuth) NextRefresh() time.Duration {
	return 0
}

// DesktopAuth logs in through the local desktop application proxy. The application
// key is exchanged for an access token by the proxy handshake.
type DesktopAuth struct {
	BaseURL       string // e.g. http://127.0.0.1:9000
	AppKey        string
	ApplicationID string
	Position      string

	mu    sync.Mutex
	token string
}

type handshakeRequest struct {
	AppKey     string `json:"AppKey"`
	AppScope   string `json:"AppScope"`
	ApiVersion string `json:"ApiVersion"`
}

type handshakeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Endpoint returns the streaming websocket URL of the desktop proxy.
func (a *DesktopAuth) Endpoint(ctx context.Context) (string, error) {
	base := strings.TrimRight(orDefault(a.BaseURL, DefaultDesktopURL), "/")
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/api/rdp/streaming/pricing/v1/WebSocket", nil
}

func (a *DesktopAuth) LoginKey(ctx context.Context) (LoginKey, error) {
	token, err := a.handshake(ctx)
	if err != nil {
		return LoginKey{}, err
	}
	return LoginKey{
		NameType: "AuthnToken",
		Elements: map[string]any{
			"AppKey":        a.AppKey,
			"Authorization": "Bearer " + token,
			"ApplicationId": orDefault(a.ApplicationID, DefaultApplicationID),
			"Position":      orDefault(a.Position, Position()),
		},
	}, nil
}

func (a *DesktopAuth) NextRefresh() time.Duration {
	return 0
}

func (a *DesktopAuth) handshake(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" {
		return a.token, nil
	}

	body, err := json.Marshal(handshakeRequest{AppKey: a.AppKey, AppScope: DefaultScope, ApiVersion: "1"})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(orDefault(a.BaseURL, DefaultDesktopURL), "/") + "/api/handshake"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-tr-applicationid", a.AppKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("desktop handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("desktop handshake: unexpected status %s", resp.Status)
	}
	var hs handshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return "", fmt.Errorf("decode handshake response: %w", err)
	}
	if hs.AccessToken == "" {
		return "", fmt.Errorf("desktop handshake returned no access token")
	}
	a.token = hs.AccessToken
	return a.token, nil
}

// PlatformConfig holds configuration for creating a new PlatformAuth.
type PlatformConfig struct {
	AppKey        string
	User          string
	Password      string
	TokenURL      string
	DiscoveryURL  string
	Endpoint      string // skips discovery when set
	Location      string // preferred discovery location prefix, e.g. "us-east-1"
	ApplicationID string
	Position      string
	Logger        *slog.Logger
}

// PlatformAuth authenticates against the hosted platform with an OAuth2 password grant,
// discovers the streaming endpoint and renews the token before it expires.
type PlatformAuth struct {
	cfg    PlatformConfig
	oauth  *oauth2.Config
	logger *slog.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// NewPlatformAuth creates a PlatformAuth, applying defaults to unset URLs.
func NewPlatformAuth(cfg PlatformConfig) *PlatformAuth {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.TokenURL = orDefault(cfg.TokenURL, DefaultTokenURL)
	cfg.DiscoveryURL = orDefault(cfg.DiscoveryURL, DefaultDiscoveryURL)
	return &PlatformAuth{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID: cfg.AppKey,
			Scopes:   []string{DefaultScope},
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		logger: logger,
	}
}

// Endpoint returns the configured endpoint or discovers one from the service directory.
func (a *PlatformAuth) Endpoint(ctx context.Context) (string, error) {
	if a.cfg.Endpoint != "" {
		return a.cfg.Endpoint, nil
	}
	tok, err := a.currentToken(ctx)
	if err != nil {
		return "", err
	}
	return discoverEndpoint(ctx, oauth2.NewClient(a.clientContext(ctx), oauth2.StaticTokenSource(tok)), a.cfg.DiscoveryURL, a.cfg.Location)
}

func (a *PlatformAuth) LoginKey(ctx context.Context) (LoginKey, error) {
	tok, err := a.currentToken(ctx)
	if err != nil {
		return LoginKey{}, err
	}
	return LoginKey{
		NameType: "AuthnToken",
		Elements: map[string]any{
			"AuthenticationToken": tok.AccessToken,
			"ApplicationId":       orDefault(a.cfg.ApplicationID, DefaultApplicationID),
			"Position":            orDefault(a.cfg.Position, Position()),
		},
	}, nil
}

// NextRefresh returns the time left until the token enters the renewal margin.
func (a *PlatformAuth) NextRefresh() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil || a.token.Expiry.IsZero() {
		return 0
	}
	wait := time.Until(a.token.Expiry) - refreshMargin
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// currentToken returns a token valid beyond the renewal margin, fetching or
// refreshing one when needed.
func (a *PlatformAuth) currentToken(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != nil && (a.token.Expiry.IsZero() || time.Until(a.token.Expiry) > refreshMargin) {
		return a.token, nil
	}

	var (
		tok *oauth2.Token
		err error
	)
	cctx := a.clientContext(ctx)
	if a.token != nil && a.token.RefreshToken != "" {
		// An empty access token forces the source to use the refresh grant.
		tok, err = a.oauth.TokenSource(cctx, &oauth2.Token{RefreshToken: a.token.RefreshToken}).Token()
		if err != nil {
			a.logger.Warn("Refresh grant failed, falling back to password grant", "error", err)
		}
	}
	if tok == nil {
		tok, err = a.oauth.PasswordCredentialsToken(cctx, a.cfg.User, a.cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("password grant: %w", err)
		}
	}

	a.inspect(tok)
	a.token = tok
	return tok, nil
}

// inspect logs the token claims and fills a missing expiry from the exp claim.
// The token is not verified; the server does that on login.
func (a *PlatformAuth) inspect(tok *oauth2.Token) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		a.logger.Debug("Access token is not a JWT", "error", err)
		a.logger.Info("Access token obtained", "expiry", tok.Expiry)
		return
	}
	if tok.Expiry.IsZero() && claims.ExpiresAt != nil {
		tok.Expiry = claims.ExpiresAt.Time
	}
	a.logger.Info("Access token obtained", "subject", claims.Subject, "expiry", tok.Expiry)
}

func (a *PlatformAuth) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, httpClient)
}

type discoveryResponse struct {
	Services []discoveredService `json:"services"`
}

type discoveredService struct {
	Endpoint   string   `json:"endpoint"`
	Port       int      `json:"port"`
	Transport  string   `json:"transport"`
	Location   []string `json:"location"`
	DataFormat []string `json:"dataFormat"`
}

// discoverEndpoint queries the service directory and picks a websocket endpoint,
// preferring one whose location starts with location.
func discoverEndpoint(ctx context.Context, client *http.Client, url, location string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}
	q := req.URL.Query()
	q.Set("transport", "websocket")
	req.URL.RawQuery = q.Encode()

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("service discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("service discovery: unexpected status %s", resp.Status)
	}

	var dr discoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", fmt.Errorf("decode discovery response: %w", err)
	}

	var fallback *discoveredService
	for i := range dr.Services {
		svc := &dr.Services[i]
		if svc.Transport != "websocket" || !supportsJSON(svc.DataFormat) {
			continue
		}
		if location == "" || matchesLocation(svc.Location, location) {
			return svc.url(), nil
		}
		if fallback == nil {
			fallback = svc
		}
	}
	if fallback != nil {
		return fallback.url(), nil
	}
	return "", fmt.Errorf("service discovery returned no websocket endpoint")
}

func (s *discoveredService) url() string {
	return fmt.Sprintf("wss://%s:%d/WebSocket", s.Endpoint, s.Port)
}

func supportsJSON(formats []string) bool {
	if len(formats) == 0 {
		return true
	}
	for _, f := range formats {
		if f == Subprotocol {
			return true
		}
	}
	return false
}

func matchesLocation(locations []string, prefix string) bool {
	for _, l := range locations {
		if strings.HasPrefix(strings.TrimSpace(l), prefix) {
			return true
		}
	}
	return false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
