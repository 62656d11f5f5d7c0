// Package security handles broker authentication: TOTP generation, the
// Fyers auth-code exchange, and session token persistence.
package security

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"nifty-terminal/internal/config"
	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
	"nifty-terminal/pkg/utils"
)

const (
	authBaseURL  = "https://api-t1.fyers.in/api/v3"
	loginBaseURL = "https://api-t2.fyers.in/vagator/v2"
)

// SessionStore persists the broker session token across restarts.
type SessionStore interface {
	SaveSession(token *models.SessionToken) error
	LoadSession() (*models.SessionToken, error)
	DeleteSession() error
}

// SessionManager owns the broker session lifecycle: TOTP login, auth-code
// exchange, persistence, and refresh. Refreshes are single-flight so
// concurrent callers never trigger parallel login chains.
type SessionManager struct {
	creds  config.FyersCredentials
	store  SessionStore
	client *http.Client
	log    zerolog.Logger

	mu    sync.Mutex
	token *models.SessionToken
}

// NewSessionManager creates a session manager and loads any persisted session.
func NewSessionManager(creds config.FyersCredentials, store SessionStore, log zerolog.Logger) *SessionManager {
	sm := &SessionManager{
		creds:  creds,
		store:  store,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("component", "security").Logger(),
	}
	if store != nil {
		if token, err := store.LoadSession(); err == nil && token.Valid(time.Now()) {
			sm.token = token
		}
	}
	return sm
}

// TOTPCode returns the current time-based OTP for the configured secret.
func TOTPCode(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCode(strings.TrimSpace(secret), at)
	if err != nil {
		return "", fmt.Errorf("generating TOTP: %w", err)
	}
	return code, nil
}

// AppIDHash returns the SHA-256 digest of "clientID:secretKey" that the
// validate-authcode endpoint expects.
func AppIDHash(clientID, secretKey string) string {
	sum := sha256.Sum256([]byte(clientID + ":" + secretKey))
	return hex.EncodeToString(sum[:])
}

// AuthCodeURL returns the browser login URL for the manual flow.
func (sm *SessionManager) AuthCodeURL() string {
	q := url.Values{}
	q.Set("client_id", sm.creds.ClientID)
	q.Set("redirect_uri", sm.creds.RedirectURL)
	q.Set("response_type", "code")
	q.Set("state", "terminal")
	return authBaseURL + "/generate-authcode?" + q.Encode()
}

// Token returns the current session token, or ErrNotAuthenticated when no
// valid session exists.
func (sm *SessionManager) Token() (*models.SessionToken, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.token.Valid(time.Now()) {
		return nil, apperrors.ErrNotAuthenticated
	}
	return sm.token, nil
}

// IsAuthenticated reports whether a valid session is held.
func (sm *SessionManager) IsAuthenticated() bool {
	_, err := sm.Token()
	return err == nil
}

// EnsureSession returns a valid token, running the automated TOTP login
// chain when the held token is missing or expired.
func (sm *SessionManager) EnsureSession(ctx context.Context) (*models.SessionToken, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.token.Valid(time.Now()) {
		return sm.token, nil
	}
	return sm.loginLocked(ctx)
}

// Login runs the automated TOTP login chain unconditionally.
func (sm *SessionManager) Login(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, err := sm.loginLocked(ctx)
	return err
}

// Logout drops the in-memory token and removes the persisted session.
func (sm *SessionManager) Logout() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.token = nil
	if sm.store != nil {
		return sm.store.DeleteSession()
	}
	return nil
}

// ExchangeAuthCode completes the manual flow: exchanges a browser-obtained
// auth code for an access token and persists it.
func (sm *SessionManager) ExchangeAuthCode(ctx context.Context, authCode string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	token, err := sm.validateAuthCode(ctx, authCode)
	if err != nil {
		return err
	}
	sm.adopt(token)
	return nil
}

// loginLocked runs the full headless login chain. Callers hold sm.mu.
func (sm *SessionManager) loginLocked(ctx context.Context) (*models.SessionToken, error) {
	if sm.creds.TOTPSecret == "" || sm.creds.PIN == "" {
		return nil, apperrors.Wrap(apperrors.ErrNotAuthenticated, "TOTP secret or PIN not configured; use the manual auth-code flow")
	}

	sm.log.Info().Msg("starting automated login")

	requestKey, err := sm.sendLoginOTP(ctx)
	if err != nil {
		return nil, err
	}
	requestKey, err = sm.verifyTOTP(ctx, requestKey)
	if err != nil {
		return nil, err
	}
	tempToken, err := sm.verifyPIN(ctx, requestKey)
	if err != nil {
		return nil, err
	}
	authCode, err := sm.requestAuthCode(ctx, tempToken)
	if err != nil {
		return nil, err
	}
	token, err := sm.validateAuthCode(ctx, authCode)
	if err != nil {
		return nil, err
	}

	sm.adopt(token)
	sm.log.Info().Time("expiry", token.Expiry).Msg("session established")
	return token, nil
}

func (sm *SessionManager) adopt(token *models.SessionToken) {
	sm.token = token
	if sm.store != nil {
		if err := sm.store.SaveSession(token); err != nil {
			sm.log.Warn().Err(err).Msg("failed to persist session")
		}
	}
}

// fyersID strips the app-type suffix from the client ID ("AB1234-100" -> "AB1234").
func (sm *SessionManager) fyersID() string {
	if i := strings.Index(sm.creds.ClientID, "-"); i > 0 {
		return sm.creds.ClientID[:i]
	}
	return sm.creds.ClientID
}

func (sm *SessionManager) sendLoginOTP(ctx context.Context) (string, error) {
	var resp struct {
		RequestKey string `json:"request_key"`
	}
	body := map[string]string{
		"fy_id":  base64.StdEncoding.EncodeToString([]byte(sm.fyersID())),
		"app_id": "2",
	}
	if err := sm.post(ctx, loginBaseURL+"/send_login_otp_v2", "", body, &resp); err != nil {
		return "", apperrors.Wrap(err, "send_login_otp")
	}
	return resp.RequestKey, nil
}

func (sm *SessionManager) verifyTOTP(ctx context.Context, requestKey string) (string, error) {
	code, err := TOTPCode(sm.creds.TOTPSecret, time.Now())
	if err != nil {
		return "", err
	}
	var resp struct {
		RequestKey string `json:"request_key"`
	}
	body := map[string]string{
		"request_key": requestKey,
		"otp":         code,
	}
	if err := sm.post(ctx, loginBaseURL+"/verify_otp", "", body, &resp); err != nil {
		return "", apperrors.Wrap(err, "verify_otp")
	}
	return resp.RequestKey, nil
}

func (sm *SessionManager) verifyPIN(ctx context.Context, requestKey string) (string, error) {
	var resp struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	body := map[string]string{
		"request_key":   requestKey,
		"identity_type": "pin",
		"identifier":    base64.StdEncoding.EncodeToString([]byte(sm.creds.PIN)),
	}
	if err := sm.post(ctx, loginBaseURL+"/verify_pin_v2", "", body, &resp); err != nil {
		return "", apperrors.Wrap(err, "verify_pin")
	}
	return resp.Data.AccessToken, nil
}

// requestAuthCode asks the token endpoint for an auth code using the
// temporary token from the PIN step. The code arrives embedded in a
// redirect URL.
func (sm *SessionManager) requestAuthCode(ctx context.Context, tempToken string) (string, error) {
	var resp struct {
		URL string `json:"Url"`
	}
	body := map[string]any{
		"fyers_id":      sm.fyersID(),
		"app_id":        strings.TrimSuffix(sm.creds.ClientID, "-100"),
		"redirect_uri":  sm.creds.RedirectURL,
		"appType":       "100",
		"code_challenge": "",
		"state":         "None",
		"scope":         "",
		"nonce":         "",
		"response_type": "code",
		"create_cookie": true,
	}
	if err := sm.post(ctx, authBaseURL+"/token", "Bearer "+tempToken, body, &resp); err != nil {
		return "", apperrors.Wrap(err, "token")
	}

	u, err := url.Parse(resp.URL)
	if err != nil {
		return "", apperrors.Wrapf(err, "parsing redirect URL %q", resp.URL)
	}
	code := u.Query().Get("auth_code")
	if code == "" {
		return "", apperrors.Wrap(apperrors.ErrNotAuthenticated, "redirect URL carried no auth_code")
	}
	return code, nil
}

func (sm *SessionManager) validateAuthCode(ctx context.Context, authCode string) (*models.SessionToken, error) {
	var resp struct {
		Status      string `json:"s"`
		AccessToken string `json:"access_token"`
		Message     string `json:"message"`
	}
	body := map[string]string{
		"grant_type": "authorization_code",
		"appIdHash":  AppIDHash(sm.creds.ClientID, sm.creds.SecretKey),
		"code":       authCode,
	}
	if err := sm.post(ctx, authBaseURL+"/validate-authcode", "", body, &resp); err != nil {
		return nil, apperrors.Wrap(err, "validate-authcode")
	}
	if resp.AccessToken == "" {
		return nil, &apperrors.BrokerError{Code: resp.Status, Message: "validate-authcode returned no token: " + resp.Message}
	}

	now := time.Now().In(utils.IndiaLocation)
	return &models.SessionToken{
		AccessToken: resp.AccessToken,
		IssuedAt:    now,
		Expiry:      sessionExpiry(now),
	}, nil
}

// sessionExpiry returns the next 6 AM IST after issue, when Fyers tokens lapse.
func sessionExpiry(issued time.Time) time.Time {
	issued = issued.In(utils.IndiaLocation)
	expiry := time.Date(issued.Year(), issued.Month(), issued.Day(), 6, 0, 0, 0, utils.IndiaLocation)
	if !expiry.After(issued) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry
}

func (sm *SessionManager) post(ctx context.Context, endpoint, authHeader string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := sm.client.Do(req)
	if err != nil {
		return &apperrors.BrokerError{Code: "NETWORK", Message: "login request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &apperrors.BrokerError{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}
	}
	return json.Unmarshal(data, out)
}
