package tapo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// aesSessionState is the live state after handshake + login.
type aesSessionState struct {
	key           []byte // 16 bytes
	iv            []byte // 16 bytes
	token         string
	sessionCookie string
	expiresAt     time.Time
}

// aesHandshakeResult is the shape of the handshake method's JSON result.
type aesHandshakeResult struct {
	Key string `json:"key"`
}

// aesEnvelope is the generic {error_code, result} shape every AES-transport
// response carries at each wrapping level.
type aesEnvelope struct {
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result"`
	Msg       string          `json:"msg,omitempty"`
}

type securePassthroughResult struct {
	Response string `json:"response"`
}

type loginResult struct {
	Token string `json:"token"`
}

// aesTransport implements Transport for the RSA-wrapped-key-exchange AES
// passthrough protocol used by older Tapo-class devices.
type aesTransport struct {
	http    *httpTransport
	host    string
	port    int
	timeout time.Duration
	creds   MergedCredentialView
	logger  *log.Logger

	mu      sync.Mutex
	session *aesSessionState
}

func newAESTransport(host string, port int, timeout time.Duration, creds MergedCredentialView, logger *log.Logger) *aesTransport {
	if logger == nil {
		logger = log.Default()
	}
	return &aesTransport{
		http:    newHTTPTransport(),
		host:    host,
		port:    port,
		timeout: timeout,
		creds:   creds,
		logger:  logger,
	}
}

func (t *aesTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
	return nil
}

// Send ensures a logged-in session, wraps payload in a securePassthrough
// envelope, posts it, and returns the decrypted (or opportunistically
// plaintext-parsed) inner response re-encoded as {error_code, result} JSON.
func (t *aesTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSessionLocked(ctx); err != nil {
		return nil, err
	}

	result, innerErr, err := t.passthroughLocked(ctx, payload)
	if err == nil && innerErr == 0 {
		return json.Marshal(smartWireResponse{Result: result})
	}
	if !isRecoverableAESFailure(err, innerErr) {
		if err != nil {
			return nil, err
		}
		return nil, &SmartError{ErrorCode: innerErr, Method: "securePassthrough"}
	}

	t.logger.Printf("tapo: aes %s: session expired, resetting and retrying", t.host)
	t.session = nil
	if err := t.ensureSessionLocked(ctx); err != nil {
		return nil, err
	}
	result, innerErr, err = t.passthroughLocked(ctx, payload)
	if err != nil {
		return nil, err
	}
	if innerErr != 0 {
		return nil, &SmartError{ErrorCode: innerErr, Method: "securePassthrough"}
	}
	return json.Marshal(smartWireResponse{Result: result})
}

// isRecoverableAESFailure reports whether a passthrough failure is a 403 on
// the data path or an auth-class inner error_code, both of which trigger a
// session reset + one retry.
func isRecoverableAESFailure(err error, innerErr int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == 403
	}
	return err == nil && isAuthError(innerErr)
}

func (t *aesTransport) ensureSessionLocked(ctx context.Context) error {
	if t.session != nil && time.Now().Before(t.session.expiresAt) {
		return nil
	}
	if err := t.handshakeLocked(ctx); err != nil {
		return err
	}
	return t.loginLocked(ctx)
}

// handshakeLocked generates an RSA-1024 keypair, exchanges the public key
// for an encrypted AES key+iv, and records the session cookie/expiry.
func (t *aesTransport) handshakeLocked(ctx context.Context) error {
	pubPEM, privPEM, err := rsaGenerate1024()
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(map[string]any{
		"method": "handshake",
		"params": map[string]string{"key": string(pubPEM)},
	})
	if err != nil {
		return fmt.Errorf("%w: marshaling handshake request: %v", ErrProtocolError, err)
	}

	resp, err := t.http.post(ctx, t.host, t.port, "/app", reqBody, "application/json", t.timeout, postOptions{
		Headers: map[string]string{"requestByApp": "true", "Accept": "application/json"},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return &HTTPError{Status: resp.StatusCode}
	}

	var env aesEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return fmt.Errorf("%w: decoding handshake response: %v", ErrProtocolError, err)
	}
	if env.ErrorCode != 0 {
		return fmt.Errorf("%w: handshake error_code %d", ErrHandshakeInvalid, env.ErrorCode)
	}

	var result aesHandshakeResult
	if err := json.Unmarshal(env.Result, &result); err != nil || result.Key == "" {
		return fmt.Errorf("%w: missing handshake result key", ErrHandshakeInvalid)
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(result.Key)
	if err != nil {
		return fmt.Errorf("%w: handshake key is not valid base64", ErrHandshakeInvalid)
	}

	raw, err := rsaNoPaddingDecrypt(privPEM, encryptedKey)
	if err != nil {
		return err
	}
	if len(raw) < 32 {
		return fmt.Errorf("%w: handshake key material is %d bytes, want >= 32", ErrHandshakeInvalid, len(raw))
	}

	sessionCookie, expiresAt := sessionCookieAndExpiry(resp.Header, time.Now(), "TP_SESSIONID", "SESSIONID")

	t.session = &aesSessionState{
		key:           raw[0:16],
		iv:            raw[16:32],
		sessionCookie: sessionCookie,
		expiresAt:     expiresAt,
	}
	return nil
}

// loginLocked tries each login candidate in order via login_device until
// one succeeds, re-handshaking between auth-class failures.
func (t *aesTransport) loginLocked(ctx context.Context) error {
	candidates, err := aesLoginCandidates(t.creds)
	if err != nil {
		return err
	}

	for i, cand := range candidates {
		loginReq, err := json.Marshal(map[string]any{
			"method":             "login_device",
			"params":             cand.params,
			"request_time_milis": time.Now().UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("%w: marshaling login_device request: %v", ErrProtocolError, err)
		}

		result, innerErr, err := t.passthroughLocked(ctx, loginReq)
		if err != nil {
			return err
		}
		if innerErr == 0 {
			var lr loginResult
			if err := json.Unmarshal(result, &lr); err != nil || lr.Token == "" {
				return fmt.Errorf("%w: login_device result missing token", ErrProtocolError)
			}
			t.session.token = lr.Token
			return nil
		}
		if !isAuthError(innerErr) {
			return &SmartError{ErrorCode: innerErr, Method: "login_device"}
		}

		t.logger.Printf("tapo: aes %s: login candidate %q rejected (inner=%d), trying next", t.host, cand.label, innerErr)
		if i < len(candidates)-1 {
			if err := t.handshakeLocked(ctx); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w: all AES login candidates exhausted", ErrAuthenticationFailed)
}

// passthroughLocked wraps plaintext P in a securePassthrough envelope,
// posts it, and decrypts the inner response. It returns (innerPayload,
// innerErrorCode, err): err is non-nil for transport/HTTP/protocol
// failures; a non-zero innerErrorCode with a nil err means the device
// answered but the wrapped call itself failed.
func (t *aesTransport) passthroughLocked(ctx context.Context, plaintext []byte) ([]byte, int, error) {
	s := t.session
	ciphertext, err := aes128CBCEncrypt(s.key, s.iv, plaintext)
	if err != nil {
		return nil, 0, err
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	body, err := json.Marshal(map[string]any{
		"method": "securePassthrough",
		"params": map[string]string{"request": encoded},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: marshaling securePassthrough request: %v", ErrProtocolError, err)
	}

	var opts postOptions
	opts.Cookie = s.sessionCookie
	if s.token != "" {
		opts.Query = urlValuesToken(s.token)
	}

	resp, err := t.http.post(ctx, t.host, t.port, "/app", body, "application/json", t.timeout, opts)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != 200 {
		return nil, 0, &HTTPError{Status: resp.StatusCode}
	}

	var env aesEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: decoding securePassthrough envelope: %v", ErrProtocolError, err)
	}
	if env.ErrorCode != 0 {
		return nil, env.ErrorCode, nil
	}

	var pr securePassthroughResult
	if err := json.Unmarshal(env.Result, &pr); err != nil || pr.Response == "" {
		return nil, 0, fmt.Errorf("%w: securePassthrough result missing response string", ErrProtocolError)
	}

	inner, innerErrCode, err := t.decodeInnerLocked(pr.Response)
	if err != nil {
		return nil, 0, err
	}
	return inner, innerErrCode, nil
}

// decodeInnerLocked base64-decodes and AES-decrypts the securePassthrough
// response string, returning its result payload and error_code. If
// decryption or JSON parsing fails, it falls back to parsing the raw
// ciphertext string directly as JSON: some firmwares send unencrypted
// error frames through the same field.
func (t *aesTransport) decodeInnerLocked(response string) ([]byte, int, error) {
	var env aesEnvelope

	raw, decodeErr := base64.StdEncoding.DecodeString(response)
	if decodeErr == nil {
		plain, aesErr := aes128CBCDecrypt(t.session.key, t.session.iv, raw)
		if aesErr == nil {
			if jsonErr := json.Unmarshal(plain, &env); jsonErr == nil {
				return env.Result, env.ErrorCode, nil
			}
		}
	}

	if jsonErr := json.Unmarshal([]byte(response), &env); jsonErr == nil {
		return env.Result, env.ErrorCode, nil
	}

	return nil, 0, fmt.Errorf("%w: could not decrypt or parse securePassthrough response", ErrProtocolError)
}
