package tapo

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	klapSeedSize       = 16
	klapIVPrefixSize   = 12
	klapSigPrefixSize  = 28
	klapHandshake1Size = 48
)

// klapSessionState is the live state after a successful two-phase
// handshake.
type klapSessionState struct {
	key           []byte // 16 bytes, AES-128 key
	ivPrefix      []byte // 12 bytes
	sigPrefix     []byte // 28 bytes
	sequence      int32
	sessionCookie string
	expiresAt     time.Time
	authHash      []byte
	version       klapVersion
}

// klapTransport implements Transport for the KLAP protocol: two-phase
// challenge handshake, candidate selection, sequence-numbered signed AES
// framing, cookie-driven renewal and 403-triggered reset+retry-once.
type klapTransport struct {
	http    *httpTransport
	host    string
	port    int
	timeout time.Duration
	creds   MergedCredentialView
	logger  *log.Logger

	mu      sync.Mutex
	session *klapSessionState
}

func newKLAPTransport(host string, port int, timeout time.Duration, creds MergedCredentialView, logger *log.Logger) *klapTransport {
	if logger == nil {
		logger = log.Default()
	}
	return &klapTransport{
		http:    newHTTPTransport(),
		host:    host,
		port:    port,
		timeout: timeout,
		creds:   creds,
		logger:  logger,
	}
}

// Close resets session state synchronously. Idempotent.
func (t *klapTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
	return nil
}

// Send ensures a live session, frames payload, posts it, and decrypts the
// response. On HTTP 403 it resets the session, re-handshakes, and retries
// exactly once.
func (t *klapTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSessionLocked(ctx); err != nil {
		return nil, err
	}

	plaintext, status, err := t.sendOnceLocked(ctx, payload)
	if err == nil {
		return plaintext, nil
	}
	if status != 403 {
		return nil, err
	}

	t.logger.Printf("tapo: klap %s: 403 on request, resetting session and retrying", t.host)
	t.session = nil
	if err := t.ensureSessionLocked(ctx); err != nil {
		return nil, err
	}
	plaintext, _, err = t.sendOnceLocked(ctx, payload)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (t *klapTransport) ensureSessionLocked(ctx context.Context) error {
	if t.session != nil && time.Now().Before(t.session.expiresAt) {
		return nil
	}
	return t.handshakeLocked(ctx)
}

func (t *klapTransport) handshakeLocked(ctx context.Context) error {
	candidates, err := klapCandidates(t.creds)
	if err != nil {
		return err
	}

	localSeed := make([]byte, klapSeedSize)
	if _, err := rand.Read(localSeed); err != nil {
		return fmt.Errorf("%w: generating local seed: %v", ErrTransport, err)
	}

	resp, err := t.http.post(ctx, t.host, t.port, "/app/handshake1", localSeed, "application/octet-stream", t.timeout, postOptions{})
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return &HTTPError{Status: resp.StatusCode}
	}
	if len(resp.Body) != klapHandshake1Size {
		return fmt.Errorf("%w: handshake1 response is %d bytes, want %d", ErrHandshakeInvalid, len(resp.Body), klapHandshake1Size)
	}
	remoteSeed := resp.Body[:16]
	serverHash := resp.Body[16:48]

	matched, ok := matchKLAPCandidate(localSeed, remoteSeed, serverHash, candidates)
	if !ok {
		return fmt.Errorf("%w: no auth candidate matched the handshake1 server hash", ErrAuthenticationFailed)
	}

	handshake1Cookie, handshake1Expiry := sessionCookieAndExpiry(resp.Header, time.Now(), "TP_SESSIONID")

	clientHash := klapChallenge(matched.version, localSeed, remoteSeed, matched.authHash, true)
	resp2, err := t.http.post(ctx, t.host, t.port, "/app/handshake2", clientHash, "application/octet-stream", t.timeout, postOptions{Cookie: handshake1Cookie})
	if err != nil {
		return err
	}
	if resp2.StatusCode != 200 {
		return &HTTPError{Status: resp2.StatusCode}
	}

	sessionCookie, expiresAt := sessionCookieAndExpiry(resp2.Header, time.Now(), "TP_SESSIONID")
	if sessionCookie == "" {
		sessionCookie = handshake1Cookie
		expiresAt = handshake1Expiry
	}

	localHash := concatBytes(localSeed, remoteSeed, matched.authHash)
	keyFull := sha256Sum([]byte("lsk"), localHash)
	ivFull := sha256Sum([]byte("iv"), localHash)
	sigFull := sha256Sum([]byte("ldk"), localHash)

	t.session = &klapSessionState{
		key:           keyFull[:16],
		ivPrefix:      ivFull[:klapIVPrefixSize],
		sigPrefix:     sigFull[:klapSigPrefixSize],
		sequence:      int32(binary.BigEndian.Uint32(ivFull[len(ivFull)-4:])),
		sessionCookie: sessionCookie,
		expiresAt:     expiresAt,
		authHash:      matched.authHash,
		version:       matched.version,
	}
	return nil
}

// klapChallenge computes the handshake1/handshake2 challenge hashes.
// forHandshake2 selects remoteSeed-first ordering (v2:
// sha256(remoteSeed||localSeed||authHash), v1: sha256(remoteSeed||authHash));
// handshake1's server-hash check always uses the localSeed-first ordering.
func klapChallenge(version klapVersion, localSeed, remoteSeed, authHash []byte, forHandshake2 bool) []byte {
	if forHandshake2 {
		if version == klapV2 {
			return sha256Sum(remoteSeed, localSeed, authHash)
		}
		return sha256Sum(remoteSeed, authHash)
	}
	if version == klapV2 {
		return sha256Sum(localSeed, remoteSeed, authHash)
	}
	return sha256Sum(localSeed, authHash)
}

func matchKLAPCandidate(localSeed, remoteSeed, serverHash []byte, candidates []authCandidate) (authCandidate, bool) {
	for _, c := range candidates {
		challenge := klapChallenge(c.version, localSeed, remoteSeed, c.authHash, false)
		if bytes.Equal(challenge, serverHash) {
			return c, true
		}
	}
	return authCandidate{}, false
}

func concatBytes(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// nextSequence advances the signed 32-bit sequence counter with an explicit
// wrap: 0x7FFFFFFF + 1 = -0x80000000.
func nextSequence(seq int32) int32 {
	if seq == 0x7FFFFFFF {
		return -0x80000000
	}
	return seq + 1
}

func int32BE(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

// sendOnceLocked frames, posts and decrypts a single request against the
// current session, without handling 403/expiry recovery (the caller does).
func (t *klapTransport) sendOnceLocked(ctx context.Context, payload []byte) ([]byte, int, error) {
	s := t.session
	seq := nextSequence(s.sequence)
	iv := append(append([]byte{}, s.ivPrefix...), int32BE(seq)...)

	ciphertext, err := aes128CBCEncrypt(s.key, iv, payload)
	if err != nil {
		return nil, 0, err
	}
	sig := sha256Sum(s.sigPrefix, int32BE(seq), ciphertext)
	body := append(append([]byte{}, sig...), ciphertext...)

	query := url.Values{"seq": []string{strconv.Itoa(int(seq))}}
	resp, err := t.http.post(ctx, t.host, t.port, "/app/request", body, "application/octet-stream", t.timeout, postOptions{Query: query, Cookie: s.sessionCookie})
	if err != nil {
		return nil, 0, err
	}
	s.sequence = seq

	if resp.StatusCode != 200 {
		return nil, resp.StatusCode, &HTTPError{Status: resp.StatusCode}
	}

	if len(resp.Body) < 32 {
		return nil, resp.StatusCode, fmt.Errorf("%w: response shorter than the 32-byte signature", ErrProtocolError)
	}
	plaintext, err := aes128CBCDecrypt(s.key, iv, resp.Body[32:])
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return plaintext, resp.StatusCode, nil
}
