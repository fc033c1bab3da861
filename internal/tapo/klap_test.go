package tapo

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKLAPDevice plays the device side of the two-phase KLAP handshake for
// a single fixed credential pair, so klapTransport can be exercised against
// a real HTTP round trip without a physical plug.
type fakeKLAPDevice struct {
	authHash []byte // klapV2 hash for the expected credentials

	mu            sync.Mutex
	localSeed     []byte
	remoteSeed    []byte
	key           []byte
	ivPrefix      []byte
	sigPrefix     []byte
	lastSeq       int32
	haveSession   bool
	timeoutHeader string // TIMEOUT cookie value to emit; "" uses the default

	handshakeCount atomic.Int32
	requestCount   atomic.Int32
	force403Once   atomic.Bool
}

func newFakeKLAPDevice(username, password string) *fakeKLAPDevice {
	return &fakeKLAPDevice{authHash: authHashV2(username, password)}
}

func (d *fakeKLAPDevice) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/handshake1", d.handshake1)
	mux.HandleFunc("/app/handshake2", d.handshake2)
	mux.HandleFunc("/app/request", d.request)
	return mux
}

func (d *fakeKLAPDevice) handshake1(w http.ResponseWriter, r *http.Request) {
	d.handshakeCount.Add(1)
	localSeed, _ := io.ReadAll(r.Body)

	remoteSeed := make([]byte, 16)
	for i := range remoteSeed {
		remoteSeed[i] = byte(i + 1)
	}
	serverHash := sha256Sum(localSeed, remoteSeed, d.authHash)

	d.mu.Lock()
	d.localSeed = localSeed
	d.remoteSeed = remoteSeed
	d.mu.Unlock()

	timeout := d.timeoutHeader
	if timeout == "" {
		timeout = "86400"
	}
	w.Header().Set("Set-Cookie", "TP_SESSIONID=fake-session-1; TIMEOUT="+timeout)
	w.WriteHeader(http.StatusOK)
	w.Write(append(append([]byte{}, remoteSeed...), serverHash...))
}

func (d *fakeKLAPDevice) handshake2(w http.ResponseWriter, r *http.Request) {
	clientHash, _ := io.ReadAll(r.Body)

	d.mu.Lock()
	expected := sha256Sum(d.remoteSeed, d.localSeed, d.authHash)
	d.mu.Unlock()

	if !bytes.Equal(clientHash, expected) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	d.mu.Lock()
	localHash := concatBytes(d.localSeed, d.remoteSeed, d.authHash)
	keyFull := sha256Sum([]byte("lsk"), localHash)
	ivFull := sha256Sum([]byte("iv"), localHash)
	sigFull := sha256Sum([]byte("ldk"), localHash)
	d.key = keyFull[:16]
	d.ivPrefix = ivFull[:klapIVPrefixSize]
	d.sigPrefix = sigFull[:klapSigPrefixSize]
	d.lastSeq = int32(binary.BigEndian.Uint32(ivFull[len(ivFull)-4:]))
	d.haveSession = true
	d.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (d *fakeKLAPDevice) request(w http.ResponseWriter, r *http.Request) {
	if d.force403Once.CompareAndSwap(true, false) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	d.requestCount.Add(1)

	seqStr := r.URL.Query().Get("seq")
	seq64, err := strconv.ParseInt(seqStr, 10, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	seq := int32(seq64)

	d.mu.Lock()
	if !d.haveSession {
		d.mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		return
	}
	key, ivPrefix, sigPrefix := d.key, d.ivPrefix, d.sigPrefix
	d.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	if len(body) < 32 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	iv := append(append([]byte{}, ivPrefix...), int32BE(seq)...)
	ciphertext := body[32:]
	plaintext, err := aes128CBCDecrypt(key, iv, ciphertext)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req smartWireRequest
	_ = json.Unmarshal(plaintext, &req)

	respPayload, _ := json.Marshal(map[string]any{
		"error_code": 0,
		"result":     map[string]string{"device_id": "fake-device", "echoed_method": req.Method},
	})
	respCiphertext, err := aes128CBCEncrypt(key, iv, respPayload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	sig := sha256Sum(sigPrefix, int32BE(seq), respCiphertext)

	w.WriteHeader(http.StatusOK)
	w.Write(append(append([]byte{}, sig...), respCiphertext...))
}

func newTestKLAPTransport(t *testing.T, server *httptest.Server, username, password string) *klapTransport {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	creds := MergedCredentialView{Credentials: Credentials{Username: username, Password: password}}
	return newKLAPTransport(host, port, 5*time.Second, creds, log.New(io.Discard, "", 0))
}

func TestKLAPTransport_HandshakeAndRequestRoundTrip(t *testing.T) {
	device := newFakeKLAPDevice("user@example.com", "secret")
	server := httptest.NewServer(device.handler())
	defer server.Close()

	transport := newTestKLAPTransport(t, server, "user@example.com", "secret")
	defer transport.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_device_info"})
	respBody, err := transport.Send(context.Background(), req)
	require.NoError(t, err)

	var resp smartWireResponse
	require.NoError(t, json.Unmarshal(respBody, &resp))
	assert.Equal(t, 0, resp.ErrorCode)
	assert.Equal(t, int32(1), device.handshakeCount.Load())
}

func TestKLAPTransport_SessionReusedAcrossSends(t *testing.T) {
	device := newFakeKLAPDevice("user@example.com", "secret")
	server := httptest.NewServer(device.handler())
	defer server.Close()

	transport := newTestKLAPTransport(t, server, "user@example.com", "secret")
	defer transport.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_current_power"})
	for i := 0; i < 3; i++ {
		_, err := transport.Send(context.Background(), req)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), device.handshakeCount.Load(), "handshake should happen once and the session reused")
	assert.Equal(t, int32(3), device.requestCount.Load())
}

func TestKLAPTransport_SessionRenewedAfterTimeoutExpiry(t *testing.T) {
	device := newFakeKLAPDevice("user@example.com", "secret")
	device.timeoutHeader = strconv.Itoa(expiryGuardSeconds) // guarded expiry = 1 second
	server := httptest.NewServer(device.handler())
	defer server.Close()

	transport := newTestKLAPTransport(t, server, "user@example.com", "secret")
	defer transport.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_current_power"})
	_, err := transport.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), device.handshakeCount.Load())

	// Force the guarded expiry to have already elapsed.
	transport.mu.Lock()
	transport.session.expiresAt = time.Now().Add(-time.Second)
	transport.mu.Unlock()

	_, err = transport.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), device.handshakeCount.Load(), "expiry should trigger a fresh handshake")
}

func TestKLAPTransport_403ResetsAndRetriesOnce(t *testing.T) {
	device := newFakeKLAPDevice("user@example.com", "secret")
	server := httptest.NewServer(device.handler())
	defer server.Close()

	transport := newTestKLAPTransport(t, server, "user@example.com", "secret")
	defer transport.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_current_power"})
	_, err := transport.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), device.handshakeCount.Load())

	device.force403Once.Store(true)
	_, err = transport.Send(context.Background(), req)
	require.NoError(t, err, "a single 403 should trigger reset+retry transparently")
	assert.Equal(t, int32(2), device.handshakeCount.Load())
}

func TestKLAPTransport_InvalidCredentialsFailHandshake(t *testing.T) {
	device := newFakeKLAPDevice("user@example.com", "secret")
	server := httptest.NewServer(device.handler())
	defer server.Close()

	transport := newTestKLAPTransport(t, server, "user@example.com", "wrong-password")
	defer transport.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_current_power"})
	_, err := transport.Send(context.Background(), req)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestKLAPTransport_ConcurrentSendsSerializeAndSucceed(t *testing.T) {
	device := newFakeKLAPDevice("user@example.com", "secret")
	server := httptest.NewServer(device.handler())
	defer server.Close()

	transport := newTestKLAPTransport(t, server, "user@example.com", "secret")
	defer transport.Close()

	req, _ := json.Marshal(map[string]any{"method": "get_current_power"})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = transport.Send(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), device.handshakeCount.Load())
	assert.Equal(t, int32(n), device.requestCount.Load())
}
