package tapo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// TransportKind selects which session engine a Device uses.
type TransportKind string

const (
	TransportKLAP TransportKind = "klap"
	TransportAES  TransportKind = "aes"
)

// defaultPort is used when DeviceOptions.Port is zero.
const defaultPort = 80

// Client holds client-level defaults (credentials, logger) shared across
// every device it connects to. Device-level overrides passed to Connect
// win over these defaults.
type Client struct {
	defaults MergedCredentialView
	logger   *log.Logger
}

// NewClient builds a Client from client-wide default credentials. A nil
// logger falls back to log.Default().
func NewClient(credentials Credentials, credentialsHash CredentialsHash, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		defaults: MergedCredentialView{Credentials: credentials, CredentialsHash: credentialsHash},
		logger:   logger,
	}
}

// DeviceOptions configures a single device connection. Fields left zero
// fall back to the Client's defaults (credentials) or built-in defaults
// (port, transport).
type DeviceOptions struct {
	Host            string
	Port            int
	Transport       TransportKind
	Timeout         time.Duration
	Credentials     Credentials
	CredentialsHash CredentialsHash
}

// Device is the authenticated session + SMART envelope façade for a single
// TP-Link/Tapo device.
type Device struct {
	host         string
	port         int
	transport    Transport
	terminalUUID string
	logger       *log.Logger

	slot chan struct{} // single-slot FIFO queue; at most one in-flight request

	idMu     sync.Mutex
	deviceID string // this device's own id, lazily fetched for child routing
}

// Connect builds a Device bound to opts.Host/Port using the transport named
// by opts.Transport, merging opts' credentials over the Client's defaults.
// No handshake happens yet: sessions are created lazily on first send.
func (c *Client) Connect(opts DeviceOptions) (*Device, error) {
	if opts.Host == "" {
		return nil, &InvalidArgument{Msg: "host is required"}
	}
	if opts.Timeout <= 0 {
		return nil, &InvalidArgument{Msg: "timeout is required"}
	}

	port := opts.Port
	if port == 0 {
		port = defaultPort
	}

	override := MergedCredentialView{Credentials: opts.Credentials, CredentialsHash: opts.CredentialsHash}
	view := mergeCredentials(c.defaults, override)

	if view.CredentialsHash == "" {
		if err := view.Credentials.Validate(); err != nil {
			return nil, err
		}
	}

	terminalUUID, err := newTerminalUUID()
	if err != nil {
		return nil, err
	}

	var transport Transport
	switch opts.Transport {
	case TransportAES:
		transport = newAESTransport(opts.Host, port, opts.Timeout, view, c.logger)
	case TransportKLAP, "":
		transport = newKLAPTransport(opts.Host, port, opts.Timeout, view, c.logger)
	default:
		return nil, &InvalidArgument{Msg: fmt.Sprintf("unknown transport %q", opts.Transport)}
	}

	slot := make(chan struct{}, 1)
	slot <- struct{}{}

	return &Device{
		host:         opts.Host,
		port:         port,
		transport:    transport,
		terminalUUID: terminalUUID,
		logger:       c.logger,
		slot:         slot,
	}, nil
}

// Close releases the device's session. Idempotent.
func (d *Device) Close() error {
	return d.transport.Close()
}

// acquire blocks until the device's single queue slot is free, returning a
// release func the caller must defer: at most one request per device is
// ever in flight against the session engine.
func (d *Device) acquire(ctx context.Context) (func(), error) {
	select {
	case <-d.slot:
		return func() { d.slot <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveDeviceID returns this device's own device_id, fetching it via
// get_device_info on first use and caching it thereafter. Child routing
// needs it to build the control_child device_id, which is the parent's own
// id concatenated with the childId.
func (d *Device) resolveDeviceID(ctx context.Context) (string, error) {
	d.idMu.Lock()
	if d.deviceID != "" {
		id := d.deviceID
		d.idMu.Unlock()
		return id, nil
	}
	d.idMu.Unlock()

	result, err := d.SendSmartCommand(ctx, "get_device_info", nil)
	if err != nil {
		return "", err
	}
	var info struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return "", fmt.Errorf("%w: parsing get_device_info for child routing: %v", ErrProtocolError, err)
	}

	d.idMu.Lock()
	d.deviceID = info.DeviceID
	d.idMu.Unlock()
	return info.DeviceID, nil
}

// childDeviceID validates the childIDs variadic and, when one is given,
// resolves it to the full control_child device_id (this device's own id
// plus the childId suffix). Must run before acquire: resolveDeviceID sends
// its own get_device_info through SendSmartCommand, which acquires the slot
// itself.
func (d *Device) childDeviceID(ctx context.Context, childIDs []string) (string, error) {
	suffix, err := oneChildID(childIDs)
	if err != nil {
		return "", err
	}
	if suffix == "" {
		return "", nil
	}
	parentID, err := d.resolveDeviceID(ctx)
	if err != nil {
		return "", err
	}
	return parentID + suffix, nil
}

// SendSmartCommand sends a single SMART method call, optionally routed to
// a child device, and returns its parsed result payload.
func (d *Device) SendSmartCommand(ctx context.Context, method string, params any, childIDs ...string) (json.RawMessage, error) {
	childID, err := d.childDeviceID(ctx, childIDs)
	if err != nil {
		return nil, err
	}

	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	envelope, err := buildEnvelope(method, params, d.terminalUUID, childID)
	if err != nil {
		return nil, err
	}
	reqJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling SMART request: %v", ErrProtocolError, err)
	}

	respBytes, err := d.transport.Send(ctx, reqJSON)
	if err != nil {
		return nil, err
	}

	if childID != "" {
		return unwrapChild(respBytes, method)
	}
	return unwrapTopLevel(respBytes, method)
}

// SendSmartRequests posts a multipleRequest batch and returns a
// method -> result mapping. A non-zero error_code in any single entry
// surfaces as a SmartError naming that entry's method.
func (d *Device) SendSmartRequests(ctx context.Context, requests []SmartRequest, childIDs ...string) (map[string]json.RawMessage, error) {
	childID, err := d.childDeviceID(ctx, childIDs)
	if err != nil {
		return nil, err
	}

	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	inner := make([]smartInnerRequest, len(requests))
	for i, r := range requests {
		inner[i] = smartInnerRequest{Method: r.Method, Params: r.Params}
	}
	batchParams := multipleRequestParams{Requests: inner}

	envelope, err := buildEnvelope("multipleRequest", batchParams, d.terminalUUID, childID)
	if err != nil {
		return nil, err
	}
	reqJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling multipleRequest: %v", ErrProtocolError, err)
	}

	respBytes, err := d.transport.Send(ctx, reqJSON)
	if err != nil {
		return nil, err
	}

	if childID != "" {
		data, err := unwrapChild(respBytes, "multipleRequest")
		if err != nil {
			return nil, err
		}
		var result multipleResponseResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("%w: decoding nested multipleRequest result: %v", ErrProtocolError, err)
		}
		out := make(map[string]json.RawMessage, len(result.Responses))
		for _, entry := range result.Responses {
			if entry.ErrorCode != 0 {
				return nil, &SmartError{ErrorCode: entry.ErrorCode, Method: entry.Method, ResponseJSON: string(respBytes)}
			}
			out[entry.Method] = entry.Result
		}
		return out, nil
	}

	return unwrapMultiple(respBytes)
}
