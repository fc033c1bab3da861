package tapo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Transport is the capability set a session engine must offer the SMART
// layer, shared by composition (not inheritance) across the KLAP and AES
// implementations.
type Transport interface {
	Send(ctx context.Context, payload []byte) ([]byte, error)
	Close() error
}

// SmartRequest is one method/params pair, as used both standalone and
// inside a multipleRequest batch.
type SmartRequest struct {
	Method string
	Params any
}

// smartWireRequest is the outer envelope shape: method/params plus the
// terminal_uuid/request_time_milis every outbound SMART payload carries.
type smartWireRequest struct {
	Method          string `json:"method"`
	Params          any    `json:"params,omitempty"`
	RequestTimeMils int64  `json:"request_time_milis"`
	TerminalUUID    string `json:"terminal_uuid"`
}

type smartWireResponse struct {
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result"`
}

type controlChildParams struct {
	DeviceID    string            `json:"device_id"`
	RequestData smartInnerRequest `json:"requestData"`
}

type smartInnerRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type multipleRequestParams struct {
	Requests []smartInnerRequest `json:"requests"`
}

type multipleResponseEntry struct {
	Method    string          `json:"method"`
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result"`
}

type multipleResponseResult struct {
	Responses []multipleResponseEntry `json:"responses"`
}

type controlChildResponseData struct {
	ErrorCode int             `json:"error_code"`
	Result    json.RawMessage `json:"result"`
}

// buildEnvelope wraps method/params (and, when childID is set, the
// control_child routing) with request_time_milis/terminal_uuid.
func buildEnvelope(method string, params any, terminalUUID, childID string) (smartWireRequest, error) {
	if childID == "" {
		return smartWireRequest{
			Method:          method,
			Params:          params,
			RequestTimeMils: time.Now().UnixMilli(),
			TerminalUUID:    terminalUUID,
		}, nil
	}

	inner := smartInnerRequest{Method: method, Params: params}
	wrapped := smartWireRequest{
		Method: "control_child",
		Params: controlChildParams{
			DeviceID:    childID,
			RequestData: inner,
		},
		RequestTimeMils: time.Now().UnixMilli(),
		TerminalUUID:    terminalUUID,
	}
	return wrapped, nil
}

// oneChildID enforces "at most one childId per SMART call" and returns the
// single id, or "" if none was given.
func oneChildID(childIDs []string) (string, error) {
	switch len(childIDs) {
	case 0:
		return "", nil
	case 1:
		return normalizeChildID(childIDs[0]), nil
	default:
		return "", &InvalidArgument{Msg: "at most one childId is permitted per SMART call"}
	}
}

func normalizeChildID(id string) string {
	return id
}

// unwrapTopLevel implements the non-multipleRequest, non-child unwrapping
// rule: return the top-level result, failing on a non-zero error_code.
func unwrapTopLevel(body []byte, method string) (json.RawMessage, error) {
	var resp smartWireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding SMART response: %v", ErrProtocolError, err)
	}
	if resp.ErrorCode != 0 {
		return nil, &SmartError{ErrorCode: resp.ErrorCode, Method: method, ResponseJSON: string(body)}
	}
	return resp.Result, nil
}

// unwrapChild implements the control_child unwrapping rule: verify
// top-level success, then unwrap result.responseData and verify again.
func unwrapChild(body []byte, method string) (json.RawMessage, error) {
	top, err := unwrapTopLevel(body, "control_child")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		ResponseData controlChildResponseData `json:"responseData"`
	}
	if err := json.Unmarshal(top, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: decoding control_child responseData: %v", ErrProtocolError, err)
	}
	data := wrapper.ResponseData
	if data.ErrorCode != 0 {
		return nil, &SmartError{ErrorCode: data.ErrorCode, Method: method, ResponseJSON: string(body)}
	}
	return data.Result, nil
}

// unwrapMultiple implements multipleRequest unwrapping: parse
// result.responses, surface the first non-zero entry as a SmartError, and
// otherwise return method -> result for every entry.
func unwrapMultiple(body []byte) (map[string]json.RawMessage, error) {
	top, err := unwrapTopLevel(body, "multipleRequest")
	if err != nil {
		return nil, err
	}

	var result multipleResponseResult
	if err := json.Unmarshal(top, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding multipleRequest result: %v", ErrProtocolError, err)
	}

	out := make(map[string]json.RawMessage, len(result.Responses))
	for _, entry := range result.Responses {
		if entry.Method == "" {
			return nil, fmt.Errorf("%w: multipleRequest entry missing method", ErrProtocolError)
		}
		if entry.ErrorCode != 0 {
			return nil, &SmartError{ErrorCode: entry.ErrorCode, Method: entry.Method, ResponseJSON: string(body)}
		}
		out[entry.Method] = entry.Result
	}
	return out, nil
}
