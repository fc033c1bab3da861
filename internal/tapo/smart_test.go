package tapo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvelope_TopLevel(t *testing.T) {
	env, err := buildEnvelope("get_device_info", nil, "uuid-1", "")
	require.NoError(t, err)
	assert.Equal(t, "get_device_info", env.Method)
	assert.Equal(t, "uuid-1", env.TerminalUUID)
	assert.Nil(t, env.Params)
}

func TestBuildEnvelope_ControlChildWrapping(t *testing.T) {
	env, err := buildEnvelope("get_device_info", nil, "uuid-1", "801234D00")
	require.NoError(t, err)
	assert.Equal(t, "control_child", env.Method)

	params, ok := env.Params.(controlChildParams)
	require.True(t, ok)
	assert.Equal(t, "801234D00", params.DeviceID)
	assert.Equal(t, "get_device_info", params.RequestData.Method)
}

func TestOneChildID(t *testing.T) {
	id, err := oneChildID(nil)
	require.NoError(t, err)
	assert.Equal(t, "", id)

	id, err = oneChildID([]string{"child-1"})
	require.NoError(t, err)
	assert.Equal(t, "child-1", id)

	_, err = oneChildID([]string{"child-1", "child-2"})
	var invalid *InvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestUnwrapTopLevel_Success(t *testing.T) {
	body := []byte(`{"error_code":0,"result":{"device_id":"abc"}}`)
	result, err := unwrapTopLevel(body, "get_device_info")
	require.NoError(t, err)

	var decoded struct {
		DeviceID string `json:"device_id"`
	}
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "abc", decoded.DeviceID)
}

func TestUnwrapTopLevel_SurfacesSmartError(t *testing.T) {
	body := []byte(`{"error_code":-1501,"result":{}}`)
	_, err := unwrapTopLevel(body, "get_device_info")
	var smartErr *SmartError
	require.ErrorAs(t, err, &smartErr)
	assert.Equal(t, -1501, smartErr.ErrorCode)
	assert.Equal(t, "get_device_info", smartErr.Method)
}

func TestUnwrapChild_NestedSuccess(t *testing.T) {
	body := []byte(`{"error_code":0,"result":{"responseData":{"error_code":0,"result":{"device_on":true}}}}`)
	result, err := unwrapChild(body, "set_device_info")
	require.NoError(t, err)

	var decoded struct {
		DeviceOn bool `json:"device_on"`
	}
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.True(t, decoded.DeviceOn)
}

func TestUnwrapChild_NestedErrorSurfaces(t *testing.T) {
	body := []byte(`{"error_code":0,"result":{"responseData":{"error_code":-1,"result":{}}}}`)
	_, err := unwrapChild(body, "set_device_info")
	var smartErr *SmartError
	require.ErrorAs(t, err, &smartErr)
	assert.Equal(t, -1, smartErr.ErrorCode)
}

func TestUnwrapChild_TopLevelErrorSurfacesBeforeNested(t *testing.T) {
	body := []byte(`{"error_code":-2,"result":{}}`)
	_, err := unwrapChild(body, "set_device_info")
	var smartErr *SmartError
	require.ErrorAs(t, err, &smartErr)
	assert.Equal(t, -2, smartErr.ErrorCode)
	assert.Equal(t, "control_child", smartErr.Method)
}

func TestUnwrapMultiple_PartialFailureSurfacesFirstError(t *testing.T) {
	body := []byte(`{"error_code":0,"result":{"responses":[
		{"method":"get_device_info","error_code":0,"result":{"device_id":"abc"}},
		{"method":"get_energy_usage","error_code":-5,"result":{}}
	]}}`)
	_, err := unwrapMultiple(body)
	var smartErr *SmartError
	require.ErrorAs(t, err, &smartErr)
	assert.Equal(t, "get_energy_usage", smartErr.Method)
	assert.Equal(t, -5, smartErr.ErrorCode)
}

func TestUnwrapMultiple_AllSuccessReturnsEveryMethod(t *testing.T) {
	body := []byte(`{"error_code":0,"result":{"responses":[
		{"method":"get_device_info","error_code":0,"result":{"device_id":"abc"}},
		{"method":"get_current_power","error_code":0,"result":{"current_power":1500}}
	]}}`)
	results, err := unwrapMultiple(body)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Contains(t, results, "get_device_info")
	assert.Contains(t, results, "get_current_power")
}
