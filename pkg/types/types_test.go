package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlexibleID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FlexibleID
		wantErr bool
	}{
		{"string", `"u1"`, "u1", false},
		{"integer", `42`, "42", false},
		{"null", `null`, "", false},
		{"object", `{"a":1}`, "", true},
		{"bool", `true`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id FlexibleID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, id)
		})
	}
}

func TestIdentity_AcceptsBothIDKeys(t *testing.T) {
	req := require.New(t)

	var a Identity
	req.NoError(json.Unmarshal([]byte(`{"_id":"u1","username":"alice"}`), &a))
	req.Equal(FlexibleID("u1"), a.ID)
	req.Equal("alice", a.Username)

	var b Identity
	req.NoError(json.Unmarshal([]byte(`{"id":7,"username":"bob"}`), &b))
	req.Equal(FlexibleID("7"), b.ID)

	// "_id" wins when both are present
	var c Identity
	req.NoError(json.Unmarshal([]byte(`{"_id":"x","id":"y"}`), &c))
	req.Equal(FlexibleID("x"), c.ID)
}

func TestIdentity_Validate(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
		wantErr  bool
	}{
		{"valid", Identity{ID: "u1", Username: "alice"}, false},
		{"missing username is allowed", Identity{ID: "u1"}, false},
		{"empty id", Identity{Username: "alice"}, true},
		{"id too long", Identity{ID: FlexibleID(strings.Repeat("a", 129))}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.identity.Validate()
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrIdentifyFailed), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSendRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		request SendRequest
		wantErr bool
	}{
		{"valid", SendRequest{Content: "hi", Sender: "u1"}, false},
		{"empty content", SendRequest{Content: "", Sender: "u1"}, true},
		{"whitespace content", SendRequest{Content: "   \n", Sender: "u1"}, true},
		{"content at limit", SendRequest{Content: strings.Repeat("é", MaxContentLength)}, false},
		{"content over limit", SendRequest{Content: strings.Repeat("x", MaxContentLength+1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestIsValidRoom(t *testing.T) {
	require.True(t, IsValidRoom("frontend"))
	require.True(t, IsValidRoom("web-dev_2"))
	require.False(t, IsValidRoom(""))
	require.False(t, IsValidRoom("front end"))
	require.False(t, IsValidRoom(strings.Repeat("a", 101)))
}

func TestPhase_String(t *testing.T) {
	require.Equal(t, "connecting", PhaseConnecting.String())
	require.Equal(t, "joined_room", PhaseJoinedRoom.String())
	require.Equal(t, "identified", PhaseIdentified.String())
	require.Equal(t, "disconnected", PhaseDisconnected.String())
	require.Equal(t, "unknown", Phase(99).String())
}

func TestAckBuilders(t *testing.T) {
	msg := &Message{ID: "m1", Content: "hi"}
	ok := SuccessAck(msg)
	require.Equal(t, AckStatusSuccess, ok.Status)
	require.Same(t, msg, ok.Message)

	bad := ErrorAck(ErrUnauthorized)
	require.Equal(t, AckStatusError, bad.Status)
	require.Equal(t, ErrUnauthorized.Error(), bad.Error)
	require.Nil(t, bad.Message)

	data, err := json.Marshal(bad)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"error","error":"unauthorized message sender"}`, string(data))
}
