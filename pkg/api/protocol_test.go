package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageType(t *testing.T) {
	msgType, err := MessageType([]byte(`{"type":"push","entity":"post"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePush, msgType)

	// Unknown tags are still reported; classification is the router's job.
	msgType, err = MessageType([]byte(`{"type":"whatever"}`))
	require.NoError(t, err)
	assert.Equal(t, "whatever", msgType)

	_, err = MessageType([]byte(`not json`))
	assert.Error(t, err)
}

func TestFieldWrite_NullValueSurvivesRoundTrip(t *testing.T) {
	// A deleted field is value null on the wire, which must stay
	// distinguishable from an absent or empty value.
	data, err := json.Marshal(FieldWrite{Field: "title", Value: nil, Action: ActionDelete})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value":null`)

	var decoded FieldWrite
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded.Value)

	empty := ""
	data, err = json.Marshal(FieldWrite{Field: "title", Value: &empty, Action: ActionUpdate})
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Value)
	assert.Equal(t, "", *decoded.Value)
}
