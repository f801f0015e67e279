package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_Decode_Valid(t *testing.T) {
	d := NewDecoder(nil)

	ev, err := d.Decode([]byte(`{
		"token": "phc_test",
		"uuid": "9e8f1a3c-5a81-4a34-8d20-b9f0a3e7c111",
		"event": "$pageview",
		"distinct_id": "d1",
		"properties": {"$current_url": "https://example.com"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "phc_test", ev.Token)
	assert.Equal(t, "$pageview", ev.Event)
	assert.Equal(t, "d1", ev.DistinctID)
	assert.Equal(t, "https://example.com", ev.Properties[PropCurrentURL])
	assert.False(t, ev.Now.IsZero())
}

func TestDecoder_Decode_Malformed(t *testing.T) {
	d := NewDecoder(nil)

	tests := []struct {
		name  string
		raw   string
		cause string
	}{
		{"invalid json", `{"event":`, DropMalformed},
		{"not an object", `[1, 2, 3]`, DropMalformed},
		{"missing event name", `{"uuid": "u", "distinct_id": "d"}`, DropMalformed},
		{"empty distinct id", `{"event": "$pageview", "uuid": "u"}`, DropMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.raw))
			require.Error(t, err)

			drop, ok := AsDropped(err)
			require.True(t, ok)
			assert.Equal(t, tt.cause, drop.Cause)
		})
	}
}

func TestDecoder_Decode_TopLevelSetFoldedIn(t *testing.T) {
	d := NewDecoder(nil)

	ev, err := d.Decode([]byte(`{
		"event": "$identify",
		"uuid": "u1",
		"distinct_id": "d1",
		"properties": {"$set": {"plan": "pro"}},
		"$set": {"plan": "free", "city": "Lisbon"},
		"$set_once": {"first_seen": "2025-01-01"}
	}`))
	require.NoError(t, err)

	set := ev.Properties.StringMap(PropSet)
	require.NotNil(t, set)
	// Properties win over the top-level shape on conflict.
	assert.Equal(t, "pro", set["plan"])
	assert.Equal(t, "Lisbon", set["city"])

	setOnce := ev.Properties.StringMap(PropSetOnce)
	require.NotNil(t, setOnce)
	assert.Equal(t, "2025-01-01", setOnce["first_seen"])
}

func TestDecoder_Decode_NilProperties(t *testing.T) {
	d := NewDecoder(nil)

	ev, err := d.Decode([]byte(`{"event": "$pageview", "uuid": "u1", "distinct_id": "d1"}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Properties)
}

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		uuid    string
		wantErr bool
	}{
		{"valid", "9e8f1a3c-5a81-4a34-8d20-b9f0a3e7c111", false},
		{"empty", "", true},
		{"garbage", "not-a-uuid", true},
		{"truncated", "9e8f1a3c-5a81", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUUID(&PipelineEvent{UUID: tt.uuid})
			if tt.wantErr {
				drop, ok := AsDropped(err)
				require.True(t, ok)
				assert.Equal(t, DropInvalidEventUUID, drop.Cause)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
