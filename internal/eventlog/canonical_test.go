package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysByUTF16(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FF5E
	// in UTF-16 but after it in UTF-8.
	obj := map[string]any{
		"\uff5e":     "fullwidth",
		"\U0001F600": "emoji",
		"b":          json.Number("2"),
		"a":          json.Number("1"),
	}
	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1,\"b\":2,\"\U0001F600\":\"emoji\",\"\uff5e\":\"fullwidth\"}", string(got))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("<a & b> ")
	require.NoError(t, err)
	assert.Equal(t, "\"<a & b> \"", string(got))
}

func TestMarshalCanonical_EscapesControls(t *testing.T) {
	got, err := MarshalCanonical("a\"b\\c\nd\x01")
	require.NoError(t, err)
	assert.Equal(t, `"a\"b\\c\nd\u0001"`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"
	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestMarshalCanonical_Nested(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"list": []any{true, nil, "x", json.Number("-3")},
		"obj":  map[string]any{"z": false},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[true,null,"x",-3],"obj":{"z":false}}`, string(got))
}

func TestMarshalCanonical_RejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestNormalizePayload(t *testing.T) {
	type meta struct {
		Size int `json:"size"`
	}
	got, err := normalizePayload(map[string]any{
		"n":    42,
		"meta": meta{Size: 7},
		"tags": []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, json.Number("42"), got["n"])
	assert.Equal(t, map[string]any{"size": json.Number("7")}, got["meta"])
	assert.Equal(t, []any{"a"}, got["tags"])

	empty, err := normalizePayload(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestComputeChecksum_DomainSeparated(t *testing.T) {
	ev := Event{ID: 1, TicketID: "T-1", Type: FileLocked, Timestamp: 10, Payload: map[string]any{}}
	sum, err := ComputeChecksum(ev)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	canonical, err := MarshalCanonical(map[string]any{
		"event_id": "1", "ticket_id": "T-1", "type": "FILE_LOCKED", "timestamp": int64(10), "payload": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, hashWithDomain(DomainEvent, canonical), sum)
	assert.NotEqual(t, hashWithDomain("other/v1", canonical), sum)
}

func TestComputeChecksum_ChangesWithFields(t *testing.T) {
	base := Event{ID: 1, TicketID: "T-1", Type: FileLocked, Timestamp: 10, Payload: map[string]any{"path": "a.go"}}
	sum, err := ComputeChecksum(base)
	require.NoError(t, err)

	variants := []Event{
		{ID: 2, TicketID: "T-1", Type: FileLocked, Timestamp: 10, Payload: map[string]any{"path": "a.go"}},
		{ID: 1, TicketID: "T-2", Type: FileLocked, Timestamp: 10, Payload: map[string]any{"path": "a.go"}},
		{ID: 1, TicketID: "T-1", Type: FileUnlocked, Timestamp: 10, Payload: map[string]any{"path": "a.go"}},
		{ID: 1, TicketID: "T-1", Type: FileLocked, Timestamp: 11, Payload: map[string]any{"path": "a.go"}},
		{ID: 1, TicketID: "T-1", Type: FileLocked, Timestamp: 10, Payload: map[string]any{"path": "b.go"}},
	}
	for _, v := range variants {
		other, err := ComputeChecksum(v)
		require.NoError(t, err)
		assert.NotEqual(t, sum, other, "%+v", v)
	}
}
