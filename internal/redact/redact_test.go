package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_StableAndOpaque(t *testing.T) {
	a := Value("conn_8f2a91")
	assert.Equal(t, a, Value("conn_8f2a91"))
	assert.NotEqual(t, a, Value("conn_8f2a92"))
	assert.True(t, strings.HasPrefix(a, Prefix))
	assert.NotContains(t, a, "8f2a91")
	assert.Equal(t, "", Value(""))
}

func TestMasker_KeyChangesDigest(t *testing.T) {
	assert.NotEqual(t, New([]byte("k1")).Value("conn"), New([]byte("k2")).Value("conn"))
}

func TestMap(t *testing.T) {
	in := map[string]any{
		"connection_id": "conn_123",
		"url":           "https://hooks.example.com/x",
		"headers": map[string]any{
			"Authorization": "Bearer abc.def",
			"X-Trace":       "t-1",
		},
		"items": []any{map[string]any{"apiKey": "k"}},
		"count": 3,
	}

	out := Map(in)

	assert.Equal(t, Value("conn_123"), out["connection_id"])
	assert.Equal(t, "https://hooks.example.com/x", out["url"])
	headers := out["headers"].(map[string]any)
	assert.Equal(t, Value("Bearer abc.def"), headers["Authorization"])
	assert.Equal(t, "t-1", headers["X-Trace"])
	assert.Equal(t, Value("k"), out["items"].([]any)[0].(map[string]any)["apiKey"])
	assert.Equal(t, 3, out["count"])

	// input untouched
	assert.Equal(t, "conn_123", in["connection_id"])
	assert.Nil(t, Map(nil))
}

func TestText(t *testing.T) {
	got := Text(`send failed: connection_id=conn_999 rejected (Authorization: Bearer sk-live-1)`)
	assert.NotContains(t, got, "conn_999")
	assert.NotContains(t, got, "sk-live-1")
	assert.Contains(t, got, "connection_id="+Value("conn_999"))
	assert.Contains(t, got, "Bearer "+Value("sk-live-1"))

	assert.Equal(t, "plain error", Text("plain error"))
}

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"connectionId", "connection-id", "API_KEY", "client_secret"} {
		assert.True(t, IsSensitiveKey(k), k)
	}
	assert.False(t, IsSensitiveKey("url"))
}
