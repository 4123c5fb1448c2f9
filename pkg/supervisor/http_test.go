package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postChat(t *testing.T, api *API, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func identityHeaders() map[string]string {
	return map[string]string{
		"X-Customer-ID": "cust-1",
		"X-User-Email":  "user@example.com",
	}
}

func TestChatNonStreaming(t *testing.T) {
	sender := &fakeSender{}
	api := NewAPI(newTestRouter(t, sender, &fakeClassifier{}, fakeCache{}))

	rec := postChat(t, api, `{"messages":[{"role":"user","content":"show my transaction history"}]}`, identityHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Role    string `json:"role"`
			} `json:"message"`
		} `json:"choices"`
		ThreadID string `json:"threadId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Choices, 1)
	assert.Equal(t, "done", payload.Choices[0].Message.Content)
	assert.Equal(t, "assistant", payload.Choices[0].Message.Role)
	assert.NotEmpty(t, payload.ThreadID)
}

func TestChatRequiresCustomerHeader(t *testing.T) {
	api := NewAPI(newTestRouter(t, &fakeSender{}, &fakeClassifier{}, fakeCache{}))

	rec := postChat(t, api, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRequiresMessages(t *testing.T) {
	api := NewAPI(newTestRouter(t, &fakeSender{}, &fakeClassifier{}, fakeCache{}))

	rec := postChat(t, api, `{"messages":[]}`, identityHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postChat(t, api, `not json`, identityHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatBusyReturns503(t *testing.T) {
	router := newTestRouter(t, &fakeSender{}, &fakeClassifier{}, fakeCache{})
	for len(router.slots) < cap(router.slots) {
		router.slots <- struct{}{}
	}
	api := NewAPI(router)

	rec := postChat(t, api, `{"messages":[{"role":"user","content":"hi"}]}`, identityHeaders())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatStreaming(t *testing.T) {
	sender := &fakeSender{}
	api := NewAPI(newTestRouter(t, sender, &fakeClassifier{}, fakeCache{}))

	rec := postChat(t, api, `{"stream":true,"messages":[{"role":"user","content":"show my transaction history"}]}`, identityHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var (
		steps    []string
		deltas   []string
		threadID string
	)
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))

		if step, ok := frame["step"].(string); ok {
			steps = append(steps, step)
			continue
		}
		choices, ok := frame["choices"].([]any)
		if !ok || len(choices) == 0 {
			continue
		}
		choice := choices[0].(map[string]any)
		if delta, ok := choice["delta"].(map[string]any); ok {
			deltas = append(deltas, delta["content"].(string))
		}
		if _, ok := choice["message"]; ok {
			threadID = frame["threadId"].(string)
		}
	}

	assert.Contains(t, steps, StepAnalyzing)
	assert.Contains(t, steps, StepRouting)
	assert.Contains(t, steps, StepGenerating)
	assert.Equal(t, "done", strings.Join(deltas, ""))
	assert.NotEmpty(t, threadID, "the stream must end with a terminal frame carrying the thread id")
}
