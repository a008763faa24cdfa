package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "s3cret")
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURLAndSecret(t *testing.T) {
	_, err := New("", "secret")
	assert.Error(t, err)
	_, err = New("http://state:8081", "")
	assert.Error(t, err)
}

func TestClientSendsSecretHeader(t *testing.T) {
	var gotSecret, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(HeaderInternalSecret)
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(ConversationBundle{})
	})

	_, err := c.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "/internal/conversations/conv-1", gotPath)
}

func TestClientResolveConversationQuery(t *testing.T) {
	var gotQuery map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"phone_number_id": r.URL.Query().Get("phone_number_id"),
			"phone":           r.URL.Query().Get("phone"),
			"name":            r.URL.Query().Get("name"),
		}
		_ = json.NewEncoder(w).Encode(ConversationBundle{
			Conversation: Conversation{ID: "conv-1"},
		})
	})

	bundle, err := c.ResolveConversation(context.Background(), ResolveConversationRequest{
		PhoneNumberID: "pn-1",
		Phone:         "15551230000",
		Name:          "Sam",
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", bundle.Conversation.ID)
	assert.Equal(t, map[string]string{
		"phone_number_id": "pn-1",
		"phone":           "15551230000",
		"name":            "Sam",
	}, gotQuery)
}

func TestClientSentinelErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/conversations/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})

	_, err := c.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetConversation(context.Background(), "conv-1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClientAPIErrorCarriesStatusAndMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorResponse{Message: "stage transition rejected"})
	})

	_, err := c.PatchConversation(context.Background(), "conv-1", ConversationPatch{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "stage transition rejected", apiErr.Message)
}

func TestClientRetriesIdempotentCallOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ConversationBundle{})
	})

	_, err := c.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.GetConversation(context.Background(), "conv-1")
	require.Error(t, err)
	assert.Equal(t, int32(retryAttempts), calls.Load())
}

func TestClientNoRetryOn404(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetConversation(context.Background(), "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientSendMessageNeverRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.SendMessage(context.Background(), SendMessageRequest{
		TenantID: "t1", ToPhone: "15551230000", Text: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientListDueFollowupsPassesNow(t *testing.T) {
	var gotNow string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotNow = r.URL.Query().Get("now")
		_ = json.NewEncoder(w).Encode(DueFollowupsResponse{
			Conversations: []Conversation{{ID: "conv-1"}},
		})
	})

	due, err := c.ListDueFollowups(context.Background(), time.Unix(1724505600, 0).UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "1724505600", gotNow)
}
