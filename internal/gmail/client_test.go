package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func newTestClient(t *testing.T, threads map[string]*gmail.Thread) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		th, ok := threads[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(th)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(gmail.Profile{EmailAddress: "me@example.com"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c, err := NewClient(context.Background(), ts.Client(), option.WithEndpoint(ts.URL+"/"))
	require.NoError(t, err)
	return c
}

func TestThreadEmail(t *testing.T) {
	threads := map[string]*gmail.Thread{
		"html": {Id: "html", Messages: []*gmail.Message{{
			Payload: &gmail.MessagePart{
				MimeType: "multipart/alternative",
				Headers: []*gmail.MessagePartHeader{
					{Name: "Subject", Value: "Invoice March"},
					{Name: "From", Value: "Grace Hopper <grace@example.com>"},
				},
				Parts: []*gmail.MessagePart{
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain")}},
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>rich</p>")}},
				},
			},
		}}},
		"text": {Id: "text", Messages: []*gmail.Message{{
			Payload: &gmail.MessagePart{
				MimeType: "text/plain",
				Headers:  []*gmail.MessagePartHeader{{Name: "subject", Value: "Hi"}, {Name: "from", Value: "not an address"}},
				Body:     &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("a < b"))},
			},
		}}},
		"empty": {Id: "empty"},
	}
	c := newTestClient(t, threads)
	ctx := context.Background()

	e, err := c.ThreadEmail(ctx, "html")
	require.NoError(t, err)
	assert.Equal(t, "html", e.ThreadID)
	assert.Equal(t, "Invoice March", e.Subject)
	assert.Equal(t, "Grace Hopper <grace@example.com>", e.From)
	assert.Equal(t, "grace@example.com", e.Email)
	assert.Equal(t, "<p>rich</p>", e.HTML)

	e, err = c.ThreadEmail(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, "Hi", e.Subject)
	assert.Empty(t, e.Email)
	assert.Equal(t, "<pre>a &lt; b</pre>", e.HTML)

	_, err = c.ThreadEmail(ctx, "empty")
	assert.True(t, errors.Is(err, ErrThreadNotFound))

	_, err = c.ThreadEmail(ctx, "missing")
	assert.True(t, errors.Is(err, ErrThreadNotFound))

	addr, err := c.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", addr)
}

const testCredentials = `{"installed":{"client_id":"cid.apps.googleusercontent.com","client_secret":"secret",
"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token",
"redirect_uris":["http://localhost"]}}`

func TestAuth(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(creds, []byte(testCredentials), 0o600))

	_, err := NewAuth(filepath.Join(dir, "missing.json"), "")
	assert.Error(t, err)

	a, err := NewAuth(creds, filepath.Join(dir, "tok", "google.token"))
	require.NoError(t, err)
	assert.False(t, a.HasToken())
	assert.Contains(t, a.AuthURL("st"), "client_id=cid.apps.googleusercontent.com")
	assert.Contains(t, a.AuthURL("st"), "access_type=offline")

	_, err = a.HTTPClient(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)

	tok := &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, a.save(tok))
	assert.True(t, a.HasToken())
	info, err := os.Stat(filepath.Join(dir, "tok", "google.token"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := a.load()
	require.NoError(t, err)
	assert.Equal(t, "a1", loaded.AccessToken)

	client, err := a.HTTPClient(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, client)
}

type staticSource struct{ tok *oauth2.Token }

func (s staticSource) Token() (*oauth2.Token, error) { return s.tok, nil }

func TestSavingTokenSource(t *testing.T) {
	var saved []string
	ts := &savingTokenSource{
		base: staticSource{tok: &oauth2.Token{AccessToken: "new"}},
		last: "old",
		save: func(tok *oauth2.Token) error { saved = append(saved, tok.AccessToken); return nil },
	}
	for range 3 {
		_, err := ts.Token()
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"new"}, saved)
}
