package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvstream/internal/types"
)

func TestFetchTokenSendsCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, err := r.Cookie("sessionid")
		require.NoError(t, err)
		assert.Equal(t, "sess-value", sid.Value)
		sign, err := r.Cookie("sessionid_sign")
		require.NoError(t, err)
		assert.Equal(t, "sign-value", sign.Value)
		w.Write([]byte(`{"token":"tok-123"}`))
	}))
	defer srv.Close()

	c := Client{Location: srv.URL}
	tok, err := c.FetchToken(context.Background(), "sess-value", "sign-value")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok)
}

func TestFetchTokenNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 4xx must never be treated as success here.
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"token":"should-not-be-used"}`))
	}))
	defer srv.Close()

	c := Client{Location: srv.URL}
	_, err := c.FetchToken(context.Background(), "sess", "sign")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAuth))
}

func TestFetchTokenAnonymous(t *testing.T) {
	c := Client{}
	tok, err := c.FetchToken(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, AnonymousToken, tok)
}

func TestFetchTokenEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := Client{Location: srv.URL}
	_, err := c.FetchToken(context.Background(), "sess", "sign")
	assert.Error(t, err)
}
