package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tempoplan/tempoplan-cli/internal/config"
	"github.com/tempoplan/tempoplan-cli/internal/session"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&config.Config{
		APIBaseURL:      server.URL + "/api",
		CalendarBaseURL: server.URL + "/calendar",
	})
	require.NoError(t, err)
	return client, server
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestAuthStatusParsesResponse(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UnixMilli()
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/status", r.URL.Path)
		http.SetCookie(w, &http.Cookie{Name: "auth_session", Value: "true", Path: "/"})
		writeJSON(w, `{"isAuthenticated":true,"user":{"name":"Ada","email":"ada@example.com"},"expiry_date":`+
			strconv.FormatInt(expiry, 10)+`}`)
	}))

	status, err := client.AuthStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsAuthenticated)
	assert.Equal(t, "Ada", status.UserName)
	assert.Equal(t, "ada@example.com", status.UserEmail)
	assert.Equal(t, expiry, status.ExpiryDate.UnixMilli())
	assert.True(t, client.HasSessionCookie(), "the ambient flag from the response must land in the jar")
}

func TestAuthStatusUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Calendar-Auth-Required", "true")
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.AuthStatus(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrAuthRequired))
}

func TestNonJSONSuccessIsRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>gateway error</html>"))
	}))

	_, err := client.AuthStatus(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrNetworkFailure))
}

func TestRefreshParsesExpiry(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UnixMilli()
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/refresh", r.URL.Path)
		writeJSON(w, `{"expiry_date":`+strconv.FormatInt(expiry, 10)+`}`)
	}))

	got, err := client.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expiry, got.UnixMilli())
}

func TestSetCookiesSendsTokensAndCSRF(t *testing.T) {
	var gotBody []byte
	var gotCSRF string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/csrf-token":
			writeJSON(w, `{"csrfToken":"tok-123"}`)
		case "/api/auth/set-cookies":
			gotCSRF = r.Header.Get("X-CSRF-Token")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	require.NoError(t, client.InitCSRF(context.Background()))

	expiry := time.Now().Add(time.Hour)
	err := client.SetCookies(context.Background(), session.TokenUpdate{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiryDate:   expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-123", gotCSRF)
	assert.Equal(t, "at", gjson.GetBytes(gotBody, "access_token").String())
	assert.Equal(t, "rt", gjson.GetBytes(gotBody, "refresh_token").String())
	assert.Equal(t, expiry.UnixMilli(), gjson.GetBytes(gotBody, "expiry_date").Int())
}

func TestCalendarAuthURLMissing(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{}`)
	}))

	_, err := client.CalendarAuthURL(context.Background())
	require.Error(t, err)
}

func TestClearSessionCookies(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "auth_session", Value: "true", Path: "/"})
		writeJSON(w, `{"isAuthenticated":true}`)
	}))

	_, err := client.AuthStatus(context.Background())
	require.NoError(t, err)
	require.True(t, client.HasSessionCookie())

	client.ClearSessionCookies()
	assert.False(t, client.HasSessionCookie())
}
