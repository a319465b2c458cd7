package drivewatch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jun/gdrive-notifier/internal/crypto"
	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/jun/gdrive-notifier/internal/kv/memory"
)

const goodToken = "ya29.good"

// fakeGoogle serves the subset of Google OAuth and Drive endpoints the client
// calls.
type fakeGoogle struct {
	mu         sync.Mutex
	revoked    []string
	revokeCode int
	listQuery  url.Values
	changesQry url.Values
	changes    map[string]string // pageToken -> response body
	srv        *httptest.Server
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{revokeCode: http.StatusOK, changes: map[string]string{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth2/v2/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != goodToken {
			http.Error(w, `{"error":"invalid_token"}`, http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"email":"user@example.com","expires_in":3000}`))
	})
	mux.HandleFunc("/oauth2/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+goodToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"42","email":"user@example.com","name":"Test User"}`))
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.revoked = append(f.revoked, r.URL.Query().Get("token"))
		code := f.revokeCode
		f.mu.Unlock()
		w.WriteHeader(code)
	})
	mux.HandleFunc("/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listQuery = r.URL.Query()
		f.mu.Unlock()
		w.Write([]byte(`{"files":[{"id":"f1","name":"Report.pdf","mimeType":"application/pdf"}]}`))
	})
	mux.HandleFunc("/drive/v3/changes/startPageToken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"startPageToken":"100"}`))
	})
	mux.HandleFunc("/drive/v3/changes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.changesQry = r.URL.Query()
		body, ok := f.changes[r.URL.Query().Get("pageToken")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":{"code":404,"message":"bad page token"}}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(body))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

type harness struct {
	client *Client
	store  *memory.Store
	google *fakeGoogle
	states []bool
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewStore(),
		google: newFakeGoogle(t),
		now:    time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC),
	}
	h.client = New(Options{
		ClientID:      "client-123.apps.googleusercontent.com",
		RedirectURL:   "http://localhost:8080/callback",
		Store:         h.store,
		Sealer:        crypto.NewMockSealer(),
		HTTPClient:    h.google.srv.Client(),
		DriveEndpoint: h.google.srv.URL + "/drive/v3/",
		OAuthEndpoint: h.google.srv.URL + "/",
		RevokeURL:     h.google.srv.URL + "/revoke",
		Listener:      func(ok bool) { h.states = append(h.states, ok) },
	})
	h.client.now = func() time.Time { return h.now }
	return h
}

// signIn stores a token authorized at the given time.
func (h *harness) signIn(t *testing.T, token string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.Put(ctx, KeyAccessToken, []byte("mock:"+token), 0); err != nil {
		t.Fatal(err)
	}
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	if err := h.store.Put(ctx, KeyAuthTime, []byte(ms), 0); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) has(key string) bool {
	_, err := h.store.Get(context.Background(), key)
	return err == nil
}

func TestSignIn_URL(t *testing.T) {
	h := newHarness(t)

	u, err := url.Parse(h.client.SignIn())
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q", u.Host)
	}
	q := u.Query()
	want := map[string]string{
		"client_id":              "client-123.apps.googleusercontent.com",
		"redirect_uri":           "http://localhost:8080/callback",
		"response_type":          "token",
		"include_granted_scopes": "true",
		"state":                  OAuthState,
		"prompt":                 "consent",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	scope := q.Get("scope")
	for _, s := range Scopes {
		if !strings.Contains(scope, s) {
			t.Errorf("scope %q missing %q", scope, s)
		}
	}
}

func TestCompleteSignIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	redirect := "http://localhost:8080/callback#access_token=" + goodToken +
		"&token_type=Bearer&expires_in=3599&state=" + OAuthState
	if err := h.client.CompleteSignIn(ctx, redirect); err != nil {
		t.Fatalf("CompleteSignIn: %v", err)
	}

	sealed, _ := kv.GetString(ctx, h.store, KeyAccessToken)
	if sealed != "mock:"+goodToken {
		t.Errorf("stored token = %q, want sealed value", sealed)
	}
	authTime, _ := kv.GetString(ctx, h.store, KeyAuthTime)
	if authTime != strconv.FormatInt(h.now.UnixMilli(), 10) {
		t.Errorf("auth time = %q", authTime)
	}

	s, err := h.client.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.AccessToken != goodToken || s.UserEmail != "user@example.com" || s.UserName != "Test User" {
		t.Errorf("session = %+v", s)
	}
	if !s.AuthTimestamp.Equal(h.now) {
		t.Errorf("AuthTimestamp = %v, want %v", s.AuthTimestamp, h.now)
	}
	if len(h.states) != 1 || !h.states[0] {
		t.Errorf("listener states = %v, want [true]", h.states)
	}
}

// failingStore rejects writes to one key.
type failingStore struct {
	*memory.Store
	failKey string
}

func (s *failingStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == s.failKey {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, key, value, ttl)
}

func TestCompleteSignIn_ProfileWriteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	h := newHarness(t)
	store := &failingStore{Store: h.store, failKey: KeyUserEmail}
	h.client.store = store

	redirect := "http://localhost:8080/callback#access_token=" + goodToken + "&state=" + OAuthState
	if err := h.client.CompleteSignIn(context.Background(), redirect); err != nil {
		t.Fatalf("CompleteSignIn: %v", err)
	}
	if h.has(KeyUserEmail) {
		t.Error("email stored despite failing write")
	}
	if name, _ := kv.GetString(context.Background(), h.store, KeyUserName); name != "Test User" {
		t.Errorf("name = %q, want Test User", name)
	}
	out := buf.String()
	if !strings.Contains(out, "Failed to store user profile field") || !strings.Contains(out, KeyUserEmail) {
		t.Errorf("log output = %s", out)
	}
}

func TestCompleteSignIn_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		redirect string
		wantErr  error
	}{
		{"wrong state", "http://x/cb#access_token=tok&state=other", ErrStateMismatch},
		{"missing state", "http://x/cb#access_token=tok", ErrStateMismatch},
		{"user denied", "http://x/cb#error=access_denied&state=" + OAuthState, nil},
		{"no token", "http://x/cb#state=" + OAuthState, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.client.CompleteSignIn(context.Background(), tt.redirect)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if h.has(KeyAccessToken) {
				t.Error("token stored despite rejected redirect")
			}
			if len(h.states) != 0 {
				t.Errorf("listener called: %v", h.states)
			}
		})
	}
}

func TestIsAuthenticated(t *testing.T) {
	t.Run("no token", func(t *testing.T) {
		h := newHarness(t)
		if h.client.IsAuthenticated(context.Background()) {
			t.Error("expected false")
		}
		if len(h.google.revokedTokens()) != 0 {
			t.Error("revoke called without a token")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now.Add(-30*time.Minute))
		if !h.client.IsAuthenticated(context.Background()) {
			t.Error("expected true")
		}
	})

	t.Run("exactly one hour old is still valid", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now.Add(-time.Hour))
		if !h.client.IsAuthenticated(context.Background()) {
			t.Error("expected true at exactly one hour")
		}
	})

	t.Run("older than one hour signs out", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now.Add(-time.Hour-time.Millisecond))
		if h.client.IsAuthenticated(context.Background()) {
			t.Error("expected false")
		}
		if h.has(KeyAccessToken) || h.has(KeyAuthTime) {
			t.Error("expired session not cleared")
		}
		if got := h.google.revokedTokens(); len(got) != 1 || got[0] != goodToken {
			t.Errorf("revoked = %v", got)
		}
		if len(h.states) != 1 || h.states[0] {
			t.Errorf("listener states = %v, want [false]", h.states)
		}
	})

	t.Run("missing auth time fails closed", func(t *testing.T) {
		h := newHarness(t)
		h.store.Put(context.Background(), KeyAccessToken, []byte("mock:"+goodToken), 0)
		if h.client.IsAuthenticated(context.Background()) {
			t.Error("expected false")
		}
		if h.has(KeyAccessToken) {
			t.Error("token not cleared")
		}
	})

	t.Run("garbage auth time fails closed", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now)
		h.store.Put(context.Background(), KeyAuthTime, []byte("yesterday"), 0)
		if h.client.IsAuthenticated(context.Background()) {
			t.Error("expected false")
		}
	})

	t.Run("token rejected by google", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, "ya29.revoked", h.now.Add(-time.Minute))
		if h.client.IsAuthenticated(context.Background()) {
			t.Error("expected false")
		}
		if !h.has(KeyAccessToken) {
			t.Error("a failed token check must not sign out")
		}
	})
}

func TestSignOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signIn(t, goodToken, h.now)
	h.store.Put(ctx, KeyUserEmail, []byte("user@example.com"), 0)
	h.store.Put(ctx, KeyUserName, []byte("Test User"), 0)
	h.store.Put(ctx, KeyPageToken, []byte("100"), 0)
	h.google.revokeCode = http.StatusBadRequest

	h.client.SignOut(ctx)

	for _, k := range []string{KeyAccessToken, KeyAuthTime, KeyUserEmail, KeyUserName} {
		if h.has(k) {
			t.Errorf("%s still stored", k)
		}
	}
	if !h.has(KeyPageToken) {
		t.Error("page token should survive sign-out")
	}
	if got := h.google.revokedTokens(); len(got) != 1 || got[0] != goodToken {
		t.Errorf("revoked = %v", got)
	}
	if len(h.states) != 1 || h.states[0] {
		t.Errorf("listener states = %v, want [false]", h.states)
	}
}

func TestGetUserInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.client.GetUserInfo(ctx); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}

	h.signIn(t, goodToken, h.now)
	info, err := h.client.GetUserInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Email != "user@example.com" || info.Name != "Test User" || info.ID != "42" {
		t.Errorf("info = %+v", info)
	}

	h.signIn(t, "ya29.other", h.now)
	if _, err := h.client.GetUserInfo(ctx); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want generic failure", err)
	}
}

func TestGetRecentSharedFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signIn(t, goodToken, h.now)

	files, err := h.client.GetRecentSharedFiles(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "Report.pdf" {
		t.Fatalf("files = %+v", files)
	}

	q := h.google.listQuery
	if q.Get("q") != "sharedWithMe = true" {
		t.Errorf("q = %q", q.Get("q"))
	}
	if q.Get("orderBy") != "sharedWithMeTime desc" {
		t.Errorf("orderBy = %q", q.Get("orderBy"))
	}
	if q.Get("pageSize") != "10" {
		t.Errorf("pageSize = %q, want default 10", q.Get("pageSize"))
	}
	if q.Get("fields") != sharedFilesFields {
		t.Errorf("fields = %q", q.Get("fields"))
	}
}

func TestCheckForChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("no cursor starts detection", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now)

		changes, err := h.client.CheckForChanges(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if changes == nil || len(changes) != 0 {
			t.Errorf("changes = %v, want empty non-nil", changes)
		}
		if tok, _ := kv.GetString(ctx, h.store, KeyPageToken); tok != "100" {
			t.Errorf("page token = %q, want 100", tok)
		}
	})

	t.Run("advances cursor across pages", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now)
		h.store.Put(ctx, KeyPageToken, []byte("100"), 0)
		h.google.changes["100"] = `{"nextPageToken":"101","changes":[{"file":{"id":"a","name":"A.pdf","mimeType":"application/pdf"}}]}`
		h.google.changes["101"] = `{"newStartPageToken":"102","changes":[{"file":{"id":"b","name":"B","mimeType":"application/vnd.google-apps.folder","sharingUser":{"emailAddress":"alice@example.com"},"owners":[{"emailAddress":"alice@example.com"}]}}]}`

		changes, err := h.client.CheckForChanges(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(changes) != 2 || changes[0].File.Id != "a" || changes[1].File.Id != "b" {
			t.Fatalf("changes = %+v", changes)
		}
		if tok, _ := kv.GetString(ctx, h.store, KeyPageToken); tok != "102" {
			t.Errorf("page token = %q, want 102", tok)
		}
		if u := changes[1].File.SharingUser; u == nil || u.EmailAddress != "alice@example.com" {
			t.Errorf("sharingUser not decoded: %+v", changes[1].File)
		}
		if fields := h.google.changesQry.Get("fields"); !strings.Contains(fields, "ownedByMe") || !strings.Contains(fields, "sharingUser(") {
			t.Errorf("fields = %q", fields)
		}
	})

	t.Run("no changes keeps empty slice", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now)
		h.store.Put(ctx, KeyPageToken, []byte("200"), 0)
		h.google.changes["200"] = `{"newStartPageToken":"200","changes":[]}`

		changes, err := h.client.CheckForChanges(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if changes == nil || len(changes) != 0 {
			t.Errorf("changes = %v", changes)
		}
	})

	t.Run("api failure keeps cursor", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now)
		h.store.Put(ctx, KeyPageToken, []byte("stale"), 0)

		if _, err := h.client.CheckForChanges(ctx); err == nil {
			t.Fatal("expected error")
		}
		if tok, _ := kv.GetString(ctx, h.store, KeyPageToken); tok != "stale" {
			t.Errorf("page token = %q", tok)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h := newHarness(t)
		h.store.Put(ctx, KeyPageToken, []byte("100"), 0)
		if _, err := h.client.CheckForChanges(ctx); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})
}

func TestInit(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticated starts detection", func(t *testing.T) {
		h := newHarness(t)
		h.signIn(t, goodToken, h.now)
		if !h.client.Init(ctx) {
			t.Fatal("expected true")
		}
		if !h.has(KeyPageToken) {
			t.Error("change detection not started")
		}
		if len(h.states) != 1 || !h.states[0] {
			t.Errorf("listener states = %v", h.states)
		}
	})

	t.Run("signed out does nothing", func(t *testing.T) {
		h := newHarness(t)
		if h.client.Init(ctx) {
			t.Fatal("expected false")
		}
		if h.has(KeyPageToken) {
			t.Error("change detection started while signed out")
		}
		if len(h.states) != 1 || h.states[0] {
			t.Errorf("listener states = %v", h.states)
		}
	})
}
