// Package drivewatch is the Drive side of the notifier: it signs a user in
// with Google's implicit grant, keeps the short-lived access token, and
// polls the Drive change feed for newly shared files.
package drivewatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/jun/gdrive-notifier/internal/crypto"
	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/jun/gdrive-notifier/internal/model"
)

// State store keys.
const (
	KeyAccessToken = "googleAccessToken"
	KeyAuthTime    = "googleAuthTime"
	KeyUserEmail   = "googleUserEmail"
	KeyUserName    = "googleUserName"
	KeyPageToken   = "drivePageToken"
)

const (
	// OAuthState is sent with every sign-in and checked on the redirect.
	OAuthState = "gdrive-whatsapp-notifier"

	// SessionMaxAge is how long a stored token is trusted.
	SessionMaxAge = time.Hour

	// DefaultPageSize is used by GetRecentSharedFiles for a non-positive size.
	DefaultPageSize = 10

	// DefaultRevokeURL is Google's token revocation endpoint.
	DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

	sharedFilesFields = "files(id,name,mimeType,webViewLink,iconLink,owners,sharingUser,sharedWithMeTime)"
	changesFields     = "nextPageToken,newStartPageToken,changes(file(id,name,mimeType,webViewLink,size,ownedByMe,shared,sharingUser(emailAddress,displayName),owners(emailAddress)))"
)

// Scopes requested at sign-in.
var Scopes = []string{
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/drive.metadata.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

var (
	// ErrUnauthenticated is returned when no access token is stored.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrStateMismatch is returned when a redirect carries a foreign state.
	ErrStateMismatch = errors.New("oauth state mismatch")
)

// AuthListener is told about every auth state change.
type AuthListener func(authenticated bool)

// Options configures a Client. Endpoints are only overridden in tests.
type Options struct {
	ClientID    string
	RedirectURL string

	Store  kv.Store
	Sealer crypto.Sealer

	HTTPClient    *http.Client
	DriveEndpoint string
	OAuthEndpoint string
	RevokeURL     string

	Listener AuthListener
}

// Client is the Auth/Poll client.
type Client struct {
	oauthConfig *oauth2.Config
	store       kv.Store
	sealer      crypto.Sealer

	httpClient    *http.Client
	driveEndpoint string
	oauthEndpoint string
	revokeURL     string

	listener AuthListener
	now      func() time.Time
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		oauthConfig: &oauth2.Config{
			ClientID:    opts.ClientID,
			RedirectURL: opts.RedirectURL,
			Scopes:      Scopes,
			Endpoint:    google.Endpoint,
		},
		store:         opts.Store,
		sealer:        opts.Sealer,
		httpClient:    opts.HTTPClient,
		driveEndpoint: opts.DriveEndpoint,
		oauthEndpoint: opts.OAuthEndpoint,
		revokeURL:     opts.RevokeURL,
		listener:      opts.Listener,
		now:           time.Now,
	}
	if c.sealer == nil {
		c.sealer = crypto.NewMockSealer()
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.revokeURL == "" {
		c.revokeURL = DefaultRevokeURL
	}
	if c.listener == nil {
		c.listener = func(bool) {}
	}
	return c
}

// SignIn returns the authorization URL the user must open. The token comes
// back in the redirect fragment (implicit grant); pass that URL to
// CompleteSignIn.
func (c *Client) SignIn() string {
	return c.oauthConfig.AuthCodeURL(OAuthState,
		oauth2.SetAuthURLParam("response_type", "token"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// CompleteSignIn reads the access token from the redirect URL fragment,
// stores it with the current time and caches the user's profile.
func (c *Client) CompleteSignIn(ctx context.Context, redirectURL string) error {
	u, err := url.Parse(strings.TrimSpace(redirectURL))
	if err != nil {
		return fmt.Errorf("parse redirect url: %w", err)
	}
	params, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return fmt.Errorf("parse redirect fragment: %w", err)
	}
	if e := params.Get("error"); e != "" {
		return fmt.Errorf("authorization denied: %s", e)
	}
	if params.Get("state") != OAuthState {
		return ErrStateMismatch
	}
	token := params.Get("access_token")
	if token == "" {
		return errors.New("redirect has no access_token")
	}

	sealed, err := c.sealer.Seal(ctx, token)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, KeyAccessToken, []byte(sealed), 0); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	authTime := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := c.store.Put(ctx, KeyAuthTime, []byte(authTime), 0); err != nil {
		return fmt.Errorf("store auth time: %w", err)
	}

	info, err := c.GetUserInfo(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Signed in but failed to fetch user info")
	} else {
		c.cacheProfile(ctx, info)
	}

	log.Info().Str("email", info.emailOrEmpty()).Msg("Google sign-in completed")
	c.listener(true)
	return nil
}

// cacheProfile stores the user's email and name. A failed write only loses
// the cached display fields, so it is logged.
func (c *Client) cacheProfile(ctx context.Context, info *UserInfo) {
	fields := []struct{ key, value string }{
		{KeyUserEmail, info.Email},
		{KeyUserName, info.Name},
	}
	for _, f := range fields {
		if err := c.store.Put(ctx, f.key, []byte(f.value), 0); err != nil {
			log.Error().Err(err).Str("key", f.key).Msg("Failed to store user profile field")
		}
	}
}

// SignOut removes every stored auth field and revokes the token. A failed
// revocation is only logged.
func (c *Client) SignOut(ctx context.Context) {
	token, tokenErr := c.accessToken(ctx)

	for _, key := range []string{KeyAccessToken, KeyAuthTime, KeyUserEmail, KeyUserName} {
		if err := c.store.Delete(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to delete auth field")
		}
	}
	c.listener(false)

	if tokenErr != nil {
		return
	}
	if err := c.revoke(ctx, token); err != nil {
		log.Error().Err(err).Msg("Token revocation failed")
	}
}

func (c *Client) revoke(ctx context.Context, token string) error {
	u := c.revokeURL + "?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke returned %s", resp.Status)
	}
	return nil
}

// IsAuthenticated fails closed: no token, a missing or unreadable auth time,
// or a token older than SessionMaxAge all count as signed out (the last two
// also sign out). Otherwise Google's token-info endpoint decides.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	token, err := c.accessToken(ctx)
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			log.Error().Err(err).Msg("Failed to read access token")
		}
		return false
	}

	authTime, err := c.authTime(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Auth time unreadable, signing out")
		c.SignOut(ctx)
		return false
	}
	if c.now().Sub(authTime) > SessionMaxAge {
		log.Info().Time("authTime", authTime).Msg("Access token older than an hour, signing out")
		c.SignOut(ctx)
		return false
	}

	svc, err := goauth2.NewService(ctx, c.oauthOptions(c.httpClient)...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create oauth2 service")
		return false
	}
	if _, err := svc.Tokeninfo().AccessToken(token).Context(ctx).Do(); err != nil {
		log.Warn().Err(err).Msg("Token validation failed")
		return false
	}
	return true
}

// UserInfo is the signed-in user's profile.
type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	ID    string `json:"id"`
}

func (u *UserInfo) emailOrEmpty() string {
	if u == nil {
		return ""
	}
	return u.Email
}

// GetUserInfo fetches the profile for the stored token.
func (c *Client) GetUserInfo(ctx context.Context) (*UserInfo, error) {
	client, err := c.authorizedClient(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := goauth2.NewService(ctx, c.oauthOptions(client)...)
	if err != nil {
		return nil, fmt.Errorf("create oauth2 service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		log.Error().Err(err).Msg("Get user info failed")
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	return &UserInfo{Email: info.Email, Name: info.Name, ID: info.Id}, nil
}

// Session returns the stored session with the token opened.
func (c *Client) Session(ctx context.Context) (*model.AuthSession, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	s := &model.AuthSession{AccessToken: token}
	if t, err := c.authTime(ctx); err == nil {
		s.AuthTimestamp = t
	}
	s.UserEmail, _ = kv.GetString(ctx, c.store, KeyUserEmail)
	s.UserName, _ = kv.GetString(ctx, c.store, KeyUserName)
	return s, nil
}

// GetRecentSharedFiles lists files shared with the user, newest share first.
func (c *Client) GetRecentSharedFiles(ctx context.Context, pageSize int) ([]*drive.File, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	svc, err := c.driveService(ctx)
	if err != nil {
		return nil, err
	}

	r, err := svc.Files.List().
		Q("sharedWithMe = true").
		OrderBy("sharedWithMeTime desc").
		PageSize(int64(pageSize)).
		Fields(sharedFilesFields).
		Context(ctx).
		Do()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch shared files")
		return nil, fmt.Errorf("unable to list shared files: %w", err)
	}
	return r.Files, nil
}

// StartChangeDetection stores a fresh change-feed cursor, replacing any
// previous one.
func (c *Client) StartChangeDetection(ctx context.Context) (string, error) {
	svc, err := c.driveService(ctx)
	if err != nil {
		return "", err
	}
	r, err := svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		log.Error().Err(err).Msg("Failed to start change detection")
		return "", fmt.Errorf("unable to get start page token: %w", err)
	}
	if err := c.store.Put(ctx, KeyPageToken, []byte(r.StartPageToken), 0); err != nil {
		return "", fmt.Errorf("store page token: %w", err)
	}
	return r.StartPageToken, nil
}

// CheckForChanges returns the changes since the stored cursor and advances
// it. Without a cursor it starts change detection and returns no changes.
func (c *Client) CheckForChanges(ctx context.Context) ([]*drive.Change, error) {
	pageToken, err := kv.GetString(ctx, c.store, KeyPageToken)
	if errors.Is(err, kv.ErrNotFound) || (err == nil && pageToken == "") {
		if _, err := c.StartChangeDetection(ctx); err != nil {
			return nil, err
		}
		return []*drive.Change{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read page token: %w", err)
	}

	svc, err := c.driveService(ctx)
	if err != nil {
		return nil, err
	}

	changes := []*drive.Change{}
	for {
		r, err := svc.Changes.List(pageToken).Fields(changesFields).Context(ctx).Do()
		if err != nil {
			log.Error().Err(err).Msg("Failed to check for changes")
			return nil, fmt.Errorf("unable to list changes: %w", err)
		}
		changes = append(changes, r.Changes...)

		if r.NewStartPageToken != "" {
			if err := c.store.Put(ctx, KeyPageToken, []byte(r.NewStartPageToken), 0); err != nil {
				return nil, fmt.Errorf("store page token: %w", err)
			}
			break
		}
		if r.NextPageToken == "" {
			break
		}
		pageToken = r.NextPageToken
	}
	return changes, nil
}

// Init reports the current auth state to the listener and, when signed in,
// starts change detection. A failure to start is only logged.
func (c *Client) Init(ctx context.Context) bool {
	ok := c.IsAuthenticated(ctx)
	c.listener(ok)
	if ok {
		if _, err := c.StartChangeDetection(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start monitoring")
		} else {
			log.Info().Msg("Google Drive monitoring started")
		}
	}
	return ok
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	sealed, err := kv.GetString(ctx, c.store, KeyAccessToken)
	if errors.Is(err, kv.ErrNotFound) || (err == nil && sealed == "") {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", err
	}
	return c.sealer.Open(ctx, sealed)
}

func (c *Client) authTime(ctx context.Context) (time.Time, error) {
	raw, err := kv.GetString(ctx, c.store, KeyAuthTime)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid auth time %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

// authorizedClient returns an http.Client that sends the stored token.
func (c *Client) authorizedClient(ctx context.Context) (*http.Client, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	base := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	})), nil
}

func (c *Client) driveService(ctx context.Context) (*drive.Service, error) {
	client, err := c.authorizedClient(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.driveEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.driveEndpoint))
	}
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Drive client: %w", err)
	}
	return srv, nil
}

func (c *Client) oauthOptions(client *http.Client) []option.ClientOption {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.oauthEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.oauthEndpoint))
	}
	return opts
}
