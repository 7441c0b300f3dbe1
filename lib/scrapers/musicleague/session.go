package musicleague

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Session is the reusable authenticated state of a client. It is a
// value: revalidation either confirms it or replaces it wholesale,
// nothing mutates an existing session in place.
type Session struct {
	Cookies     []SessionCookie `json:"cookies"`
	CapturedAt  time.Time       `json:"captured_at"`
	ValidatedAt time.Time       `json:"validated_at"`
}

type SessionCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s Session) Empty() bool {
	return len(s.Cookies) == 0
}

// ExportSession captures the client's current cookies for the base url.
func (c *Client) ExportSession() Session {
	jar := c.Http.GetClient().Jar
	cookies := jar.Cookies(c.BaseUrl)

	out := Session{CapturedAt: time.Now()}
	for _, cookie := range cookies {
		out.Cookies = append(out.Cookies, SessionCookie{
			Name:  cookie.Name,
			Value: cookie.Value,
		})
	}
	return out
}

func (c *Client) ImportSession(s Session) {
	jar := c.Http.GetClient().Jar

	cookies := make([]*http.Cookie, len(s.Cookies))
	for i, cookie := range s.Cookies {
		cookies[i] = &http.Cookie{
			Name:  cookie.Name,
			Value: cookie.Value,
			Path:  "/",
		}
	}
	jar.SetCookies(c.BaseUrl, cookies)
}

// SessionStore persists a session to a json file.
type SessionStore struct {
	Path string
}

func (s SessionStore) Load() (Session, bool, error) {
	contents, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}

	var session Session
	err = json.Unmarshal(contents, &session)
	if err != nil {
		return Session{}, false, err
	}
	return session, !session.Empty(), nil
}

func (s SessionStore) Save(session Session) error {
	contents, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, contents, 0600)
}

// Credentials feed the SSO login flow when no stored session survives
// validation.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EnsureSession loads a stored session into the client and validates
// it; when absent or stale it runs the login flow and persists the
// replacement. A login failure here is fatal to the caller, no
// extraction should be attempted without a session.
func EnsureSession(ctx context.Context, client *Client, store SessionStore, creds Credentials) error {
	session, found, err := store.Load()
	if err != nil {
		return err
	}

	if found {
		client.ImportSession(session)
		ok, err := client.IsAuthenticated(ctx)
		if err == nil && ok {
			session.ValidatedAt = time.Now()
			return store.Save(session)
		}
		slog.InfoContext(ctx, "stored session is stale, logging in again",
			"captured_at", session.CapturedAt)
	}

	err = client.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		return err
	}

	fresh := client.ExportSession()
	fresh.ValidatedAt = fresh.CapturedAt
	return store.Save(fresh)
}
