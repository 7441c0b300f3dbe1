package musicleague

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"leaguevault/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/musicleague")

var ErrLoginFailed = fmt.Errorf("Failed to login to your account.")

const (
	LoginPath     = "/login/"
	CompletedPath = "/completed/"
)

type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client
}

type ClientOptions struct {
	BaseUrl string
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/musicleague/http")

	c := &Client{
		BaseUrl: baseUrl,
		Http:    client,
	}
	return c, nil
}

// Login drives the SSO form flow: fetch the login page, lift the csrf
// token, post credentials and probe the completed-leagues landing page
// for an authenticated state.
func (c *Client) Login(ctx context.Context, username, password string) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(LoginPath)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch login page")
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse login page html")
		return err
	}

	form := doc.Find("form").First()
	action := form.AttrOr("action", LoginPath)
	csrf := form.Find("input[name=csrf_token]").AttrOr("value", "")

	fields := map[string]string{
		"username": username,
		"password": password,
	}
	if csrf != "" {
		fields["csrf_token"] = csrf
	}

	_, err = c.Http.R().
		SetContext(ctx).
		SetFormData(fields).
		Post(action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to post login form")
		return err
	}

	ok, err := c.IsAuthenticated(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to probe landing page after login")
		return err
	}
	if !ok {
		span.SetStatus(codes.Error, ErrLoginFailed.Error())
		return ErrLoginFailed
	}
	return nil
}

// IsAuthenticated performs a lightweight probe of the completed-leagues
// page. A redirect towards a login or authorize url means the session
// is gone.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "client:IsAuthenticated")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(CompletedPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to probe completed page")
		return false, err
	}

	finalUrl := res.RawResponse.Request.URL
	for _, marker := range []string{"/login", "/authorize", "accounts.spotify.com"} {
		if strings.Contains(finalUrl.String(), marker) {
			return false, nil
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return false, err
	}
	// an unauthenticated render of the page carries the login form
	if doc.Find("form input[name=password]").Length() > 0 {
		return false, nil
	}

	return strings.Contains(finalUrl.Path, "/completed"), nil
}

// AbsoluteUrl resolves a scraped href against the client's base url.
func (c *Client) AbsoluteUrl(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return c.BaseUrl.ResolveReference(ref).String()
}
