// Package graph is a thin Microsoft Graph mail client: profile lookup,
// message listing with forward-only paging and raw MIME download.
package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdkgo "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/dhcgn/mail-backup/auth"
	"github.com/dhcgn/mail-backup/model"
)

// DefaultBaseURL is the Microsoft Graph v1.0 root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Inbox is the well-known name of the inbox folder.
const Inbox = "inbox"

type Options struct {
	BaseURL string
	Logger  *slog.Logger
	// HTTPClient replaces the SDK's default middleware client.
	HTTPClient *http.Client
}

// Client talks to Microsoft Graph on behalf of the signed-in user. A nil or
// zero Client fails every call with auth.ErrNotInitialized.
type Client struct {
	sdk     *msgraphsdkgo.GraphServiceClient
	baseURL string
	logger  *slog.Logger
}

// NewClient builds a client whose requests carry bearer tokens from tokens.
func NewClient(tokens oauth2.TokenSource, opts Options) (*Client, error) {
	if tokens == nil {
		return nil, auth.ErrNotInitialized
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("graph base url: %w", err)
	}

	authProvider := authentication.NewBaseBearerTokenAuthenticationProvider(newTokenProvider(tokens, u.Hostname()))
	var adapter *msgraphsdkgo.GraphRequestAdapter
	if opts.HTTPClient != nil {
		adapter, err = msgraphsdkgo.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(authProvider, nil, nil, opts.HTTPClient)
	} else {
		adapter, err = msgraphsdkgo.NewGraphRequestAdapter(authProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("graph request adapter: %w", err)
	}
	adapter.SetBaseUrl(base)

	return &Client{
		sdk:     msgraphsdkgo.NewGraphServiceClient(adapter),
		baseURL: base,
		logger:  opts.Logger,
	}, nil
}

// NewSessionClient builds a client whose requests carry the session's
// bearer token.
func NewSessionClient(ctx context.Context, session *auth.Session, opts Options) (*Client, error) {
	if !session.Ready() {
		return nil, auth.ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewClient(session, opts)
}

func (c *Client) ready() error {
	if c == nil || c.sdk == nil {
		return auth.ErrNotInitialized
	}
	return nil
}

// GetCurrentUser returns the profile of the signed-in user.
func (c *Client) GetCurrentUser(ctx context.Context) (model.User, error) {
	if err := c.ready(); err != nil {
		return model.User{}, err
	}

	c.debug("get user", "/me")
	u, err := c.sdk.Me().Get(ctx, &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: []string{"displayName", "mail", "userPrincipalName"},
		},
	})
	if err != nil {
		return model.User{}, c.wrap("get user", "/me", err)
	}
	if u == nil {
		return model.User{}, c.wrap("get user", "/me", errEmptyResponse)
	}
	return model.User{
		DisplayName:       deref(u.GetDisplayName()),
		Mail:              deref(u.GetMail()),
		UserPrincipalName: deref(u.GetUserPrincipalName()),
	}, nil
}

// GetInboxPreview returns up to limit inbox messages ordered by orderBy,
// newest first.
func (c *Client) GetInboxPreview(ctx context.Context, limit int, orderBy string) ([]model.Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if orderBy == "" {
		orderBy = "receivedDateTime"
	}

	page, err := c.GetMessagesPage(ctx, PageRequest{
		Folder:  Inbox,
		Select:  []string{"from", "isRead", "receivedDateTime", "subject"},
		Top:     limit,
		OrderBy: orderBy + " DESC",
	})
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// GetAllMessages returns the first page of all mail with plain-text bodies.
func (c *Client) GetAllMessages(ctx context.Context) ([]model.Message, error) {
	page, err := c.GetMessagesPage(ctx, PageRequest{
		Select:  []string{"subject", "body", "bodyPreview", "uniqueBody"},
		Headers: []Header{PreferTextBody()},
	})
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// GetFolder returns a mail folder by id or well-known name.
func (c *Client) GetFolder(ctx context.Context, name string) (model.Folder, error) {
	if err := c.ready(); err != nil {
		return model.Folder{}, err
	}
	if name == "" {
		name = Inbox
	}

	path := "/me/mailFolders/" + url.PathEscape(name)
	c.debug("get folder", path)
	f, err := c.sdk.Me().MailFolders().ByMailFolderId(name).Get(ctx, &users.ItemMailFoldersMailFolderItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersMailFolderItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "displayName", "totalItemCount", "unreadItemCount"},
		},
	})
	if err != nil {
		return model.Folder{}, c.wrap("get folder", path, err)
	}
	if f == nil {
		return model.Folder{}, c.wrap("get folder", path, errEmptyResponse)
	}
	return model.Folder{
		ID:             deref(f.GetId()),
		DisplayName:    deref(f.GetDisplayName()),
		TotalItemCount: int(deref(f.GetTotalItemCount())),
		UnreadCount:    int(deref(f.GetUnreadItemCount())),
	}, nil
}

// GetMessageContent returns the raw MIME content of one message. The caller
// must close the returned reader. A message that no longer exists yields an
// error matching ErrNotFound.
func (c *Client) GetMessageContent(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("graph: message id is empty")
	}

	path := "/me/messages/" + url.PathEscape(id) + "/$value"
	c.debug("get message content", path)
	data, err := c.sdk.Me().Messages().ByMessageId(id).Content().Get(ctx, nil)
	if err != nil {
		return nil, c.wrap("get message content", path, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *Client) debug(op, path string) {
	if c.logger != nil {
		c.logger.Debug("graph request", "op", op, "url", c.target(path))
	}
}

// target resolves a path against the base URL; next links are absolute.
func (c *Client) target(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// wrap turns an SDK error into an APIError for HTTP failures and a
// TransportError for everything that never produced a response. Sign-in
// failures pass through untouched.
func (c *Client) wrap(op, path string, err error) error {
	target := c.target(path)
	if auth.IsAuthError(err) || errors.Is(err, auth.ErrNotInitialized) {
		return fmt.Errorf("graph %s: %w", op, err)
	}
	if apiErr := asAPIError(err, target); apiErr != nil {
		if c.logger != nil {
			c.logger.Debug("graph request failed", "op", op, "status", apiErr.StatusCode, "err", apiErr)
		}
		return apiErr
	}
	return &TransportError{Op: op, URL: target, Err: err}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
