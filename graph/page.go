package graph

import (
	"context"
	"errors"
	"net/url"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/dhcgn/mail-backup/model"
)

// Header is a request header sent with a listing and its follow-up pages.
type Header struct {
	Name  string
	Value string
}

// PreferTextBody asks Graph to return message bodies as plain text.
func PreferTextBody() Header {
	return Header{Name: "Prefer", Value: `outlook.body-content-type="text"`}
}

// PageRequest describes the first page of a message listing.
type PageRequest struct {
	// Folder is a folder id or well-known name; empty lists all mail.
	Folder  string
	Select  []string
	Top     int
	OrderBy string
	Headers []Header
}

// Page is one page of a message listing. It can be advanced exactly once.
type Page struct {
	Messages []model.Message

	nextLink string
	headers  []Header
	advanced bool
}

// HasNext reports whether the listing continues after this page.
func (p *Page) HasNext() bool {
	return p != nil && p.nextLink != ""
}

// GetMessagesPage fetches the first page of a message listing.
func (c *Client) GetMessagesPage(ctx context.Context, req PageRequest) (*Page, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var top *int32
	if req.Top > 0 {
		n := int32(req.Top)
		top = &n
	}
	var orderBy []string
	if req.OrderBy != "" {
		orderBy = []string{req.OrderBy}
	}
	headers := requestHeaders(req.Headers)

	path := "/me/messages"
	var (
		coll models.MessageCollectionResponseable
		err  error
	)
	if req.Folder == "" {
		c.debug("list messages", path)
		coll, err = c.sdk.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			Headers: headers,
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Select:  req.Select,
				Top:     top,
				Orderby: orderBy,
			},
		})
	} else {
		path = "/me/mailFolders/" + url.PathEscape(req.Folder) + "/messages"
		c.debug("list messages", path)
		coll, err = c.sdk.Me().MailFolders().ByMailFolderId(req.Folder).Messages().Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			Headers: headers,
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Select:  req.Select,
				Top:     top,
				Orderby: orderBy,
			},
		})
	}
	if err != nil {
		return nil, c.wrap("list messages", path, err)
	}
	return newPage(coll, req.Headers), nil
}

// GetNextPage fetches the page following p, or returns nil when p was the
// last one. Each page can be advanced only once.
func (c *Client) GetNextPage(ctx context.Context, p *Page) (*Page, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("graph: nil page")
	}
	if p.advanced {
		return nil, ErrPageConsumed
	}
	p.advanced = true

	if p.nextLink == "" {
		return nil, nil
	}

	c.debug("list messages", p.nextLink)
	coll, err := c.sdk.Me().Messages().WithUrl(p.nextLink).Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		Headers: requestHeaders(p.headers),
	})
	if err != nil {
		return nil, c.wrap("list messages", p.nextLink, err)
	}
	return newPage(coll, p.headers), nil
}

func newPage(coll models.MessageCollectionResponseable, headers []Header) *Page {
	page := &Page{headers: headers}
	if coll == nil {
		return page
	}
	values := coll.GetValue()
	page.Messages = make([]model.Message, 0, len(values))
	page.nextLink = deref(coll.GetOdataNextLink())
	for _, m := range values {
		page.Messages = append(page.Messages, toMessage(m))
	}
	return page
}

func requestHeaders(headers []Header) *abstractions.RequestHeaders {
	h := abstractions.NewRequestHeaders()
	for _, header := range headers {
		h.Add(header.Name, header.Value)
	}
	return h
}
