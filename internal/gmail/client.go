// Package gmail implements the Mail Fetcher and the Gmail side of the Token
// Broker's refresh-grant call, against the real Gmail API client.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailpipe/worker/internal/classify"
	"github.com/mailpipe/worker/internal/mail"
)

// MaxCountPageSize and MaxFetchPageSize are the provider's documented page
// size caps for the two phases of a Sync Runner.
const (
	MaxCountPageSize = 500
	MaxFetchPageSize = 100
)

// Client is the Mail Fetcher: it paginates the remote mailbox under a
// filter, fetches per-message details, and performs OAuth2 refresh grants.
type Client struct {
	clientID     string
	clientSecret string
}

// NewClient builds a Mail Fetcher bound to the OAuth application's client
// credentials (needed only for the refresh-grant call, not for listing or
// fetching messages, which use the caller-supplied bearer).
func NewClient(clientID, clientSecret string) *Client {
	return &Client{clientID: clientID, clientSecret: clientSecret}
}

// PageResult is one page of remote message IDs.
type PageResult struct {
	MessageIDs    []string
	NextPageToken string
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

// ListPage lists one page of message IDs under a filter. maxResults is
// capped by the caller to the phase-appropriate size (500 for counting,
// 100 for fetching).
func (c *Client) ListPage(ctx context.Context, accessToken, filter string, maxResults int, pageToken string) (*PageResult, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").Q(filter).MaxResults(int64(maxResults))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify.FromHTTPStatus(statusCodeOf(err), fmt.Errorf("failed to list messages: %w", err))
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return &PageResult{MessageIDs: ids, NextPageToken: resp.NextPageToken}, nil
}

// FetchMessage fetches a single message's full payload by remote ID and
// normalises it into a mail.Message.
func (c *Client) FetchMessage(ctx context.Context, accessToken, remoteID string) (*mail.Message, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	full, err := svc.Users.Messages.Get("me", remoteID).Format("full").Do()
	if err != nil {
		return nil, classify.FromHTTPStatus(statusCodeOf(err), fmt.Errorf("failed to get message %s: %w", remoteID, err))
	}

	return parseMessage(full), nil
}

// RefreshAccessToken exchanges a refresh token for a new access token. It
// satisfies vault.Refresher.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
	cfg := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: "https://oauth2.googleapis.com/token"},
	}

	tokenSource := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := tokenSource.Token()
	if err != nil {
		return "", "", time.Time{}, &classify.Error{Kind: classify.KindAuthentication, Err: fmt.Errorf("failed to refresh token: %w", err)}
	}

	newRefresh := refreshToken
	if newToken.RefreshToken != "" {
		newRefresh = newToken.RefreshToken
	}

	log.Printf("gmail: token refreshed, expires at %s", newToken.Expiry)
	return newToken.AccessToken, newRefresh, newToken.Expiry, nil
}

func parseMessage(msg *gmail.Message) *mail.Message {
	m := &mail.Message{RemoteID: msg.Id}

	if msg.InternalDate > 0 {
		m.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}

	var from string
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			m.Subject = h.Value
		case "from":
			from = h.Value
		}
	}
	m.SenderEmail = mail.SenderEmailFrom(from)

	m.BodyText, m.BodyHTML = extractBodies(msg.Payload)
	return m
}

// extractBodies walks MIME parts recursively, preferring plain-text over
// HTML and decoding URL-safe base64 bodies. Decode failures yield empty
// strings without failing the message.
func extractBodies(payload *gmail.MessagePart) (textPlain, textHTML string) {
	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			switch payload.MimeType {
			case "text/plain":
				textPlain = string(decoded)
			case "text/html":
				textHTML = string(decoded)
			}
		}
	}
	extractBodiesFromParts(payload.Parts, &textPlain, &textHTML)
	return textPlain, textHTML
}

func extractBodiesFromParts(parts []*gmail.MessagePart, textPlain, textHTML *string) {
	for _, part := range parts {
		if part.Body != nil && part.Body.Data != "" {
			if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
				if part.MimeType == "text/plain" && *textPlain == "" {
					*textPlain = string(decoded)
				} else if part.MimeType == "text/html" && *textHTML == "" {
					*textHTML = string(decoded)
				}
			}
		}
		if len(part.Parts) > 0 {
			extractBodiesFromParts(part.Parts, textPlain, textHTML)
		}
	}
}

// statusCodeOf extracts the HTTP status from a Gmail API error, returning 0
// when the failure never reached the server (DNS, timeout) so callers fall
// back to substring classification.
func statusCodeOf(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
