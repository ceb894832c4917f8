package backend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"supportchat/internal/models"
	"supportchat/pkg/httputil"
)

// Client talks to the chat REST backend: message history, sending and the agent roster.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	log        zerolog.Logger
}

// NewClient creates a new backend client. The token, when set, is sent as a bearer credential.
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("chat backend baseURL cannot be empty")
	}

	client := httputil.NewDefaultRestyClient(baseURL, timeout)
	if token != "" {
		client.SetAuthToken(token)
	}

	log = log.With().Str("component", "backend-client").Logger()
	log.Info().Str("baseURL", baseURL).Msg("Chat backend client configured")

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		log:        log,
	}, nil
}

// FetchMessages returns the stored history between senderID and receiverID.
// The backend may return the messages in any order.
func (c *Client) FetchMessages(ctx context.Context, senderID, receiverID int64) ([]models.Message, error) {
	const url = "/messages"

	var envelope MessagesEnvelope
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("senderId", strconv.FormatInt(senderID, 10)).
		SetQueryParam("receiverId", strconv.FormatInt(receiverID, 10)).
		SetResult(&envelope).
		Get(url)

	if err != nil {
		c.log.Error().Err(err).Str("url", url).Int64("senderID", senderID).Int64("receiverID", receiverID).Msg("Chat API: FetchMessages request failed")
		return nil, fmt.Errorf("chat API FetchMessages request failed: %w", err)
	}

	if resp.IsError() {
		c.log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Chat API: FetchMessages returned an error")
		return nil, &StatusError{Op: "FetchMessages", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	c.log.Debug().Int64("senderID", senderID).Int64("receiverID", receiverID).Int("messageCount", len(envelope.Data.Messages)).Msg("Fetched message history")
	return envelope.Data.Messages, nil
}

// SendMessage persists a new message. Only the status code matters to the caller.
func (c *Client) SendMessage(ctx context.Context, payload models.SendRequest) error {
	const url = "/messages/send"

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)

	if err != nil {
		c.log.Error().Err(err).Str("url", url).Int64("receiverID", payload.ReceiverID).Msg("Chat API: SendMessage request failed")
		return fmt.Errorf("chat API SendMessage request failed: %w", err)
	}

	if resp.IsError() {
		c.log.Error().Str("url", url).Int64("receiverID", payload.ReceiverID).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Chat API: SendMessage returned an error")
		return &StatusError{Op: "SendMessage", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	c.log.Info().Int64("senderID", payload.SenderID).Int64("receiverID", payload.ReceiverID).Msg("Successfully sent chat message")
	return nil
}

// ListChatUsers returns the agent roster.
func (c *Client) ListChatUsers(ctx context.Context) ([]models.Conversation, error) {
	const url = "/messages/chat-users"

	var envelope ChatUsersEnvelope
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&envelope).
		Get(url)

	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("Chat API: ListChatUsers request failed")
		return nil, fmt.Errorf("chat API ListChatUsers request failed: %w", err)
	}

	if resp.IsError() {
		c.log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Chat API: ListChatUsers returned an error")
		return nil, &StatusError{Op: "ListChatUsers", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	return envelope.Data, nil
}
