package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/auth"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

const DefaultTimeout = 30 * time.Second

// Client consumes the chat REST collaborator. It normalizes the wire
// shapes into domain types; message pages come back ascending by sentAt
// regardless of the order the server chose.
type Client struct {
	baseURL    string
	creds      auth.CredentialProvider
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func NewClient(baseURL string, creds auth.CredentialProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wire shapes.

type userDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture"`
}

type lastMessageDTO struct {
	ID          string    `json:"_id"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	SentAt      time.Time `json:"sentAt"`
	SentByMe    bool      `json:"sentByMe"`
}

type chatDTO struct {
	ChatID       string          `json:"chatId"`
	LastActivity time.Time       `json:"lastActivity"`
	LastMessage  *lastMessageDTO `json:"lastMessage"`
	UnreadCount  int             `json:"unreadCount"`
	User         userDTO         `json:"user"`
}

type messageDTO struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	SenderID    string    `json:"senderId"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	SentAt      time.Time `json:"sentAt"`
	IsRead      bool      `json:"isRead"`
}

type messagesPageDTO struct {
	Messages []messageDTO `json:"messages"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// Chats fetches the inbox snapshot. selfID is needed to attribute the
// denormalized last-message preview, which the server only flags sentByMe.
func (c *Client) Chats(ctx context.Context, selfID string) ([]*domain.Chat, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/chats", nil, nil)
	if err != nil {
		return nil, &domain.LoadError{Op: "chats", Err: err}
	}

	var dtos []chatDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, &domain.LoadError{Op: "chats", Err: err}
	}

	chats := make([]*domain.Chat, 0, len(dtos))
	for _, dto := range dtos {
		chats = append(chats, chatFromDTO(dto, selfID))
	}
	return chats, nil
}

// Messages fetches one page of a conversation, normalized ascending.
func (c *Client) Messages(ctx context.Context, chatID string, limit, page int) ([]*domain.Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/chats/"+chatID+"/messages", nil, query)
	if err != nil {
		return nil, &domain.LoadError{Op: "messages", Err: err}
	}

	var dto messagesPageDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, &domain.LoadError{Op: "messages", Err: err}
	}

	messages := make([]*domain.Message, 0, len(dto.Messages))
	for _, m := range dto.Messages {
		messages = append(messages, messageFromDTO(m, chatID))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Less(messages[j])
	})
	return messages, nil
}

// MessagesSince fetches messages newer than the given instant, used by the
// polling fallback transport. The server returns a bare array here.
func (c *Client) MessagesSince(ctx context.Context, chatID string, since time.Time) ([]*domain.Message, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))

	body, err := c.doRequest(ctx, http.MethodGet, "/chats/"+chatID+"/messages", nil, query)
	if err != nil {
		return nil, &domain.LoadError{Op: "messages since", Err: err}
	}

	var dtos []messageDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, &domain.LoadError{Op: "messages since", Err: err}
	}

	messages := make([]*domain.Message, 0, len(dtos))
	for _, m := range dtos {
		messages = append(messages, messageFromDTO(m, chatID))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Less(messages[j])
	})
	return messages, nil
}

// SendMessage posts a message and returns the server-confirmed copy used
// to reconcile the optimistic entry.
func (c *Client) SendMessage(ctx context.Context, chatID, content string, kind domain.MessageKind) (*domain.Message, error) {
	req := sendMessageRequest{Content: content, MessageType: string(kind)}
	body, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}

	var dto messageDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("decode sent message: %w", err)
	}
	return messageFromDTO(dto, chatID), nil
}

// MarkRead confirms the given messages as read. Safe to re-send.
func (c *Client) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/messages/read", markReadRequest{MessageIDs: messageIDs}, nil)
	return err
}

// Typing emits an ephemeral typing signal for the chat.
func (c *Client) Typing(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/typing", nil, nil)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.creds.AccessToken()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, domain.ErrAuthRequired
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func chatFromDTO(dto chatDTO, selfID string) *domain.Chat {
	chat := &domain.Chat{
		ChatID:       dto.ChatID,
		LastActivity: dto.LastActivity,
		UnreadCount:  dto.UnreadCount,
		Participant: domain.Participant{
			ID:        dto.User.ID,
			Name:      dto.User.Name,
			AvatarURL: dto.User.ProfilePicture,
		},
	}

	if dto.LastMessage != nil {
		senderID := dto.User.ID
		if dto.LastMessage.SentByMe {
			senderID = selfID
		}
		chat.LastMessage = &domain.Message{
			ID:        dto.LastMessage.ID,
			ChatID:    dto.ChatID,
			SenderID:  senderID,
			Content:   dto.LastMessage.Content,
			Kind:      domain.MessageKind(dto.LastMessage.MessageType),
			SentAt:    dto.LastMessage.SentAt,
			ReadState: domain.ReadStateDelivered,
		}
		chat.Touch(dto.LastMessage.SentAt)
	}
	return chat
}

func messageFromDTO(dto messageDTO, chatID string) *domain.Message {
	if dto.ChatID == "" {
		dto.ChatID = chatID
	}
	state := domain.ReadStateUnread
	if dto.IsRead {
		state = domain.ReadStateRead
	}
	return &domain.Message{
		ID:        dto.ID,
		ChatID:    dto.ChatID,
		SenderID:  dto.SenderID,
		Content:   dto.Content,
		Kind:      domain.MessageKind(dto.MessageType),
		SentAt:    dto.SentAt,
		ReadState: state,
	}
}
