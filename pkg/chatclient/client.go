package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"pairchat/pkg/domain"
)

const (
	eventBuffer = 256
	readLimit   = 32 << 20
)

// ErrNotJoined is returned by senders called before Join.
var ErrNotJoined = errors.New("chatclient: join first")

// Client is a websocket connection to the chat service. Every inbound event
// is applied to Session before it is forwarded on Events.
type Client struct {
	conn    *websocket.Conn
	session *Session
	events  chan domain.Envelope
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	readErr error
}

// Dial opens a websocket to wsURL (ws:// or wss://, path included) and
// authenticates with token.
func Dial(ctx context.Context, wsURL, token string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(readLimit)
	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		session: NewSession(0),
		events:  make(chan domain.Envelope, eventBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *Client) Session() *Session { return c.session }

// Events delivers inbound envelopes. When the buffer is full the oldest
// undelivered events are lost, the Session still sees them. The channel is
// closed once the connection ends.
func (c *Client) Events() <-chan domain.Envelope { return c.events }

// Err reports why the read loop stopped, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		_ = c.session.Apply(env)
		select {
		case c.events <- env:
		default:
			select {
			case <-c.events:
			default:
			}
			select {
			case c.events <- env:
			default:
			}
		}
	}
}

func (c *Client) emit(ctx context.Context, typ string, data any) error {
	return wsjson.Write(ctx, c.conn, domain.Event{Type: typ, Data: data})
}

func (c *Client) me() (domain.ID, error) {
	me := c.session.Me()
	if !me.Valid() {
		return 0, ErrNotJoined
	}
	return me, nil
}

// Join registers this connection as user.
func (c *Client) Join(ctx context.Context, user domain.ID, displayName string) error {
	c.session.setMe(user)
	return c.emit(ctx, domain.EventJoin, domain.JoinPayload{UserID: user, DisplayName: displayName})
}

func (c *Client) SendMessage(ctx context.Context, to domain.ID, content string) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	return c.emit(ctx, domain.EventChatMessage, domain.ChatMessagePayload{SenderID: me, RecipientID: to, Content: content})
}

// SendFile uploads data inline; contentType is a MIME type or "image"/"video".
func (c *Client) SendFile(ctx context.Context, to domain.ID, fileName, contentType string, data []byte, caption string) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	return c.emit(ctx, domain.EventChatFile, domain.ChatFilePayload{
		SenderID:    me,
		RecipientID: to,
		Content:     caption,
		File:        data,
		FileName:    fileName,
		FileType:    contentType,
	})
}

func (c *Client) Typing(ctx context.Context, to domain.ID) error {
	return c.typing(ctx, domain.EventTyping, to)
}

func (c *Client) StopTyping(ctx context.Context, to domain.ID) error {
	return c.typing(ctx, domain.EventStopTyping, to)
}

func (c *Client) typing(ctx context.Context, typ string, to domain.ID) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	return c.emit(ctx, typ, domain.TypingPayload{SenderID: me, RecipientID: to})
}

func (c *Client) MarkRead(ctx context.Context, messageID domain.ID) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	return c.emit(ctx, domain.EventMessageRead, domain.ReadPayload{MessageID: messageID, RecipientID: me})
}

// GetOlder requests the page before the oldest loaded message of the thread
// with peer, or the newest page when nothing is loaded. The page arrives as a
// messages:older event.
func (c *Client) GetOlder(ctx context.Context, peer domain.ID, limit int) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	p := domain.GetMessagesPayload{UserID: me, RecipientID: peer, Limit: limit}
	if oldest := c.session.OldestID(peer); oldest.Valid() {
		p.BeforeMessageID = &oldest
	}
	return c.emit(ctx, domain.EventGetMessages, p)
}

// Close ends the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}
