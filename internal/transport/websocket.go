package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// ChangeFeed subscribes to the server's change notification socket.
type ChangeFeed struct {
	url    string
	tokens TokenSource
	logger *events.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewChangeFeed creates a change feed for the API at baseURL.
func NewChangeFeed(baseURL string, tokens TokenSource, logger *events.Logger) *ChangeFeed {
	wsURL := strings.TrimRight(baseURL, "/") + apiPrefix + "/changes"
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}

	return &ChangeFeed{
		url:          wsURL,
		tokens:       tokens,
		logger:       logger.WithField("component", "change_feed"),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// URL returns the websocket endpoint.
func (f *ChangeFeed) URL() string {
	return f.url
}

// Subscribe dials the socket and returns a channel of notifications. The
// channel closes when ctx is cancelled or the connection drops.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan models.ChangeNotification, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	f.logger.WithField("url", f.url).Info("Connecting to change feed")

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, f.url, headers)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, models.ErrAuthenticationRequired
			}
			return nil, fmt.Errorf("%w: websocket connect failed (HTTP %d): %v", models.ErrNetwork, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: websocket connect failed: %v", models.ErrNetwork, err)
	}

	sub := &subscription{
		conn:   conn,
		out:    make(chan models.ChangeNotification, 100),
		done:   make(chan struct{}),
		logger: f.logger,
		ping:   f.pingInterval,
		pong:   f.pongTimeout,
	}

	go sub.readLoop()
	go sub.pingLoop()
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		sub.close()
	}()

	f.logger.Info("Change feed connected")
	return sub.out, nil
}

type subscription struct {
	conn   *websocket.Conn
	out    chan models.ChangeNotification
	logger *events.Logger
	ping   time.Duration
	pong   time.Duration

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *subscription) readLoop() {
	defer func() {
		s.close()
		close(s.out)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(s.pong + s.ping))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pong + s.ping))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.WithError(err).Warn("Change feed read error")
				}
			}
			return
		}

		var note models.ChangeNotification
		if err := json.Unmarshal(data, &note); err != nil || note.Type == "" {
			s.logger.WithField("size", len(data)).Debug("Ignoring malformed change notification")
			continue
		}

		s.logger.WithFields(map[string]interface{}{
			"type":      note.Type,
			"record_id": note.RecordID,
		}).Debug("Received change notification")

		select {
		case s.out <- note:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) pingLoop() {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.pong))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Debug("Ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}
