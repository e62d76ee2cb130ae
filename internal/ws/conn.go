package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chathub/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBuffer     = 256
)

// Conn 是实时引擎看到的连接句柄。Send 不阻塞，缓冲满或已关闭时返回 false。
type Conn interface {
	ID() string
	UserID() string
	Username() string
	Send(msg []byte) bool
	Close()
}

type Client struct {
	id     string
	userID string
	uname  string
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newClient(conn *websocket.Conn, id Identity) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: id.UserID,
		uname:  id.Username,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) UserID() string   { return c.userID }
func (c *Client) Username() string { return c.uname }

// Send never closes or blocks on the send channel, so broadcasters cannot race with Close.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close 通知写循环发送 close 帧并断开，读循环随之退出并触发 Detach。
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Serve 在升级前完成认证，失败时返回 401 JSON。
func Serve(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		ctx := context.WithoutCancel(c.Request.Context())
		id, err := gw.Authenticate(ctx, token)
		if err != nil {
			gw.log.Debug().Err(err).Msg("ws auth failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": PublicMessage(err)})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(conn, id)
		if err := gw.Attach(ctx, client); err != nil {
			gw.log.Error().Err(err).Msg("attach")
			_ = conn.Close()
			return
		}

		var g errgroup.Group
		g.Go(func() error {
			defer client.Close()
			defer gw.Detach(ctx, client)
			return client.readPump(ctx, gw)
		})
		g.Go(client.writePump)
		_ = g.Wait()
	}
}

func (c *Client) readPump(ctx context.Context, gw *Gateway) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		gw.Dispatch(ctx, c, data)
	}
}

func (c *Client) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return err
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return err
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		}
	}
}

// flush writes whatever is already queued, e.g. a session:replaced notice sent just before Close.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
