package syncclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"

	"teilen.sh/core/crr"
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type pushChangesData struct {
	Doc     string       `json:"doc"`
	Changes []crr.Change `json:"changes"`
}

// Start connects the live channel and blocks, reconnecting with
// backoff, until the context is cancelled. Pull hints from the peer
// trigger a pull of the named document; live changes from other
// clients are applied directly.
func (c *Client) Start(ctx context.Context) {
	for {
		if err := c.runConnection(ctx); err != nil {
			c.logger.Error("websocket connection ended", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}
}

func (c *Client) wsURL() (*url.URL, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/start-web-socket"
	q := u.Query()
	q.Set("clientId", c.e.SiteID())
	u.RawQuery = q.Encode()
	return u, nil
}

func (c *Client) runConnection(ctx context.Context) error {
	u, err := c.wsURL()
	if err != nil {
		return err
	}

	c.logger.Info("connecting", "url", u.String())

	retryOpts := []retry.Option{
		retry.Attempts(0), // infinite attempts
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying connection", "url", u.String(), "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	}

	var conn *websocket.Conn
	err = retry.Do(func() error {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conn, _, err = websocket.DefaultDialer.DialContext(connCtx, u.String(), nil)
		return err
	}, retryOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Info("connected", "url", u.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return err
			}
			if err := c.handleMessage(ctx, conn, msg); err != nil {
				c.logger.Error("failed to handle message", "type", msg.Type, "err", err)
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	switch msg.Type {
	case "pull-hint":
		var docID string
		if err := json.Unmarshal(msg.Data, &docID); err != nil {
			return err
		}
		result, err := c.Pull(ctx, docID)
		if err != nil {
			return err
		}
		for _, d := range result.Documents {
			for _, conflict := range d.Conflicts {
				c.logger.Warn("pull surfaced conflict",
					"table", conflict.Table,
					"pk", conflict.PK,
					"columns", conflict.Columns,
				)
			}
		}
		return conn.WriteJSON(wsMessage{Type: "pull-changes-ok"})
	case "push-changes":
		var data pushChangesData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		_, err := c.e.ApplyChanges(ctx, data.Changes)
		return err
	case "push-changes-ok", "pull-changes-ok":
		return nil
	default:
		c.logger.Debug("ignoring unknown ws message", "type", msg.Type)
		return nil
	}
}

// PushLive sends uncommitted changes of a document over an open
// websocket connection for low-latency collaboration; the commit
// cursoring of Push is unaffected.
func PushLive(conn *websocket.Conn, docID string, changes []crr.Change) error {
	data, err := json.Marshal(pushChangesData{Doc: docID, Changes: changes})
	if err != nil {
		return err
	}
	return conn.WriteJSON(wsMessage{Type: "push-changes", Data: data})
}
