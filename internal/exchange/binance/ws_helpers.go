package binance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsCallTimeout = 10 * time.Second

// wsRequest is one call on the WebSocket API.
type wsRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// wsReply answers a wsRequest with the same id. Event frames carry no id.
type wsReply struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
}

type subscribeResult struct {
	SubscriptionID int64 `json:"subscriptionId"`
}

// callWS writes one request and reads frames until its reply arrives.
// Frames for other ids and stream events read meanwhile are dropped; callers
// only issue calls before they start consuming events.
func callWS(ctx context.Context, conn *websocket.Conn, method string, params map[string]any) (json.RawMessage, error) {
	req := wsRequest{ID: uuid.NewString(), Method: method, Params: params}
	deadline := time.Now().Add(wsCallTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		reply, ok := decodeReply(data)
		if !ok || reply.ID != req.ID {
			continue
		}
		if reply.Status == 200 {
			return reply.Result, nil
		}
		if reply.Error != nil {
			return nil, wrapAPIError(reply.Status, reply.Error.Code, reply.Error.Msg)
		}
		return nil, wrapAPIError(reply.Status, 0, method+" failed")
	}
}

// subscribeUserData signs a user data subscription on an open connection
// and returns the subscription id events are tagged with.
func subscribeUserData(ctx context.Context, conn *websocket.Conn, params map[string]any) (int64, error) {
	raw, err := callWS(ctx, conn, "userDataStream.subscribe.signature", params)
	if err != nil {
		return 0, err
	}
	var res subscribeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return 0, errors.New("binance: malformed subscribe result")
		}
	}
	return res.SubscriptionID, nil
}

func decodeReply(data []byte) (wsReply, bool) {
	var reply wsReply
	if err := json.Unmarshal(data, &reply); err != nil || reply.ID == "" {
		return wsReply{}, false
	}
	return reply, true
}
