package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/enclave/boundary"
)

// Payload shapes for hook traffic over the boundary channel.

type hookInvokePayload struct {
	Hook string         `json:"hook"`
	Data map[string]any `json:"data,omitempty"`
}

type hookResultPayload struct {
	Result map[string]any `json:"result,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Serve runs the worker side of the boundary channel: it receives hook
// invocations, dispatches them into the interpreted plugin, and sends the
// results back. It returns when the channel is severed, the context is
// canceled, or a shutdown message arrives. Every frame in both directions
// passes the channel's validation and encryption.
func (h *Handle) Serve(ctx context.Context) {
	ch := h.Channel()
	if ch == nil {
		return
	}
	for {
		msg, err := ch.WorkerReceive(ctx)
		if err != nil {
			if recoverableReceiveErr(ch, err) {
				// Lenient mode drops the bad frame and keeps the session.
				continue
			}
			return
		}
		switch msg.Type {
		case boundary.MsgShutdown:
			_ = ch.WorkerSend(ctx, boundary.Message{
				ID: msg.ID, Type: boundary.MsgShutdownAck, PluginID: msg.PluginID,
			})
			return
		case boundary.MsgHealthPing:
			_ = ch.WorkerSend(ctx, boundary.Message{
				ID: msg.ID, Type: boundary.MsgHealthPong, PluginID: msg.PluginID,
			})
		case boundary.MsgHookInvoke:
			h.serveHook(ctx, ch, msg)
		default:
			h.sendError(ctx, ch, msg, fmt.Sprintf("worker cannot handle %q messages", msg.Type))
		}
	}
}

func (h *Handle) serveHook(ctx context.Context, ch *boundary.Channel, msg boundary.Message) {
	var p hookInvokePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		h.sendError(ctx, ch, msg, fmt.Sprintf("malformed hook payload: %v", err))
		return
	}
	result, err := h.InvokeHook(ctx, p.Hook, p.Data)
	if err != nil {
		h.sendError(ctx, ch, msg, err.Error())
		return
	}
	data, err := json.Marshal(hookResultPayload{Result: result})
	if err != nil {
		h.sendError(ctx, ch, msg, fmt.Sprintf("marshal hook result: %v", err))
		return
	}
	_ = ch.WorkerSend(ctx, boundary.Message{
		ID: msg.ID, Type: boundary.MsgHookResult, PluginID: msg.PluginID, Payload: data,
	})
}

// recoverableReceiveErr reports whether a receive failure is a droppable
// per-message validation error on a still-open channel. Strict mode closes
// the channel on violation, so this only admits lenient-mode drops.
func recoverableReceiveErr(ch *boundary.Channel, err error) bool {
	if ch.Closed() {
		return false
	}
	var cerr *boundary.ChannelError
	if !errors.As(err, &cerr) {
		return false
	}
	return cerr.Code == boundary.ErrSchema || cerr.Code == boundary.ErrDecrypt
}

func (h *Handle) sendError(ctx context.Context, ch *boundary.Channel, msg boundary.Message, detail string) {
	data, _ := json.Marshal(errorPayload{Error: detail})
	_ = ch.WorkerSend(ctx, boundary.Message{
		ID: msg.ID, Type: boundary.MsgError, PluginID: msg.PluginID, Payload: data,
	})
}

// Invoke sends a hook invocation across the boundary channel and waits for
// the matching response. Responses arrive FIFO per channel, so the caller
// must serialize invocations per plugin instance.
func Invoke(ctx context.Context, ch *boundary.Channel, hook string, payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(hookInvokePayload{Hook: hook, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal hook invocation: %w", err)
	}
	id := uuid.NewString()
	if err := ch.Send(ctx, boundary.Message{
		ID: id, Type: boundary.MsgHookInvoke, PluginID: ch.PluginID(), Payload: data,
	}); err != nil {
		return nil, err
	}

	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ID != id {
			continue
		}
		switch msg.Type {
		case boundary.MsgHookResult:
			var p hookResultPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return nil, fmt.Errorf("malformed hook result: %w", err)
			}
			return p.Result, nil
		case boundary.MsgError:
			var p errorPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return nil, fmt.Errorf("malformed error response: %w", err)
			}
			return nil, fmt.Errorf("plugin %s: %s", ch.PluginID(), p.Error)
		default:
			return nil, fmt.Errorf("unexpected response type %q", msg.Type)
		}
	}
}

// Shutdown asks the worker loop to exit and waits for the acknowledgment.
func Shutdown(ctx context.Context, ch *boundary.Channel) error {
	id := uuid.NewString()
	if err := ch.Send(ctx, boundary.Message{
		ID: id, Type: boundary.MsgShutdown, PluginID: ch.PluginID(),
	}); err != nil {
		return err
	}
	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.ID == id && msg.Type == boundary.MsgShutdownAck {
			return nil
		}
	}
}
