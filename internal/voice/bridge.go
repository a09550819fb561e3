package voice

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	bridgeWriteWait  = 10 * time.Second
	bridgeEventQueue = 64
)

var errBridgeClosed = errors.New("voice bridge closed")

// BridgeTransport relays a call through the browser.  The page runs the
// provider SDK and forwards its events over a websocket; commands travel
// back the same way.
type BridgeTransport struct {
	conn   *websocket.Conn
	events chan Event
	// newest unsent snapshot
	snapshots chan any

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

type bridgeCommand struct {
	Type   string       `json:"type"`
	Config *AgentConfig `json:"config,omitempty"`
	Data   any          `json:"data,omitempty"`
}

// NewBridgeTransport takes ownership of conn and starts reading from it.
func NewBridgeTransport(conn *websocket.Conn) *BridgeTransport {
	b := &BridgeTransport{
		conn:      conn,
		events:    make(chan Event, bridgeEventQueue),
		snapshots: make(chan any, 1),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.readLoop()
	go b.snapshotLoop()
	return b
}

func (b *BridgeTransport) snapshotLoop() {
	for {
		select {
		case <-b.closed:
			return
		case v := <-b.snapshots:
			if err := b.write(context.Background(), bridgeCommand{Type: "snapshot", Data: v}); err != nil {
				log.Println("voice bridge snapshot:", err)
			}
		}
	}
}

func (b *BridgeTransport) readLoop() {
	defer close(b.done)
	defer close(b.events)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-b.closed:
				default:
					log.Println("voice bridge read:", err)
				}
			}
			return
		}
		ev, err := Decode(data)
		if err != nil {
			if !errors.Is(err, ErrIgnored) {
				log.Println("voice bridge decode:", err)
			}
			continue
		}
		select {
		case b.events <- ev:
		case <-b.closed:
			return
		}
	}
}

// Start sends the agent config to the page, which opens the call.
func (b *BridgeTransport) Start(ctx context.Context, cfg AgentConfig) error {
	return b.write(ctx, bridgeCommand{Type: "start", Config: &cfg})
}

// Stop asks the page to hang up.
func (b *BridgeTransport) Stop(ctx context.Context) error {
	return b.write(ctx, bridgeCommand{Type: "stop"})
}

// SendSnapshot queues controller state for the page without waiting on the
// socket.  An older snapshot still queued is replaced.  It must not be
// called concurrently.
func (b *BridgeTransport) SendSnapshot(v any) error {
	for {
		select {
		case <-b.closed:
			return errBridgeClosed
		default:
		}
		select {
		case b.snapshots <- v:
			return nil
		default:
			select {
			case <-b.snapshots:
			default:
			}
		}
	}
}

func (b *BridgeTransport) Events() <-chan Event { return b.events }

// Done is closed when the page disconnects.
func (b *BridgeTransport) Done() <-chan struct{} { return b.done }

func (b *BridgeTransport) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.writeMu.Lock()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()
		err = b.conn.Close()
	})
	return err
}

func (b *BridgeTransport) write(ctx context.Context, cmd bridgeCommand) error {
	select {
	case <-b.closed:
		return errBridgeClosed
	default:
	}
	deadline := time.Now().Add(bridgeWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return b.conn.WriteJSON(cmd)
}
