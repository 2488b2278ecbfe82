package ws

import (
	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage, e.g. protocol.SendMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by type. Ping is
// answered internally; malformed and unregistered frames get an error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logger.With().Str("component", "dispatch").Logger(),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("parse error")
		d.reply(conn, protocol.NewError(protocol.CodeInvalidFrame, "invalid message format"))
		return
	}

	if msgType == protocol.TypePing {
		pong, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
		if err == nil {
			d.reply(conn, pong)
		}
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("msg_type", msgType).Str("conn_id", conn.ID).Msg("unsupported message type")
		d.reply(conn, protocol.NewError(protocol.CodeInvalidFrame, "unsupported message type"))
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, data []byte) {
	if err := conn.Enqueue(data); err != nil {
		d.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("reply dropped")
	}
}
