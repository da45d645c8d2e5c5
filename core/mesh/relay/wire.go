package relay

import (
	"errors"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"google.golang.org/protobuf/encoding/protowire"
)

// Client to server:
//
//	message ClientMessage {
//	  oneof message {
//	    SubscriptionRequest subscribe_request = 1;   // { string topic = 1; }
//	    SubscriptionRequest unsubscribe_request = 2;
//	    PublishRequest publish_request = 3;          // { repeated string topics = 1; bytes payload = 2; }
//	  }
//	}
//
// Server to client:
//
//	message ServerMessage {
//	  oneof message {
//	    WelcomeMessage welcome = 1;                  // { uint64 id = 1; }
//	    TopicMessage topic_message = 2;              // { uint64 sender = 1; string topic = 2; bytes body = 3; }
//	  }
//	}
const (
	fieldClientSubscribe   = 1
	fieldClientUnsubscribe = 2
	fieldClientPublish     = 3

	fieldTopic = 1

	fieldPublishTopics  = 1
	fieldPublishPayload = 2

	fieldServerWelcome = 1
	fieldServerTopic   = 2

	fieldWelcomeID = 1

	fieldTopicSender = 1
	fieldTopicTopic  = 2
	fieldTopicBody   = 3
)

type clientKind uint8

const (
	clientSubscribe clientKind = iota + 1
	clientUnsubscribe
	clientPublish
)

type clientMessage struct {
	kind    clientKind
	topic   string
	topics  []string
	payload []byte
}

type serverKind uint8

const (
	serverWelcome serverKind = iota + 1
	serverTopic
)

type serverMessage struct {
	kind   serverKind
	id     common.PeerID
	sender common.PeerID
	topic  string
	body   []byte
}

var errEmptyMessage = errors.New("relay: message has no content")

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func encodeSubscribe(topic string) []byte {
	return appendMessage(nil, fieldClientSubscribe, appendString(nil, fieldTopic, topic))
}

func encodeUnsubscribe(topic string) []byte {
	return appendMessage(nil, fieldClientUnsubscribe, appendString(nil, fieldTopic, topic))
}

func encodePublish(topics []string, payload []byte) []byte {
	var inner []byte
	for _, t := range topics {
		inner = appendString(inner, fieldPublishTopics, t)
	}
	inner = protowire.AppendTag(inner, fieldPublishPayload, protowire.BytesType)
	inner = protowire.AppendBytes(inner, payload)
	return appendMessage(make([]byte, 0, len(inner)+8), fieldClientPublish, inner)
}

func encodeWelcome(id common.PeerID) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldWelcomeID, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(id))
	return appendMessage(nil, fieldServerWelcome, inner)
}

func encodeTopicMessage(sender common.PeerID, topic string, body []byte) []byte {
	inner := make([]byte, 0, len(topic)+len(body)+16)
	inner = protowire.AppendTag(inner, fieldTopicSender, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(sender))
	inner = appendString(inner, fieldTopicTopic, topic)
	inner = protowire.AppendTag(inner, fieldTopicBody, protowire.BytesType)
	inner = protowire.AppendBytes(inner, body)
	return appendMessage(make([]byte, 0, len(inner)+8), fieldServerTopic, inner)
}

// fields decodes one level of a message into a callback per field.
func fields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m := fn(num, typ, data)
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

func decodeClientMessage(data []byte) (*clientMessage, error) {
	msg := &clientMessage{}
	err := fields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		var ierr error
		switch num {
		case fieldClientSubscribe, fieldClientUnsubscribe:
			msg.kind = clientSubscribe
			if num == fieldClientUnsubscribe {
				msg.kind = clientUnsubscribe
			}
			ierr = fields(inner, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num == fieldTopic && typ == protowire.BytesType {
					v, n := protowire.ConsumeString(b)
					msg.topic = v
					return n
				}
				return protowire.ConsumeFieldValue(num, typ, b)
			})
		case fieldClientPublish:
			msg.kind = clientPublish
			ierr = fields(inner, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == fieldPublishTopics && typ == protowire.BytesType:
					v, n := protowire.ConsumeString(b)
					if n >= 0 {
						msg.topics = append(msg.topics, v)
					}
					return n
				case num == fieldPublishPayload && typ == protowire.BytesType:
					v, n := protowire.ConsumeBytes(b)
					msg.payload = v
					return n
				}
				return protowire.ConsumeFieldValue(num, typ, b)
			})
		}
		if ierr != nil {
			return -1
		}
		return n
	})
	if err != nil {
		return nil, common.ErrInvalidMessage("client_message", err)
	}
	if msg.kind == 0 {
		return nil, common.ErrInvalidMessage("client_message", errEmptyMessage)
	}
	return msg, nil
}

func decodeServerMessage(data []byte) (*serverMessage, error) {
	msg := &serverMessage{}
	err := fields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		var ierr error
		switch num {
		case fieldServerWelcome:
			msg.kind = serverWelcome
			ierr = fields(inner, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num == fieldWelcomeID && typ == protowire.VarintType {
					v, n := protowire.ConsumeVarint(b)
					msg.id = common.PeerID(v)
					return n
				}
				return protowire.ConsumeFieldValue(num, typ, b)
			})
		case fieldServerTopic:
			msg.kind = serverTopic
			ierr = fields(inner, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch {
				case num == fieldTopicSender && typ == protowire.VarintType:
					v, n := protowire.ConsumeVarint(b)
					msg.sender = common.PeerID(v)
					return n
				case num == fieldTopicTopic && typ == protowire.BytesType:
					v, n := protowire.ConsumeString(b)
					msg.topic = v
					return n
				case num == fieldTopicBody && typ == protowire.BytesType:
					v, n := protowire.ConsumeBytes(b)
					msg.body = v
					return n
				}
				return protowire.ConsumeFieldValue(num, typ, b)
			})
		}
		if ierr != nil {
			return -1
		}
		return n
	})
	if err != nil {
		return nil, common.ErrInvalidMessage("server_message", err)
	}
	if msg.kind == 0 {
		return nil, common.ErrInvalidMessage("server_message", errEmptyMessage)
	}
	return msg, nil
}
