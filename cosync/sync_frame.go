package cosync

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// sync messages use the protobuf wire format, written field by field
//
// SyncMessage { 1 kind varint; 2 known Known; 3 content Content; 4 ping Ping }
// Known { 1 id string; 2 header bool; 3 sessions repeated KnownSession }
// KnownSession { 1 session string; 2 count varint }
// Content { 1 id string; 2 header json bytes; 3 priority varint; 4 session string; 5 after varint; 6 txs repeated Tx }
// Tx { 1 privacy varint; 2 made_at varint; 3 changes bytes; 4 encrypted bytes; 5 key_used string; 6 signature bytes }
// Ping { 1 time varint }

func EncodeSyncMessage(message *SyncMessage) ([]byte, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	b := []byte{}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(message.Kind))
	switch message.Kind {
	case SyncMessageLoad, SyncMessageKnown:
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendKnownState(nil, message.Known))
	case SyncMessageContent:
		contentBytes, err := appendContent(nil, message.Content)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, contentBytes)
	case SyncMessagePing:
		pingBytes := protowire.AppendTag(nil, 1, protowire.VarintType)
		pingBytes = protowire.AppendVarint(pingBytes, uint64(message.Ping.Time))
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, pingBytes)
	}
	return b, nil
}

func appendKnownState(b []byte, knownState *KnownState) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(knownState.Id))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(knownState.Header))
	for _, sessionId := range sortedKeys(knownState.Sessions) {
		sessionBytes := protowire.AppendTag(nil, 1, protowire.BytesType)
		sessionBytes = protowire.AppendString(sessionBytes, string(sessionId))
		sessionBytes = protowire.AppendTag(sessionBytes, 2, protowire.VarintType)
		sessionBytes = protowire.AppendVarint(sessionBytes, uint64(knownState.Sessions[sessionId]))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, sessionBytes)
	}
	return b
}

func appendContent(b []byte, content *ContentMessage) ([]byte, error) {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(content.Id))
	if content.Header != nil {
		headerJson, err := json.Marshal(content.Header)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, headerJson)
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(content.Priority))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, string(content.SessionId))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(content.After))
	for _, tx := range content.Transactions {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTransactionFields(nil, tx, true))
	}
	return b, nil
}

// the transaction fields in a fixed order
// without the signature, these are the bytes that are chained and signed
func appendTransactionFields(b []byte, tx *Transaction, withSignature bool) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tx.Privacy))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tx.MadeAt))
	if tx.Changes != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, tx.Changes)
	}
	if tx.EncryptedChanges != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, tx.EncryptedChanges)
	}
	if tx.KeyUsed != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, string(tx.KeyUsed))
	}
	if withSignature {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, tx.Signature)
	}
	return b
}

// calls `field` for each field of `b`
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			// unknown field
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, value *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("Expected varint.")
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*value = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, value *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("Expected bytes.")
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	// copy out of the frame buffer
	*value = append([]byte{}, v...)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, value *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("Expected string.")
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*value = v
	return n, nil
}

func DecodeSyncMessage(b []byte) (*SyncMessage, error) {
	message := &SyncMessage{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var kind uint64
			n, err := consumeVarint(typ, b, &kind)
			message.Kind = SyncMessageKind(kind)
			return n, err
		case 2:
			var knownBytes []byte
			n, err := consumeBytes(typ, b, &knownBytes)
			if err != nil {
				return 0, err
			}
			message.Known, err = decodeKnownState(knownBytes)
			return n, err
		case 3:
			var contentBytes []byte
			n, err := consumeBytes(typ, b, &contentBytes)
			if err != nil {
				return 0, err
			}
			message.Content, err = decodeContent(contentBytes)
			return n, err
		case 4:
			var pingBytes []byte
			n, err := consumeBytes(typ, b, &pingBytes)
			if err != nil {
				return 0, err
			}
			message.Ping = &PingMessage{}
			err = consumeFields(pingBytes, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == 1 {
					var time uint64
					n, err := consumeVarint(typ, b, &time)
					message.Ping.Time = int64(time)
					return n, err
				}
				return 0, nil
			})
			return n, err
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	return message, nil
}

func decodeKnownState(b []byte) (*KnownState, error) {
	knownState := &KnownState{
		Sessions: map[SessionId]int{},
	}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var id string
			n, err := consumeString(typ, b, &id)
			knownState.Id = CoValueId(id)
			return n, err
		case 2:
			var header uint64
			n, err := consumeVarint(typ, b, &header)
			knownState.Header = protowire.DecodeBool(header)
			return n, err
		case 3:
			var sessionBytes []byte
			n, err := consumeBytes(typ, b, &sessionBytes)
			if err != nil {
				return 0, err
			}
			var sessionId string
			var count uint64
			err = consumeFields(sessionBytes, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeString(typ, b, &sessionId)
				case 2:
					return consumeVarint(typ, b, &count)
				default:
					return 0, nil
				}
			})
			if err != nil {
				return 0, err
			}
			if math.MaxInt32 < count {
				return 0, fmt.Errorf("Invalid session count: %d", count)
			}
			knownState.Sessions[SessionId(sessionId)] = int(count)
			return n, nil
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return knownState, nil
}

func decodeContent(b []byte) (*ContentMessage, error) {
	content := &ContentMessage{
		Transactions: []*Transaction{},
	}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var id string
			n, err := consumeString(typ, b, &id)
			content.Id = CoValueId(id)
			return n, err
		case 2:
			var headerJson []byte
			n, err := consumeBytes(typ, b, &headerJson)
			if err != nil {
				return 0, err
			}
			var header CoValueHeader
			if err := json.Unmarshal(headerJson, &header); err != nil {
				return 0, err
			}
			if err := header.Validate(); err != nil {
				return 0, err
			}
			content.Header = &header
			return n, nil
		case 3:
			var priority uint64
			n, err := consumeVarint(typ, b, &priority)
			content.Priority = Priority(priority)
			return n, err
		case 4:
			var sessionId string
			n, err := consumeString(typ, b, &sessionId)
			content.SessionId = SessionId(sessionId)
			return n, err
		case 5:
			var after uint64
			n, err := consumeVarint(typ, b, &after)
			if err != nil {
				return 0, err
			}
			if math.MaxInt32 < after {
				return 0, fmt.Errorf("Invalid after: %d", after)
			}
			content.After = int(after)
			return n, nil
		case 6:
			var txBytes []byte
			n, err := consumeBytes(typ, b, &txBytes)
			if err != nil {
				return 0, err
			}
			tx, err := decodeTransaction(txBytes)
			if err != nil {
				return 0, err
			}
			content.Transactions = append(content.Transactions, tx)
			return n, nil
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if content.Priority < PriorityHigh || PriorityLow < content.Priority {
		content.Priority = PriorityMedium
	}
	for i, tx := range content.Transactions {
		tx.SessionId = content.SessionId
		tx.TxIndex = content.After + i
	}
	return content, nil
}

func decodeTransaction(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var privacy uint64
			n, err := consumeVarint(typ, b, &privacy)
			tx.Privacy = Privacy(privacy)
			return n, err
		case 2:
			var madeAt uint64
			n, err := consumeVarint(typ, b, &madeAt)
			tx.MadeAt = int64(madeAt)
			return n, err
		case 3:
			var changes []byte
			n, err := consumeBytes(typ, b, &changes)
			tx.Changes = changes
			return n, err
		case 4:
			return consumeBytes(typ, b, &tx.EncryptedChanges)
		case 5:
			var keyUsed string
			n, err := consumeString(typ, b, &keyUsed)
			tx.KeyUsed = KeyId(keyUsed)
			return n, err
		case 6:
			var signature []byte
			n, err := consumeBytes(typ, b, &signature)
			tx.Signature = signature
			return n, err
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if tx.Privacy != PrivacyTrusting && tx.Privacy != PrivacyPrivate {
		return nil, fmt.Errorf("Invalid privacy: %d", int(tx.Privacy))
	}
	return tx, nil
}
