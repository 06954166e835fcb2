package cosync

import (
	"fmt"
	"math"
)

type SyncMessageKind int

const (
	// asks the peer for content past the given known state
	SyncMessageLoad SyncMessageKind = 1
	// what the sender has. Acks content, and a missing header means not found
	SyncMessageKnown SyncMessageKind = 2
	SyncMessageContent SyncMessageKind = 3
	SyncMessagePing    SyncMessageKind = 4
)

func (self SyncMessageKind) String() string {
	switch self {
	case SyncMessageLoad:
		return "load"
	case SyncMessageKnown:
		return "known"
	case SyncMessageContent:
		return "content"
	case SyncMessagePing:
		return "ping"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// transactions of one session, starting at index `After`
// the header is included when the receiver may not have it
type ContentMessage struct {
	Id           CoValueId
	Header       *CoValueHeader
	Priority     Priority
	SessionId    SessionId
	After        int
	Transactions []*Transaction
}

// the known state after applying this content
func (self *ContentMessage) KnownAfter() *KnownState {
	knownState := NewKnownState(self.Id)
	knownState.Header = self.Header != nil
	if self.SessionId != "" {
		knownState.Sessions[self.SessionId] = self.After + len(self.Transactions)
	}
	return knownState
}

type PingMessage struct {
	// unix millis of the sender
	Time int64
}

type SyncMessage struct {
	Kind    SyncMessageKind
	Known   *KnownState
	Content *ContentMessage
	Ping    *PingMessage
}

func NewLoadMessage(knownState *KnownState) *SyncMessage {
	return &SyncMessage{
		Kind:  SyncMessageLoad,
		Known: knownState,
	}
}

func NewKnownMessage(knownState *KnownState) *SyncMessage {
	return &SyncMessage{
		Kind:  SyncMessageKnown,
		Known: knownState,
	}
}

func NewContentSyncMessage(content *ContentMessage) *SyncMessage {
	return &SyncMessage{
		Kind:    SyncMessageContent,
		Content: content,
	}
}

func NewPingMessage(time int64) *SyncMessage {
	return &SyncMessage{
		Kind: SyncMessagePing,
		Ping: &PingMessage{
			Time: time,
		},
	}
}

func (self *SyncMessage) Id() CoValueId {
	switch self.Kind {
	case SyncMessageLoad, SyncMessageKnown:
		return self.Known.Id
	case SyncMessageContent:
		return self.Content.Id
	default:
		return ""
	}
}

// control messages are high priority
func (self *SyncMessage) Priority() Priority {
	if self.Kind == SyncMessageContent {
		return self.Content.Priority
	}
	return PriorityHigh
}

func (self *SyncMessage) Validate() error {
	switch self.Kind {
	case SyncMessageLoad, SyncMessageKnown:
		if self.Known == nil {
			return fmt.Errorf("Missing known state.")
		}
		if !IsCoValueId(string(self.Known.Id)) {
			return fmt.Errorf("Invalid id: %s", self.Known.Id)
		}
		for sessionId, count := range self.Known.Sessions {
			if count < 0 || math.MaxInt32 < count {
				return fmt.Errorf("Invalid session count: %s=%d", sessionId, count)
			}
		}
	case SyncMessageContent:
		if self.Content == nil {
			return fmt.Errorf("Missing content.")
		}
		if !IsCoValueId(string(self.Content.Id)) {
			return fmt.Errorf("Invalid id: %s", self.Content.Id)
		}
		if self.Content.Header != nil {
			id, err := self.Content.Header.Id()
			if err != nil {
				return err
			}
			if id != self.Content.Id {
				return ErrHeaderMismatch
			}
		}
		if 0 < len(self.Content.Transactions) {
			if _, err := self.Content.SessionId.Author(); err != nil {
				return err
			}
		}
		if self.Content.After < 0 {
			return fmt.Errorf("Invalid after: %d", self.Content.After)
		}
	case SyncMessagePing:
		if self.Ping == nil {
			return fmt.Errorf("Missing ping.")
		}
	default:
		return fmt.Errorf("Unknown message kind: %d", int(self.Kind))
	}
	return nil
}
