package cosync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

// ulid string form, which preserves the create time order
func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("Invalid id json: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

const coValueIdPrefix = "co_"
const sessionSeparator = "_session_"

// `co_<hex short hash of the header>`
type CoValueId string

func coValueIdFromShortHash(shortHash ShortHash) CoValueId {
	return CoValueId(coValueIdPrefix + shortHash.String())
}

func IsCoValueId(value string) bool {
	if !strings.HasPrefix(value, coValueIdPrefix) {
		return false
	}
	b, err := hex.DecodeString(value[len(coValueIdPrefix):])
	return err == nil && len(b) == shortHashSize
}

func ParseCoValueId(value string) (CoValueId, error) {
	if !IsCoValueId(value) {
		return "", fmt.Errorf("Invalid covalue id: %s", value)
	}
	return CoValueId(value), nil
}

// an account id (a covalue id) or an agent id
// groups grant roles to either; accounts are the common case
type AccountOrAgentId string

const EveryoneMember = AccountOrAgentId("everyone")

func (self AccountOrAgentId) IsAccount() bool {
	return IsCoValueId(string(self))
}

func (self AccountOrAgentId) IsAgent() bool {
	return IsAgentId(string(self))
}

// `<accountOrAgentId>_session_<ulid>`
// the ulid is the random per-device suffix
type SessionId string

func NewSessionId(author AccountOrAgentId) SessionId {
	return SessionId(fmt.Sprintf("%s%s%s", author, sessionSeparator, NewId()))
}

func (self SessionId) Author() (AccountOrAgentId, error) {
	// the ulid suffix never contains the separator
	i := strings.LastIndex(string(self), sessionSeparator)
	if i <= 0 {
		return "", fmt.Errorf("Invalid session id: %s", self)
	}
	author := AccountOrAgentId(self[:i])
	if !author.IsAccount() && !author.IsAgent() {
		return "", fmt.Errorf("Invalid session author: %s", self)
	}
	return author, nil
}

// comparable
type TransactionId struct {
	SessionId SessionId `json:"sessionId"`
	TxIndex   int       `json:"txIndex"`
}

func (self TransactionId) String() string {
	return fmt.Sprintf("%s:%d", self.SessionId, self.TxIndex)
}

// a point in the deterministic total order of transactions:
// `MadeAt`, then `SessionId`, then `TxIndex`
// all replicas apply the same order regardless of arrival order
type TxPosition struct {
	MadeAt    int64
	SessionId SessionId
	TxIndex   int
}

func (self TxPosition) Compare(b TxPosition) int {
	if self.MadeAt < b.MadeAt {
		return -1
	} else if b.MadeAt < self.MadeAt {
		return 1
	}
	if c := strings.Compare(string(self.SessionId), string(b.SessionId)); c != 0 {
		return c
	}
	if self.TxIndex < b.TxIndex {
		return -1
	} else if b.TxIndex < self.TxIndex {
		return 1
	}
	return 0
}

func (self TxPosition) Before(b TxPosition) bool {
	return self.Compare(b) < 0
}

func (self TxPosition) TxId() TransactionId {
	return TransactionId{
		SessionId: self.SessionId,
		TxIndex:   self.TxIndex,
	}
}

// the version that sorts after every transaction
func LatestPosition() TxPosition {
	return TxPosition{
		MadeAt: int64(^uint64(0) >> 1),
	}
}

// use this type when counting bytes
type ByteCount = int64
