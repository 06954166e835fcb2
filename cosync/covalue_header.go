package cosync

import (
	"encoding/json"
	"fmt"
)

// the closed set of covalue kinds
// each kind has exactly one resolver, selected from the header at load time
type CoValueType string

const (
	CoValueTypeMap          CoValueType = "comap"
	CoValueTypeList         CoValueType = "colist"
	CoValueTypeStream       CoValueType = "costream"
	CoValueTypeBinaryStream CoValueType = "binarycostream"
	CoValueTypeGroup        CoValueType = "group"
	CoValueTypeAccount      CoValueType = "account"
)

func (self CoValueType) Valid() bool {
	switch self {
	case CoValueTypeMap,
		CoValueTypeList,
		CoValueTypeStream,
		CoValueTypeBinaryStream,
		CoValueTypeGroup,
		CoValueTypeAccount:
		return true
	default:
		return false
	}
}

// groups and accounts govern themselves
func (self CoValueType) IsGroup() bool {
	return self == CoValueTypeGroup || self == CoValueTypeAccount
}

type RulesetType string

const (
	RulesetOwnedByGroup   RulesetType = "ownedByGroup"
	RulesetGroup          RulesetType = "group"
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
)

type Ruleset struct {
	Type RulesetType `json:"type"`
	// set for `ownedByGroup`
	Group CoValueId `json:"group,omitempty"`
	// set for `group`
	InitialAdmin AccountOrAgentId `json:"initialAdmin,omitempty"`
}

func OwnedByGroup(groupId CoValueId) Ruleset {
	return Ruleset{
		Type:  RulesetOwnedByGroup,
		Group: groupId,
	}
}

func SelfGoverning(initialAdmin AccountOrAgentId) Ruleset {
	return Ruleset{
		Type:         RulesetGroup,
		InitialAdmin: initialAdmin,
	}
}

func UnsafeAllowAll() Ruleset {
	return Ruleset{
		Type: RulesetUnsafeAllowAll,
	}
}

// written once at creation and never mutated
// the json encoding of the header is hashed into the covalue id
type CoValueHeader struct {
	Type    CoValueType     `json:"type"`
	Ruleset Ruleset         `json:"ruleset"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	// unix millis
	CreatedAt  int64  `json:"createdAt"`
	Uniqueness string `json:"uniqueness"`
}

func (self *CoValueHeader) Validate() error {
	if !self.Type.Valid() {
		return fmt.Errorf("Invalid covalue type: %s", self.Type)
	}
	switch self.Ruleset.Type {
	case RulesetOwnedByGroup:
		if self.Type.IsGroup() {
			return fmt.Errorf("A %s must govern itself.", self.Type)
		}
		if !IsCoValueId(string(self.Ruleset.Group)) {
			return fmt.Errorf("Invalid owner group: %s", self.Ruleset.Group)
		}
	case RulesetGroup:
		if !self.Type.IsGroup() {
			return fmt.Errorf("A %s cannot govern itself.", self.Type)
		}
		if !self.Ruleset.InitialAdmin.IsAccount() && !self.Ruleset.InitialAdmin.IsAgent() {
			return fmt.Errorf("Invalid initial admin: %s", self.Ruleset.InitialAdmin)
		}
		if self.Type == CoValueTypeAccount && !self.Ruleset.InitialAdmin.IsAgent() {
			return fmt.Errorf("The initial admin of an account must be an agent.")
		}
	case RulesetUnsafeAllowAll:
		if self.Type.IsGroup() {
			return fmt.Errorf("A %s must govern itself.", self.Type)
		}
	default:
		return fmt.Errorf("Invalid ruleset: %s", self.Ruleset.Type)
	}
	if self.Meta != nil && !json.Valid(self.Meta) {
		return fmt.Errorf("Invalid meta json.")
	}
	return nil
}

func (self *CoValueHeader) Id() (CoValueId, error) {
	b, err := json.Marshal(self)
	if err != nil {
		return "", err
	}
	return coValueIdFromShortHash(ShortHashBytes(b)), nil
}

func (self *CoValueHeader) RequireId() CoValueId {
	id, err := self.Id()
	if err != nil {
		panic(err)
	}
	return id
}

// the values that must be available to validate transactions of this header
func (self *CoValueHeader) Dependencies() []CoValueId {
	switch self.Ruleset.Type {
	case RulesetOwnedByGroup:
		return []CoValueId{self.Ruleset.Group}
	case RulesetGroup:
		if self.Ruleset.InitialAdmin.IsAccount() {
			return []CoValueId{CoValueId(self.Ruleset.InitialAdmin)}
		}
	}
	return nil
}

type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 1
	PriorityLow    Priority = 2
)

const priorityCount = 3

func (self Priority) String() string {
	switch self {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// account/group metadata is permission critical, binary content is bulk
func PriorityForHeader(header *CoValueHeader) Priority {
	if header == nil {
		return PriorityMedium
	}
	switch header.Type {
	case CoValueTypeGroup, CoValueTypeAccount:
		return PriorityHigh
	case CoValueTypeBinaryStream:
		return PriorityLow
	default:
		return PriorityMedium
	}
}
