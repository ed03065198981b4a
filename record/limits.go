package record

import (
	"errors"
	"fmt"
)

// Well-known field names. Short keys keep the encoded state small; the old
// keys stay reserved forever so they are never reused with a new meaning.
const (
	FieldName            = "n"
	FieldNickname        = "N"
	FieldDescription     = "o"
	FieldPicURL          = "p"
	FieldPicKey          = "q"
	FieldApproved        = "a"
	FieldApprovedMe      = "A"
	FieldBlocked         = "b"
	FieldPriority        = "+"
	FieldCreatedMs       = "j"
	FieldExpEnabled      = "e"
	FieldExpSeconds      = "E"
	FieldExpMode         = "M"
	FieldExpChangedMs    = "T"
	FieldLastReadMs      = "r"
	FieldUnread          = "u"
	FieldFormedMs        = "f"
	FieldDeleteBefore    = "d"
	FieldAttachDelBefore = "D"
	FieldDestroyed       = "x"
	FieldRole            = "R"
	FieldInvited         = "i"
	FieldPromoted        = "P"
	FieldRemoved         = "X"
	FieldAdminKey        = "K"
	FieldAuthData        = "s"
	FieldCommunityURL    = "c"
	FieldCommunityRoom   = "m"
	FieldCommunityKey    = "y"
	FieldBlocksRequests  = "B"
)

// Hard per-field byte limits, enforced on the UTF-8 byte length before a
// value enters a store. Oversized input is rejected, never truncated.
const (
	NameMaxBytes         = 100
	NicknameMaxBytes     = 100
	DescriptionMaxBytes  = 2000
	PicURLMaxBytes       = 223
	SymmetricKeyBytes    = 32
	CommunityURLMaxBytes = 268
	CommunityRoomMax     = 64
	CommunityKeyHexLen   = 64
	AuthDataMaxBytes     = 100
)

var ErrTooLarge = errors.New("record: config data is too large")

var fieldLimits = map[string]int{
	FieldName:          NameMaxBytes,
	FieldNickname:      NicknameMaxBytes,
	FieldDescription:   DescriptionMaxBytes,
	FieldPicURL:        PicURLMaxBytes,
	FieldAuthData:      AuthDataMaxBytes,
	FieldCommunityURL:  CommunityURLMaxBytes,
	FieldCommunityRoom: CommunityRoomMax,
}

// Validates a value against its field's byte limit. Fields without a
// registered limit accept any size; the aggregate namespace budget still
// applies at push time.
func CheckLimit(field string, val []byte) error {
	switch field {
	case FieldPicKey:
		if len(val) != 0 && len(val) != SymmetricKeyBytes {
			return fmt.Errorf("%w: key must be exactly %d bytes, got %d", ErrTooLarge, SymmetricKeyBytes, len(val))
		}
		return nil
	case FieldCommunityKey:
		if len(val) != 0 && len(val) != CommunityKeyHexLen {
			return fmt.Errorf("%w: server key must be %d hex characters, got %d", ErrTooLarge, CommunityKeyHexLen, len(val))
		}
		return nil
	}
	limit, ok := fieldLimits[field]
	if !ok {
		return nil
	}
	if len(val) > limit {
		return fmt.Errorf("%w: field %q is %d bytes, limit %d", ErrTooLarge, field, len(val), limit)
	}
	return nil
}
