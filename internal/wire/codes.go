package wire

// Header and body map keys.
const (
	KeyRequestType   = 0x00
	KeySync          = 0x01
	KeySchemaVersion = 0x05
	KeyStreamID      = 0x0a
	KeyData          = 0x30
	KeyError24       = 0x31
	KeyVersion       = 0x54
	KeyFeatures      = 0x55
)

// Request types.
const (
	TypeOK       uint32 = 0
	TypeSelect   uint32 = 1
	TypeInsert   uint32 = 2
	TypeReplace  uint32 = 3
	TypeUpdate   uint32 = 4
	TypeDelete   uint32 = 5
	TypeAuth     uint32 = 7
	TypeEval     uint32 = 8
	TypeUpsert   uint32 = 9
	TypeCall     uint32 = 10
	TypeExecute  uint32 = 11
	TypeNop      uint32 = 12
	TypePrepare  uint32 = 13
	TypeBegin    uint32 = 14
	TypeCommit   uint32 = 15
	TypeRollback uint32 = 16
	TypePing     uint32 = 64
	TypeID       uint32 = 73

	// TypeError is or-ed with an error code in error replies.
	TypeError uint32 = 1 << 15
)

// Error codes carried in error replies.
const (
	ErrCodeUnknown            uint32 = 0
	ErrCodeInvalidMsgpack     uint32 = 20
	ErrCodeUnknownRequestType uint32 = 48
	ErrCodeProcC              uint32 = 102
)

// ProtocolVersion is reported by the ID request.
const ProtocolVersion = 3

// Protocol features reported by the ID request.
const (
	FeatureStreams = 0
)

// IsTerminal reports whether completing a request of this type ends its stream.
func IsTerminal(reqType uint32) bool {
	return reqType == TypeCommit || reqType == TypeRollback
}

// TypeName returns a short label for metrics and logs.
func TypeName(reqType uint32) string {
	switch reqType {
	case TypeSelect:
		return "select"
	case TypeInsert:
		return "insert"
	case TypeReplace:
		return "replace"
	case TypeUpdate:
		return "update"
	case TypeDelete:
		return "delete"
	case TypeAuth:
		return "auth"
	case TypeEval:
		return "eval"
	case TypeUpsert:
		return "upsert"
	case TypeCall:
		return "call"
	case TypeExecute:
		return "execute"
	case TypeNop:
		return "nop"
	case TypePrepare:
		return "prepare"
	case TypeBegin:
		return "begin"
	case TypeCommit:
		return "commit"
	case TypeRollback:
		return "rollback"
	case TypePing:
		return "ping"
	case TypeID:
		return "id"
	default:
		return "other"
	}
}
