package protocol

// NBD Magic constants
const (
	NBDMAGIC   = 0x4e42444d41474943
	IHAVEOPT   = 0x49484156454F5054
	REPLYMAGIC = 0x3e889045565a9
)

// Transmission magic constants
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#transmission-phase
const (
	REQUESTMAGIC     = 0x25609513
	SIMPLEREPLYMAGIC = 0x67446698
)

// Handshake flags
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#handshake-flags
const (
	FlagFixedNewStyle = 1 << 0
	FlagNoZeroes      = 1 << 1
)

// Client flags
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#client-flags
const (
	FlagClientFixedNewStyle = 1 << 0
	FlagClientNoZeroes      = 1 << 1
)

// Transmission flags
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#transmission-flags
const (
	FlagHasFlags   = 1 << 0
	FlagReadOnly   = 1 << 1
	FlagSendFlush  = 1 << 2
	FlagSendFUA    = 1 << 3
	FlagRotational = 1 << 4
	FlagSendTrim   = 1 << 5
)

// Option types
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#option-types
const (
	OptExportName      = 1
	OptAbort           = 2
	OptList            = 3
	OptPeekExport      = 4
	OptStartTLS        = 5
	OptInfo            = 6
	OptGo              = 7
	OptStructuredReply = 8
	OptListMetaContext = 9
	OptSetMetaContext  = 10
)

// Option reply types
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#option-reply-types
const (
	RepAck              = 1
	RepServer           = 2
	RepInfo             = 3
	RepMetaContext      = 4
	RepErrUnsup         = 1<<31 + 1
	RepErrPolicy        = 1<<31 + 2
	RepErrInvalid       = 1<<31 + 3
	RepErrPlatform      = 1<<31 + 4
	RepErrTLSReqd       = 1<<31 + 5
	RepErrUnknown       = 1<<31 + 6
	RepErrShutdown      = 1<<31 + 7
	RepErrBlockSizeReqd = 1<<31 + 8
	RepErrTooBig        = 1<<31 + 9
)

// Info types sent with RepInfo
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#nbd_opt_info-and-nbd_opt_go
const (
	InfoExport = 0
)

// Request types
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#request-types
const (
	CmdRead  = 0
	CmdWrite = 1
	CmdDisc  = 2
	CmdFlush = 3
	CmdTrim  = 4
)

// Command flags
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#command-flags
const (
	CmdFlagFUA = 1 << 0
)

// Error values
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#error-values
const (
	EPERM     = 1
	EIO       = 5
	ENOMEM    = 12
	EINVAL    = 22
	ENOSPC    = 28
	EOVERFLOW = 75
	ENOTSUP   = 95
	ESHUTDOWN = 108
)

// NBD fixed newstyle server header
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#newstyle-negotiation
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#fixed-newstyle-negotiation
type nbdFixedNewStyleHeader struct {
	Magic          uint64
	DifferentMagic uint64
	HandshakeFlags uint16
}

// NBD newstyle client flags
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#newstyle-negotiation
type nbdClientFlags uint32

type nbdClientOptions struct {
	OptMagic uint64
	Option   uint32
	Length   uint32
}

type nbdOptReply struct {
	ReplyMagic   uint64
	ClientOption uint32
	ReplyType    uint32
	Length       uint32
}

// Sent in reply to NBD_OPT_EXPORT_NAME, followed by 124 zero bytes unless the client set
// NBD_FLAG_C_NO_ZEROES.
type nbdExportDetails struct {
	Size              uint64
	TransmissionFlags uint16
}

// Payload of a RepInfo reply carrying InfoExport.
type nbdInfoExport struct {
	InfoType          uint16
	Size              uint64
	TransmissionFlags uint16
}

// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#request-message
type nbdRequest struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md#simple-reply-message
type nbdSimpleReply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}
