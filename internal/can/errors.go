package can

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrPayloadTooLong    = errors.New("payload too long")
	ErrInvalidByte       = errors.New("invalid byte")
	ErrIncompatibleFlags = errors.New("incompatible flags")

	ErrSocketNotOpen    = errors.New("socket not open")
	ErrSocketOpen       = errors.New("socket open")
	ErrSocketClose      = errors.New("socket close")
	ErrSend             = errors.New("send")
	ErrReceive          = errors.New("receive")
	ErrReceiveTimeout   = errors.New("receive timeout")
	ErrAlreadyListening = errors.New("already listening")
	ErrListening        = errors.New("listening")
	ErrReaderBusy       = errors.New("reader busy")
	ErrInvalidFilter    = errors.New("invalid filter")
	ErrInvalidFormat    = errors.New("invalid format")
	ErrUnsupported      = errors.New("unsupported")
)

// ErrorKind is the discriminable class of a rejected operation.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidIdentifier
	KindPayloadTooLong
	KindInvalidByte
	KindIncompatibleFlags
	KindSocketNotOpen
	KindSocketOpenError
	KindSocketCloseError
	KindSendError
	KindReceiveError
	KindReceiveTimeout
	KindAlreadyListening
	KindListeningError
	KindReaderBusy
	KindInvalidFilter
	KindInvalidFormat
	KindUnsupported
)

// kinds is ordered most specific first: a listening error wrapping a
// receive error reports as a listening error.
var kinds = []struct {
	err  error
	kind ErrorKind
	name string
}{
	{ErrListening, KindListeningError, "listening_error"},
	{ErrAlreadyListening, KindAlreadyListening, "already_listening"},
	{ErrReaderBusy, KindReaderBusy, "reader_busy"},
	{ErrInvalidFilter, KindInvalidFilter, "invalid_filter"},
	{ErrInvalidFormat, KindInvalidFormat, "invalid_format"},
	{ErrIncompatibleFlags, KindIncompatibleFlags, "incompatible_flags"},
	{ErrInvalidIdentifier, KindInvalidIdentifier, "invalid_identifier"},
	{ErrPayloadTooLong, KindPayloadTooLong, "payload_too_long"},
	{ErrInvalidByte, KindInvalidByte, "invalid_byte"},
	{ErrSocketNotOpen, KindSocketNotOpen, "socket_not_open"},
	{ErrSocketOpen, KindSocketOpenError, "socket_open_error"},
	{ErrSocketClose, KindSocketCloseError, "socket_close_error"},
	{ErrReceiveTimeout, KindReceiveTimeout, "receive_timeout"},
	{ErrSend, KindSendError, "send_error"},
	{ErrReceive, KindReceiveError, "receive_error"},
	{ErrUnsupported, KindUnsupported, "unsupported"},
}

// KindOf classifies err. Nil and unrecognized errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// String returns a stable snake_case name, suitable as a metrics label.
func (k ErrorKind) String() string {
	for _, e := range kinds {
		if e.kind == k {
			return e.name
		}
	}
	return "unknown"
}

// IsTimeout reports whether err is the routine "no data yet" read outcome.
func IsTimeout(err error) bool { return errors.Is(err, ErrReceiveTimeout) }
