package fasttime

// XqdStatus is a status code returned from every ABI method as described in crate
// `fastly-shared`
type XqdStatus int32

const (
	XqdStatusOK             XqdStatus = 0
	XqdError                XqdStatus = 1
	XqdErrInvalidArgument   XqdStatus = 2
	XqdErrInvalidHandle     XqdStatus = 3
	XqdErrBufferLength      XqdStatus = 4
	XqdErrUnsupported       XqdStatus = 5
	XqdErrBadAlignment      XqdStatus = 6
	XqdErrHttpParse         XqdStatus = 7
	XqdErrHttpUserInvalid   XqdStatus = 8
	XqdErrHttpIncomplete    XqdStatus = 9
	XqdErrNone              XqdStatus = 10
	XqdErrHttpHeadTooLarge  XqdStatus = 11
	XqdErrHttpInvalidStatus XqdStatus = 12
	XqdErrLimitExceeded     XqdStatus = 13
	XqdErrAgain             XqdStatus = 14
)

var statusNames = map[XqdStatus]string{
	XqdStatusOK:             "OK",
	XqdError:                "ERROR",
	XqdErrInvalidArgument:   "INVAL",
	XqdErrInvalidHandle:     "BADF",
	XqdErrBufferLength:      "BUFLEN",
	XqdErrUnsupported:       "UNSUPPORTED",
	XqdErrBadAlignment:      "BADALIGN",
	XqdErrHttpParse:         "HTTPINVALID",
	XqdErrHttpUserInvalid:   "HTTPUSER",
	XqdErrHttpIncomplete:    "HTTPINCOMPLETE",
	XqdErrNone:              "NONE",
	XqdErrHttpHeadTooLarge:  "HTTPHEADTOOLARGE",
	XqdErrHttpInvalidStatus: "HTTPINVALIDSTATUS",
	XqdErrLimitExceeded:     "LIMITEXCEEDED",
	XqdErrAgain:             "AGAIN",
}

func (s XqdStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// HTTP version values used by the version get/set calls.
const (
	Http09 int32 = 0
	Http10 int32 = 1
	Http11 int32 = 2
	Http2  int32 = 3
	Http3  int32 = 4
)

// Body write ends accepted by body_write.
const (
	BodyWriteEndBack  int32 = 0
	BodyWriteEndFront int32 = 1
)
