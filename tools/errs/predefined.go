package errs

// Engine error codes. The 1xx block is policy, 2xx dependency, 3xx validation.
const (
	UnknownCode = 500

	RateLimitedCode    = 101
	RoomTerminated     = 102
	SpawnFailedCode    = 103
	StoreFailedCode    = 201
	UserLookupCode     = 202
	BusPublishCode     = 203
	ValidationCode     = 301
	RecordNotFoundCode = 302
)

var (
	ErrRateLimited    = NewCodeError(RateLimitedCode, "rate limited")
	ErrRoomTerminated = NewCodeError(RoomTerminated, "room terminated")
	ErrSpawnFailed    = NewCodeError(SpawnFailedCode, "room spawn failed")
	ErrStoreFailed    = NewCodeError(StoreFailedCode, "persistence failed")
	ErrUserLookup     = NewCodeError(UserLookupCode, "user lookup failed")
	ErrBusPublish     = NewCodeError(BusPublishCode, "bus publish failed")
	ErrValidation     = NewCodeError(ValidationCode, "validation failed")
	ErrRecordNotFound = NewCodeError(RecordNotFoundCode, "record not found")
)
