package evalctx

import "errors"

// Pipeline invariant violations, grounded on the teacher's wallet.go
// sentinel-error-var-block style.
var (
	ErrDoubleNext       = errors.New("evalctx: stage invoked next more than once")
	ErrNoVerdict        = errors.New("evalctx: pipeline completed without a verdict")
	ErrInvalidAddress   = errors.New("evalctx: malformed target address")
	ErrInvalidValue     = errors.New("evalctx: malformed or negative value")
	ErrInvalidCalldata  = errors.New("evalctx: malformed calldata hex")
)
