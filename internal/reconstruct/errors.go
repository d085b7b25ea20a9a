package reconstruct

import "errors"

// ErrDecodeFailed marks an event whose payload could not be decoded into
// the shape its type implies. Fold skips the offending event and keeps
// going rather than failing the whole transcript.
var ErrDecodeFailed = errors.New("reconstruct: decode failed")
