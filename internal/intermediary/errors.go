package intermediary

import "errors"

// ErrMalformedPayload indicates an upstream payload is missing fields the
// pipeline requires. The item is dropped and logged, never retried: the
// payload will not become valid.
var ErrMalformedPayload = errors.New("malformed upstream payload")
