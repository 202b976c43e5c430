package client

import "errors"

var errMalformedLocalState = errors.New("client: malformed local state")
var errMalformedPayload = errors.New("client: malformed payload")
