package web

import "errors"

// ErrNoUsername indicates the request carried no usable identity.
var ErrNoUsername = errors.New("no username in request")
