package feed

import "errors"

// ErrNoCredentials means no active vendor credentials with an access token
// exist; a subscribe attempt cannot open a session. Reported to the
// requesting client, never fatal to the process.
var ErrNoCredentials = errors.New("no active vendor credentials")

// ErrUpstreamUnavailable means the vendor session could not be established
// or has been torn down.
var ErrUpstreamUnavailable = errors.New("upstream feed unavailable")
