package core

import (
	"github.com/git-pkgs/pkgref/client"
)

// Type aliases so ecosystem implementations only import core.
type (
	RateLimiter = client.RateLimiter
	Client      = client.Client
	Option      = client.Option
	URLBuilder  = client.URLBuilder
	HTTPError   = client.HTTPError
)

// Function aliases so ecosystem implementations only import core.
var (
	DefaultClient  = client.DefaultClient
	NewClient      = client.NewClient
	WithTimeout    = client.WithTimeout
	WithMaxRetries = client.WithMaxRetries
	BuildURLs      = client.BuildURLs
)
