package intake

import "errors"

var (
	// ErrDuplicateExact is returned when the canonical URL is already tracked.
	ErrDuplicateExact = errors.New("website already exists")
	// ErrDuplicateAncestor is returned when a parent directory is already tracked.
	ErrDuplicateAncestor = errors.New("parent directory already posted")
	// ErrInvalidURL is returned for malformed URLs and non-http(s) schemes.
	ErrInvalidURL = errors.New("invalid url")
	// ErrBlacklisted is returned when the URL matches the blacklist.
	ErrBlacklisted = errors.New("website blacklisted")
	// ErrProbeFailed covers both heuristic rejection and an unreachable server.
	ErrProbeFailed = errors.New("not an open directory or not responding")
	// ErrURLCount is returned by SubmitBulk for 0 or more than MaxBulkURLs URLs.
	ErrURLCount = errors.New("too few or too many urls")
	// ErrUnavailable is returned when the store or lock backend fails.
	ErrUnavailable = errors.New("intake unavailable")
)

// Outcome codes, stable for clients and metrics.
const (
	CodeAccepted          = "accepted"
	CodeDuplicateExact    = "duplicate_exact"
	CodeDuplicateAncestor = "duplicate_ancestor"
	CodeInvalidURL        = "invalid_url"
	CodeBlacklisted       = "blacklisted"
	CodeProbeFailed       = "probe_failed"
	CodeUnavailable       = "unavailable"
	CodeURLCount          = "url_count"
)

const acceptedMessage = "The website has been added to the queue"

var rejections = []struct {
	err     error
	code    string
	message string
}{
	{ErrDuplicateExact, CodeDuplicateExact, "Website already exists"},
	{ErrDuplicateAncestor, CodeDuplicateAncestor, "A parent directory of this url has already been posted"},
	{ErrInvalidURL, CodeInvalidURL, "Invalid url. Make sure to include the http(s):// prefix. FTP is not supported"},
	{ErrBlacklisted, CodeBlacklisted, "Sorry, this website has been blacklisted. If you think this is an error, please contact us"},
	{ErrProbeFailed, CodeProbeFailed, "The anti-spam check determined that the submitted url is not an open directory or the server is not responding. If you think this is an error, please contact us"},
	{ErrURLCount, CodeURLCount, "Too few or too many urls, please submit 1-10 urls"},
	{ErrUnavailable, CodeUnavailable, "The service is temporarily unavailable, please try again later"},
}

// Message returns the user-facing text and outcome code for an intake error.
func Message(err error) (string, string) {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return r.message, r.code
		}
	}
	return "The service is temporarily unavailable, please try again later", CodeUnavailable
}
