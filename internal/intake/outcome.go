package intake

// Severity classifies an outcome for display.
type Severity string

const (
	SeverityDanger  Severity = "danger"
	SeveritySuccess Severity = "success"
)

// Outcome is the result of one submitted URL.
type Outcome struct {
	URL       string   `json:"url"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Code      string   `json:"code"`
	WebsiteID uint     `json:"website_id,omitempty"`
	// Err is the sentinel behind a rejection, nil on success.
	Err error `json:"-"`
}

// Accepted reports whether the URL was admitted to the queue.
func (o Outcome) Accepted() bool {
	return o.Severity == SeveritySuccess
}

func accepted(url string, websiteID uint) Outcome {
	return Outcome{
		URL:       url,
		Message:   acceptedMessage,
		Severity:  SeveritySuccess,
		Code:      CodeAccepted,
		WebsiteID: websiteID,
	}
}

func rejected(url string, err error) Outcome {
	msg, code := Message(err)
	return Outcome{
		URL:      url,
		Message:  msg,
		Severity: SeverityDanger,
		Code:     code,
		Err:      err,
	}
}
