package transport

import (
	"bytes"
	"io"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/types"
)

var (
	leadHeaderPattern     = regexp.MustCompile(`(?im)^` + LeadHeader + `:\s*([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)
	originalIDPattern     = regexp.MustCompile(`(?im)^(?:Original-Message-ID|X-Provider-Message-Id|Message-ID):\s*<?([^>\s]+)>?`)
	bounceSubjectPattern  = regexp.MustCompile(`(?i)undeliver|delivery status notification|returned mail|failure notice|delivery failure|mail delivery failed`)
	failedActionPattern   = regexp.MustCompile(`(?im)^Action:\s*failed`)
	delayedActionPattern  = regexp.MustCompile(`(?im)^Action:\s*delayed`)
	bounceSenderFragments = []string{"mailer-daemon", "postmaster"}
	maxBounceBodyBytes    = int64(1 << 20)
)

// ParseBounce recognises a delivery status notification and returns the
// bounced event it describes. Delay notices and mail that cannot be tied to
// a lead or message are not bounces.
func ParseBounce(raw []byte, received time.Time) (*types.EngagementEvent, bool) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(msg.Body, maxBounceBodyBytes))
	if err != nil {
		return nil, false
	}

	if !looksLikeBounce(msg.Header) {
		return nil, false
	}
	if delayedActionPattern.Match(body) && !failedActionPattern.Match(body) {
		return nil, false
	}

	ev := &types.EngagementEvent{Kind: types.EventBounced, Timestamp: received}
	if date, err := msg.Header.Date(); err == nil {
		ev.Timestamp = date
	}
	if id := strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"); id != "" {
		ev.EventID = "dsn:" + id
	}
	if m := leadHeaderPattern.FindSubmatch(body); m != nil {
		if id, err := uuid.Parse(string(m[1])); err == nil {
			ev.LeadID = id
		}
	}
	// The notification's own Message-ID is in the outer header, so every
	// match in the body refers to the original message.
	if m := originalIDPattern.FindSubmatch(body); m != nil {
		ev.MessageID = string(m[1])
	}

	if ev.LeadID == uuid.Nil && ev.MessageID == "" {
		return nil, false
	}
	return ev, true
}

func looksLikeBounce(h mail.Header) bool {
	contentType := strings.ToLower(h.Get("Content-Type"))
	if strings.Contains(contentType, "report-type=delivery-status") || strings.Contains(contentType, "report-type=\"delivery-status\"") {
		return true
	}
	from := strings.ToLower(h.Get("From"))
	for _, frag := range bounceSenderFragments {
		if strings.Contains(from, frag) {
			return true
		}
	}
	return bounceSubjectPattern.MatchString(h.Get("Subject"))
}
