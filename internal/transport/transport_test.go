package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/jonathan/lead-pipeline/internal/types"
)

func TestHTTPSender_Send(t *testing.T) {
	leadID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "lead:step0", r.Header.Get("Idempotency-Key"))

		var req sendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sales@growth.example", req.From)
		assert.Equal(t, "info@abc.example", req.To)
		assert.Equal(t, "Hello", req.Subject)
		assert.Equal(t, leadID.String(), req.Headers[LeadHeader])
		assert.Equal(t, leadID.String(), req.Metadata["lead_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-123"}`))
	}))
	defer server.Close()

	s := NewHTTPSender(HTTPConfig{Endpoint: server.URL, APIKey: "secret", From: "sales@growth.example"})
	h, err := s.Send(context.Background(), Message{
		LeadID: leadID, To: "info@abc.example", Subject: "Hello", Body: "Hi", IdempotencyKey: "lead:step0",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-123", h.MessageID)
	assert.Equal(t, "http", h.Provider)
	assert.False(t, h.SentAt.IsZero())
}

func TestHTTPSender_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{"invalid recipient", http.StatusUnprocessableEntity, `{"error":"invalid recipient"}`, true},
		{"rate limited", http.StatusTooManyRequests, `slow down`, false},
		{"server error", http.StatusBadGateway, ``, false},
		{"missing id", http.StatusOK, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPSender(HTTPConfig{Endpoint: server.URL}).Send(context.Background(), Message{To: "a@b.example"})
			var sendErr *SendError
			require.ErrorAs(t, err, &sendErr)
			assert.Equal(t, tt.rejected, sendErr.Rejected())
		})
	}
}

func TestHTTPSender_EmptyRecipient(t *testing.T) {
	_, err := NewHTTPSender(HTTPConfig{Endpoint: "http://127.0.0.1:1"}).Send(context.Background(), Message{})
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.Rejected())
}

func TestHTTPSender_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPSender(HTTPConfig{Endpoint: url}).Send(context.Background(), Message{To: "a@b.example"})
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Rejected())
}

func TestLogSender(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	h, err := LogSender{Now: func() time.Time { return now }}.Send(context.Background(), Message{To: "x@y.example"})
	require.NoError(t, err)
	assert.Contains(t, h.MessageID, "log-")
	assert.Equal(t, now, h.SentAt)
}

func TestParseWebhook(t *testing.T) {
	leadID := uuid.New()
	body := `{"events":[
		{"type":"delivered","message_id":"m1","timestamp":"2026-10-18T10:00:00Z"},
		{"type":"open","message_id":"m1","lead_id":"` + leadID.String() + `"},
		{"type":"click","message_id":"m1","url":"https://growth.example/offer","timestamp":"2026-10-18T11:00:00Z"},
		{"type":"spam_report","message_id":"m2","timestamp":"2026-10-18T11:30:00Z"},
		{"type":"click","event_id":"evt-7","lead_id":"` + leadID.String() + `"},
		{"type":"unsubscribe_group","message_id":"m1"},
		{"type":"bounce"}
	]}`

	events, skipped, err := ParseWebhook([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, events, 5)

	assert.Equal(t, types.EventDelivered, events[0].Kind)
	assert.Equal(t, "m1", events[0].MessageID)
	assert.Equal(t, time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC), events[0].Timestamp.UTC())

	assert.Equal(t, types.EventOpened, events[1].Kind)
	assert.Equal(t, leadID, events[1].LeadID)
	assert.True(t, events[1].Timestamp.IsZero(), "missing timestamps are not invented")

	assert.Equal(t, types.EventClicked, events[2].Kind)
	assert.Equal(t, "https://growth.example/offer", events[2].URL)

	assert.Equal(t, types.EventComplained, events[3].Kind)

	assert.Equal(t, "evt-7", events[4].EventID)
	assert.Equal(t, "evt:evt-7", events[4].DedupeKey())
}

func TestParseWebhook_RedeliveryKeepsDedupeKey(t *testing.T) {
	leadID := uuid.New()
	body := []byte(`{"events":[
		{"type":"open","message_id":"m1"},
		{"type":"click","lead_id":"` + leadID.String() + `","timestamp":"2026-10-18T11:00:00Z"}
	]}`)

	first, _, err := ParseWebhook(body)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	again, _, err := ParseWebhook(body)
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, again, 2)
	for i := range first {
		assert.Equal(t, first[i].DedupeKey(), again[i].DedupeKey())
	}
}

func TestParseWebhook_SkipsEventsWithoutIdentity(t *testing.T) {
	leadID := uuid.New()
	body := `{"events":[{"type":"click","lead_id":"` + leadID.String() + `"}]}`

	events, skipped, err := ParseWebhook([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 1, skipped)
}

func TestParseWebhook_Invalid(t *testing.T) {
	_, _, err := ParseWebhook([]byte(`not json`))
	assert.Error(t, err)

	_, _, err = ParseWebhook([]byte(`{"events":[{"type":"open","lead_id":"nope"}]}`))
	assert.Error(t, err)
}

const dsnTemplate = "From: Mail Delivery Subsystem <mailer-daemon@mx.example>\r\n" +
	"To: sales@growth.example\r\n" +
	"Subject: Delivery Status Notification (Failure)\r\n" +
	"Date: Sun, 18 Oct 2026 08:30:00 +0000\r\n" +
	"Message-ID: <dsn-999@mx.example>\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Your message could not be delivered.\r\n" +
	"--b1\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; info@abc.example\r\n" +
	"Action: %ACTION%\r\n" +
	"Status: 5.1.1\r\n" +
	"--b1\r\n" +
	"Content-Type: text/rfc822-headers\r\n" +
	"\r\n" +
	"Message-ID: <msg-123@growth.example>\r\n" +
	"X-Lead-Id: %LEAD%\r\n" +
	"Subject: A few quick wins\r\n" +
	"--b1--\r\n"

func dsn(action, lead string) []byte {
	out := strings.ReplaceAll(dsnTemplate, "%ACTION%", action)
	return []byte(strings.ReplaceAll(out, "%LEAD%", lead))
}

func TestParseBounce(t *testing.T) {
	leadID := uuid.New()
	received := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	ev, ok := ParseBounce(dsn("failed", leadID.String()), received)
	require.True(t, ok)
	assert.Equal(t, types.EventBounced, ev.Kind)
	assert.Equal(t, leadID, ev.LeadID)
	assert.Equal(t, "msg-123@growth.example", ev.MessageID)
	assert.Equal(t, time.Date(2026, 10, 18, 8, 30, 0, 0, time.UTC), ev.Timestamp.UTC())
	assert.Equal(t, "dsn:dsn-999@mx.example", ev.EventID)
}

func TestParseBounce_NotABounce(t *testing.T) {
	received := time.Now()

	_, ok := ParseBounce(dsn("delayed", uuid.NewString()), received)
	assert.False(t, ok, "delay notices are not bounces")

	reply := []byte("From: owner@abc.example\r\nSubject: Re: A few quick wins\r\n\r\nSounds good, call me.\r\n")
	_, ok = ParseBounce(reply, received)
	assert.False(t, ok)

	_, ok = ParseBounce([]byte("garbage"), received)
	assert.False(t, ok)

	unmatched := []byte("From: MAILER-DAEMON@mx.example\r\nSubject: Undeliverable\r\n\r\nSomething failed.\r\n")
	_, ok = ParseBounce(unmatched, received)
	assert.False(t, ok, "bounce without lead or message id")
}

type fakeMailbox struct {
	msgs   []rawMail
	seen   []imap.UID
	closed bool
}

func (f *fakeMailbox) FetchUnseen(context.Context, int) ([]rawMail, error) { return f.msgs, nil }

func (f *fakeMailbox) MarkSeen(uids []imap.UID) error {
	f.seen = append(f.seen, uids...)
	return nil
}

func (f *fakeMailbox) Close() { f.closed = true }

func TestBouncePoller_PollOnce(t *testing.T) {
	good := uuid.New()
	failing := uuid.New()
	mb := &fakeMailbox{msgs: []rawMail{
		{UID: 1, Raw: dsn("failed", good.String())},
		{UID: 2, Raw: []byte("From: owner@abc.example\r\nSubject: hello\r\n\r\nhi\r\n")},
		{UID: 3, Raw: dsn("failed", failing.String())},
	}}

	var got []types.EngagementEvent
	p := NewBouncePoller(MailboxConfig{Addr: "imap.example:993", Username: "bounces"}, func(_ context.Context, ev types.EngagementEvent) error {
		if ev.LeadID == failing {
			return errors.New("store down")
		}
		got = append(got, ev)
		return nil
	})
	p.dial = func(context.Context) (mailbox, error) { return mb, nil }

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, good, got[0].LeadID)
	assert.Equal(t, []imap.UID{1, 2}, mb.seen)
	assert.True(t, mb.closed)
}

func TestBouncePoller_DialError(t *testing.T) {
	p := NewBouncePoller(MailboxConfig{}, func(context.Context, types.EngagementEvent) error { return nil })
	p.dial = func(context.Context) (mailbox, error) { return nil, errors.New("connection refused") }

	_, err := p.PollOnce(context.Background())
	assert.Error(t, err)
}

func TestResolvePassword(t *testing.T) {
	keyring.MockInit()
	cfg := MailboxConfig{Addr: "imap.example:993", Username: "bounces"}

	_, err := ResolvePassword(cfg)
	assert.Error(t, err)

	require.NoError(t, StorePassword(cfg, "from-keychain"))
	pw, err := ResolvePassword(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-keychain", pw)

	cfg.Password = "from-env"
	pw, err = ResolvePassword(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)

	assert.Error(t, StorePassword(cfg, " "))
}

func TestMailboxConfig_Enabled(t *testing.T) {
	assert.False(t, MailboxConfig{}.Enabled())
	assert.True(t, MailboxConfig{Addr: "imap.example:993", Username: "u"}.Enabled())
}
