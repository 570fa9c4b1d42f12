package bounce

import (
	"errors"
	"strings"
	"testing"
)

func TestParsesPostfixDeliveryStatusWithHashFromRFC822Part(t *testing.T) {
	raw := strings.Join([]string{
		"From: Mail Delivery System <mailer-daemon@claviron.app>",
		`Content-Type: multipart/report; report-type=delivery-status; boundary="B19557E240.1761150593/claviron.app"`,
		"",
		"--B19557E240.1761150593/claviron.app",
		"Content-Description: Delivery report",
		"Content-Type: message/delivery-status",
		"",
		"Reporting-MTA: dns; claviron.app",
		"X-Postfix-Queue-ID: B19557E240",
		"X-Postfix-Sender: rfc822; noreply@claviron.app",
		"Arrival-Date: Wed, 22 Oct 2025 19:29:52 +0300 (+03)",
		"",
		"Final-Recipient: rfc822; janedoe@gmail.com",
		"Original-Recipient: rfc822;janedoe@gmail.com",
		"Action: failed",
		"Status: 5.7.1",
		"Remote-MTA: dns; gmail-smtp-in.l.google.com",
		"Diagnostic-Code: smtp; 550-5.7.1 Gmail has detected",
		"    that this message is likely suspicious.",
		"    550 5.7.1 https://support.google.com/mail/answer/188131",
		"",
		"--B19557E240.1761150593/claviron.app",
		"Content-Type: message/rfc822",
		"",
		"From: noreply@claviron.app",
		"To: janedoe@gmail.com",
		"Message-ID: <c27335e4586d69311bb4668e9dc70bd5@claviron.app>",
		"Subject: test",
		"",
		"hello",
		"",
		"--B19557E240.1761150593/claviron.app--",
		"",
	}, "\r\n")

	parsed, err := ParseBounceReport([]byte(raw))
	if err != nil {
		t.Fatalf("postfix DSN sample should parse: %v", err)
	}

	if parsed.Hash != "c27335e4586d69311bb4668e9dc70bd5" {
		t.Errorf("hash = %q", parsed.Hash)
	}
	if parsed.StatusCode != "5.7.1" {
		t.Errorf("status code = %q", parsed.StatusCode)
	}
	if parsed.Action != "failed" {
		t.Errorf("action = %q", parsed.Action)
	}
	if parsed.Recipient != "janedoe@gmail.com" {
		t.Errorf("recipient = %q", parsed.Recipient)
	}
	if !strings.Contains(parsed.Description, "550-5.7.1") {
		t.Errorf("description = %q, want substring 550-5.7.1", parsed.Description)
	}
}

func TestReturnsMissingHashWhenDSNHasNoMessageIDReference(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: message/delivery-status",
		"",
		"Final-Recipient: rfc822; user@example.com",
		"Action: failed",
		"Status: 5.7.1",
		"Diagnostic-Code: smtp; 550 5.7.1 blocked",
		"",
	}, "\r\n")

	_, err := ParseBounceReport([]byte(raw))
	if !errors.Is(err, ErrMissingHash) {
		t.Fatalf("expected ErrMissingHash, got %v", err)
	}
}

func TestDoesNotTakeHashFromNonOriginalSections(t *testing.T) {
	raw := strings.Join([]string{
		"Message-ID: <bounce-message-id@example.net>",
		"References: <orig-hash-should-not-be-read-from-top-level@claviron.app>",
		"Content-Type: message/delivery-status",
		"",
		"Final-Recipient: rfc822; user@example.com",
		"Action: failed",
		"Status: 5.7.1",
		"Diagnostic-Code: smtp; 550 5.7.1 blocked",
		"",
	}, "\r\n")

	_, err := ParseBounceReport([]byte(raw))
	if !errors.Is(err, ErrMissingHash) {
		t.Fatalf("hash should not be accepted outside original sections, got %v", err)
	}
}

func TestReturnsNotDeliveryReportForOrdinaryMail(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@b.com",
		"To: c@d.com",
		"Subject: hello",
		"Message-ID: <abc123@example.net>",
		"",
		"just saying hi",
		"",
	}, "\r\n")

	_, err := ParseBounceReport([]byte(raw))
	if !errors.Is(err, ErrNotDeliveryReport) {
		t.Fatalf("expected ErrNotDeliveryReport, got %v", err)
	}
}

// TestPlainTextDSNShapedBodyWithoutOriginalPartHasNoHash documents a
// deliberate restriction: the hash is only ever trusted out of a
// message/rfc822 or text/rfc822-headers candidate. A plain text/plain body
// that happens to contain DSN-shaped fields (no proper multipart/report
// wrapper, no forwarded original) still yields the status fields, but never
// a hash, even if something that looks like a Message-ID appears in the
// same text. Trusting arbitrary free text for the hash would make it too
// easy to correlate the wrong original message.
func TestPlainTextDSNShapedBodyWithoutOriginalPartHasNoHash(t *testing.T) {
	raw := strings.Join([]string{
		"From: postmaster@example.com",
		"To: bounces@example.com",
		"Subject: Undelivered Mail Returned to Sender",
		"Content-Type: text/plain",
		"",
		"This is the mail delivery report.",
		"",
		"Final-Recipient: rfc822; nobody@example.org",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 user unknown",
		"",
		"--- Below this line is a copy of the message ---",
		"",
		"Message-ID: <abc123hash@example.com>",
		"Subject: hello",
		"",
	}, "\r\n")

	_, err := ParseBounceReport([]byte(raw))
	if !errors.Is(err, ErrMissingHash) {
		t.Fatalf("expected ErrMissingHash for a hash found only in a generic text body, got %v", err)
	}
}

func TestFindStatusCodeInTextFallback(t *testing.T) {
	code, ok := findStatusCodeInText("the server said 550 5.7.1 blocked for policy reasons")
	if !ok || code != "5.7.1" {
		t.Fatalf("got %q, %v", code, ok)
	}

	if _, ok := findStatusCodeInText("no status code present here"); ok {
		t.Fatal("expected no match")
	}
}

func TestNormalizeMessageHashStripsNonAlphanumerics(t *testing.T) {
	hash, ok := normalizeMessageHash("<abc-123_def@example.com>")
	if !ok || hash != "abc123def" {
		t.Fatalf("got %q, %v", hash, ok)
	}

	if _, ok := normalizeMessageHash("<@example.com>"); ok {
		t.Fatal("expected no hash when local part has no alphanumerics")
	}
}

func TestObserverDeliveryEventAsParsedBounce(t *testing.T) {
	ev := ObserverDeliveryEvent{
		Source:     "postfix",
		Hash:       "deadbeef",
		QueueID:    "ABC123",
		Recipient:  "user@example.com",
		StatusCode: "5.1.1",
		Action:     "failed",
		Diagnostic: "550 5.1.1 user unknown",
	}
	parsed := ev.AsParsedBounce()
	if parsed.Hash != ev.Hash || parsed.StatusCode != ev.StatusCode ||
		parsed.Action != ev.Action || parsed.Recipient != ev.Recipient ||
		parsed.Description != ev.Diagnostic {
		t.Fatalf("conversion mismatch: %+v", parsed)
	}
}
