// Package observer implements the shared Postfix log-line correlation
// pipeline used by both the UDP syslog observer and the journald observer:
// parsing one postfix/{service} log line, joining a `cleanup` line's
// message-id with the `smtp` line reporting the same queue id's outcome,
// and publishing the joined DeliveryEvent to the ingest server.
package observer

import (
	"strings"
)

const maxDiagnosticLen = 512

// relayHandoffHosts lists internal downstream MTAs; "sent" to one of these
// is delivery to another hop, not final mailbox delivery.
var relayHandoffHosts = map[string]bool{
	"mxbg.nxmango.com": true,
}

// ParsedLineKind tags which of the two postfix log stages a line belongs to.
type ParsedLineKind int

const (
	// KindCleanup binds a queue id to the application hash.
	KindCleanup ParsedLineKind = iota
	// KindSMTP reports a delivery outcome for a queue id.
	KindSMTP
)

// ParsedLine is the result of parsing one postfix log line.
type ParsedLine struct {
	Kind ParsedLineKind

	// Populated when Kind == KindCleanup.
	QueueID string
	Hash    string

	// Populated when Kind == KindSMTP.
	SMTP SMTPEvent
}

// SMTPEvent is the delivery outcome carried by a postfix/smtp log line,
// still missing the hash until joined against a prior cleanup line.
type SMTPEvent struct {
	QueueID    string
	Recipient  string
	SMTPStatus string
	StatusCode string
	Action     string
	Diagnostic string
}

// ParseLine parses one postfix syslog line into a ParsedLine, or returns
// ok=false if the line isn't a postfix/cleanup or postfix/smtp line this
// pipeline cares about.
func ParseLine(line string) (ParsedLine, bool) {
	if !strings.Contains(line, "postfix/") {
		return ParsedLine{}, false
	}

	_, rest, ok := cut(line, "postfix/")
	if !ok {
		return ParsedLine{}, false
	}
	serviceRaw, rest, ok := cut(rest, "[")
	if !ok {
		return ParsedLine{}, false
	}
	_, message, ok := cut(rest, "]: ")
	if !ok {
		return ParsedLine{}, false
	}

	service := serviceRaw
	if slash := strings.LastIndexByte(serviceRaw, '/'); slash >= 0 {
		service = serviceRaw[slash+1:]
	}

	switch {
	case strings.EqualFold(service, "cleanup"):
		queueID, hash, ok := parseCleanupMessage(message)
		if !ok {
			return ParsedLine{}, false
		}
		return ParsedLine{Kind: KindCleanup, QueueID: queueID, Hash: hash}, true

	case strings.EqualFold(service, "smtp"):
		event, ok := parseSMTPMessage(message)
		if !ok {
			return ParsedLine{}, false
		}
		return ParsedLine{Kind: KindSMTP, SMTP: event}, true

	default:
		return ParsedLine{}, false
	}
}

func parseCleanupMessage(message string) (queueID, hash string, ok bool) {
	queueID, detail, ok := cut(message, ": ")
	if !ok || !isQueueID(queueID) {
		return "", "", false
	}

	const marker = "message-id=<"
	idx := strings.Index(detail, marker)
	if idx < 0 {
		return "", "", false
	}
	tail := detail[idx+len(marker):]
	end := strings.IndexByte(tail, '>')
	if end < 0 {
		return "", "", false
	}

	hash, ok = normalizeObserverHash(tail[:end])
	if !ok {
		return "", "", false
	}
	return queueID, hash, true
}

func parseSMTPMessage(message string) (SMTPEvent, bool) {
	queueID, detail, ok := cut(message, ": ")
	if !ok || !isQueueID(queueID) {
		return SMTPEvent{}, false
	}

	recipient, ok := extractBetween(detail, "to=<", ">")
	if !ok {
		return SMTPEvent{}, false
	}
	smtpStatus, ok := extractToken(detail, "status=")
	if !ok {
		return SMTPEvent{}, false
	}
	smtpStatus = strings.ToLower(smtpStatus)

	relayHandoff := false
	if host, ok := extractRelayHost(detail); ok {
		relayHandoff = relayHandoffHosts[host]
	}

	statusCode, ok := extractToken(detail, "dsn=")
	if !ok {
		statusCode = defaultStatusCode(smtpStatus, relayHandoff)
	}

	return SMTPEvent{
		QueueID:    queueID,
		Recipient:  recipient,
		SMTPStatus: smtpStatus,
		StatusCode: statusCode,
		Action:     mapAction(smtpStatus, relayHandoff),
		Diagnostic: buildDiagnostic(queueID, detail),
	}, true
}

func mapAction(smtpStatus string, relayHandoff bool) string {
	if smtpStatus == "sent" && relayHandoff {
		return "delayed"
	}
	switch smtpStatus {
	case "sent":
		return "delivered"
	case "deferred":
		return "delayed"
	case "bounced", "expired":
		return "failed"
	default:
		return "failed"
	}
}

func defaultStatusCode(smtpStatus string, relayHandoff bool) string {
	if smtpStatus == "sent" && relayHandoff {
		return "4.0.0"
	}
	switch smtpStatus {
	case "sent":
		return "2.0.0"
	case "deferred":
		return "4.0.0"
	case "bounced", "expired":
		return "5.0.0"
	default:
		return "5.0.0"
	}
}

func buildDiagnostic(queueID, detail string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range detail {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !prevSpace {
				sb.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		sb.WriteRune(r)
		prevSpace = false
	}

	diagnostic := "queue_id=" + queueID + "; " + strings.TrimSpace(sb.String())
	if len(diagnostic) > maxDiagnosticLen {
		diagnostic = diagnostic[:maxDiagnosticLen]
	}
	return diagnostic
}

func isQueueID(queueID string) bool {
	if queueID == "" || len(queueID) > 32 {
		return false
	}
	for _, r := range queueID {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func extractRelayHost(detail string) (string, bool) {
	const marker = "relay="
	idx := strings.Index(detail, marker)
	if idx < 0 {
		return "", false
	}
	rem := detail[idx+len(marker):]
	end := strings.IndexFunc(rem, func(r rune) bool {
		return r == '[' || r == ':' || r == ',' || r == ' ' || r == '\t'
	})
	if end < 0 {
		end = len(rem)
	}
	host := strings.ToLower(strings.TrimSpace(rem[:end]))
	return host, host != ""
}

func extractBetween(text, start, end string) (string, bool) {
	idx := strings.Index(text, start)
	if idx < 0 {
		return "", false
	}
	rem := text[idx+len(start):]
	endIdx := strings.Index(rem, end)
	if endIdx < 0 {
		return "", false
	}
	return strings.TrimSpace(rem[:endIdx]), true
}

func extractToken(text, key string) (string, bool) {
	idx := strings.Index(text, key)
	if idx < 0 {
		return "", false
	}
	rem := text[idx+len(key):]
	end := 0
	for _, r := range rem {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-' {
			end++
			continue
		}
		break
	}
	if end == 0 {
		return "", false
	}
	return strings.TrimSpace(rem[:end]), true
}

// normalizeObserverHash mirrors internal/bounce's normalizer but keeps the
// open question in §9 Design Notes verbatim: the observer only accepts
// hashes that are exactly 32 alphanumeric characters, unlike the mail
// parser's any-non-empty-string acceptance.
func normalizeObserverHash(value string) (string, bool) {
	trimmed := strings.Trim(strings.TrimSpace(value), "<>")
	localPart := trimmed
	if at := strings.IndexByte(trimmed, '@'); at >= 0 {
		localPart = trimmed[:at]
	}

	var sb strings.Builder
	for _, r := range strings.TrimSpace(localPart) {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() != 32 {
		return "", false
	}
	return sb.String(), true
}

// cut is strings.Cut, spelled out so this file reads the same whether the
// toolchain is new enough to have it in stdlib or not — the teacher's own
// pre-1.18 compatible helpers do the same for a couple of string primitives.
func cut(s, sep string) (before, after string, found bool) {
	if idx := strings.Index(s, sep); idx >= 0 {
		return s[:idx], s[idx+len(sep):], true
	}
	return s, "", false
}
