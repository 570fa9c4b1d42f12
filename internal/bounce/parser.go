// Package bounce parses raw bounce/DSN mail into the fields the rest of the
// pipeline correlates against: the delivery hash that ties a bounce back to
// the message that provoked it, the delivery status code, and whatever
// action/recipient/diagnostic text the report carries.
//
// The parser never trusts structure alone. A message/delivery-status part is
// the textbook case, but a lot of real-world bounces arrive as a plain text
// body with DSN-shaped fields typed out by hand, or as a forwarded digest
// with the original headers pasted inline. So every candidate text blob found
// anywhere in the MIME tree is scored and scanned the same way, and the
// scores decide which candidate's fields win when more than one has an
// opinion.
package bounce

import (
	"errors"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ParsedBounce is the result of successfully parsing a bounce report.
type ParsedBounce struct {
	Hash        string
	StatusCode  string
	Action      string
	Recipient   string
	Description string
}

// Sentinel errors returned by ParseBounceReport. Use errors.Is to test for
// them; they're also useful as metric labels.
var (
	ErrNotDeliveryReport = errors.New("bounce: message does not look like a delivery status report")
	ErrMissingHash       = errors.New("bounce: hash not found (X-Message-Id/Message-ID)")
	ErrMissingStatusCode = errors.New("bounce: status code not found")
)

// ObserverDeliveryEvent is the shape published by the Postfix log observer
// once it has correlated a cleanup-logged hash with an smtp-logged outcome.
// It already carries every field ParsedBounce needs, so it converts directly
// instead of going through mail parsing at all.
type ObserverDeliveryEvent struct {
	Source        string `json:"source"`
	Hash          string `json:"hash"`
	QueueID       string `json:"queue_id"`
	Recipient     string `json:"recipient"`
	StatusCode    string `json:"status_code"`
	Action        string `json:"action"`
	Diagnostic    string `json:"diagnostic"`
	SMTPStatus    string `json:"smtp_status"`
	ObservedAtUnix uint64 `json:"observed_at_unix"`
}

// AsParsedBounce adapts an observer event to the same shape produced by
// mail parsing, so downstream correlation code doesn't care which source a
// bounce came from.
func (e ObserverDeliveryEvent) AsParsedBounce() ParsedBounce {
	return ParsedBounce{
		Hash:        e.Hash,
		StatusCode:  e.StatusCode,
		Action:      e.Action,
		Recipient:   e.Recipient,
		Description: e.Diagnostic,
	}
}

// ParseBounceReport extracts a ParsedBounce from a raw RFC 5322 message.
func ParseBounceReport(raw []byte) (ParsedBounce, error) {
	candidates := collectAttachmentTextCandidates(raw)

	var fullText string
	var fullTextLoaded bool
	getFullText := func() string {
		if !fullTextLoaded {
			fullText = toValidText(raw)
			fullTextLoaded = true
		}
		return fullText
	}

	looksLikeReport := false
	for _, c := range candidates {
		if c.kind == candidateDeliveryStatus || looksLikeDeliveryReport(c.text) {
			looksLikeReport = true
			break
		}
	}
	if !looksLikeReport {
		looksLikeReport = looksLikeDeliveryReport(getFullText())
	}
	if !looksLikeReport {
		return ParsedBounce{}, ErrNotDeliveryReport
	}

	merged := parsedFields{hashPriority: maxHashPriority}

typedScan:
	for _, c := range candidates {
		parsed := parseFieldsFromText(c.text, c.label)
		switch c.kind {
		case candidateDeliveryStatus:
			// The DSN part supplies status metadata, never the message hash:
			// its own Message-ID belongs to the bounce report, not the
			// original mail.
			parsed.hash = ""
			parsed.hashPriority = maxHashPriority
		case candidateOriginalHeaders, candidateOriginalMessage:
			// The forwarded original supplies the hash only; any DSN-shaped
			// fields in it (rare, but seen in some Exchange digests) are
			// discarded so they can't outrank the real DSN part.
			parsed.statusCode = ""
			parsed.action = ""
			parsed.recipient = ""
			parsed.description = ""
		case candidateTextBody, candidateOther:
			continue
		}
		mergeMissing(&merged, parsed)
		if merged.hash != "" && merged.statusCode != "" {
			slog.Debug("bounce parser optimization: required fields found in typed attachment scan, skipping fallback scan", "scan", c.label)
			break typedScan
		}
	}

	if merged.hash == "" || merged.statusCode == "" {
		for _, c := range candidates {
			parsed := parseFieldsFromText(c.text, c.label)
			constrainHashSource(&parsed, c.kind)
			mergeMissing(&merged, parsed)
			if merged.hash != "" && merged.statusCode != "" {
				slog.Debug("bounce parser optimization: required fields found in fallback attachment scan", "scan", c.label)
				break
			}
		}
	}

	if merged.statusCode == "" {
		parsed := parseFieldsFromText(getFullText(), "full_message")
		// Never trust the top-level bounce Message-ID as our delivery hash.
		parsed.hash = ""
		parsed.hashPriority = maxHashPriority
		mergeMissing(&merged, parsed)
	}

	if merged.statusCode == "" {
		for _, c := range candidates {
			if code, ok := findStatusCodeInText(c.text); ok {
				merged.statusCode = code
				break
			}
		}
	}

	if merged.statusCode == "" {
		if code, ok := findStatusCodeInText(getFullText()); ok {
			merged.statusCode = code
		}
	}

	if merged.hash == "" {
		return ParsedBounce{}, ErrMissingHash
	}
	if merged.statusCode == "" {
		return ParsedBounce{}, ErrMissingStatusCode
	}

	return ParsedBounce{
		Hash:        merged.hash,
		StatusCode:  merged.statusCode,
		Action:      merged.action,
		Recipient:   merged.recipient,
		Description: merged.description,
	}, nil
}

// toValidText is the Go equivalent of Rust's String::from_utf8_lossy: it
// never fails, substituting the replacement character for invalid bytes.
func toValidText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if isValidUTF8(raw) {
		return string(raw)
	}
	var sb strings.Builder
	sb.Grow(len(raw))
	for i := 0; i < len(raw); {
		r, size := decodeRuneLossy(raw[i:])
		sb.WriteRune(r)
		i += size
	}
	return sb.String()
}

func isValidUTF8(raw []byte) bool {
	return strings.ToValidUTF8(string(raw), "�") == string(raw)
}

func decodeRuneLossy(b []byte) (rune, int) {
	if len(b) == 0 {
		return 0, 0
	}
	r, size := utf8.DecodeRune(b)
	return r, size
}

const maxHashPriority = 255

// parsedFields is the mutable accumulator threaded through a single text
// scan, and also the unit mergeMissing combines across scans.
type parsedFields struct {
	hash         string
	hashPriority uint8
	statusCode   string
	action       string
	recipient    string
	description  string
}

// parseFieldsFromText unfolds RFC 5322 header-style continuation lines
// (leading whitespace) in text and feeds each logical line to
// applyHeaderLine. It bails out early the moment both a hash and a status
// code are found, since large MIME payloads aren't worth scanning to the
// end once the fields we need are in hand.
func parseFieldsFromText(text, scanLabel string) parsedFields {
	parsed := parsedFields{hashPriority: maxHashPriority}
	var current strings.Builder
	logicalLines := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		logicalLines++
		applyHeaderLine(&parsed, current.String(), scanLabel, logicalLines)
	}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSuffix(raw, "\r")
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if current.Len() > 0 {
				current.WriteByte(' ')
				current.WriteString(strings.TrimLeft(line, " \t"))
			}
			continue
		}

		flush()
		if parsed.hash != "" && parsed.statusCode != "" {
			slog.Debug("bounce parser lazy stop", "scan", scanLabel, "scanned_lines", logicalLines)
			return parsed
		}

		current.Reset()
		current.WriteString(line)
	}
	flush()

	return parsed
}

func headerValue(line, headerName string) (string, bool) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", false
	}
	if !strings.EqualFold(strings.TrimSpace(name), headerName) {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func applyHeaderLine(parsed *parsedFields, line, scanLabel string, lineNo int) {
	tryHashHeader := func(headerName string) {
		value, ok := headerValue(line, headerName)
		if !ok {
			return
		}
		hash, ok := extractHashFromMessageIDLikeHeader(value)
		if !ok {
			return
		}
		priority := hashHeaderPriority(headerName)
		if parsed.hash != "" && parsed.hashPriority <= priority {
			return
		}
		slog.Debug("bounce parser hash found", "scan", scanLabel, "line", lineNo, "header", headerName, "hash", hash, "priority", priority)
		parsed.hash = hash
		parsed.hashPriority = priority
	}

	tryHashHeader("X-Message-Id")
	tryHashHeader("X-MS-Exchange-Parent-Message-Id")
	tryHashHeader("In-Reply-To")
	tryHashHeader("References")
	tryHashHeader("Message-ID")

	if parsed.statusCode == "" {
		if value, ok := headerValue(line, "Status"); ok {
			if code, ok := parseStatusCode(value); ok {
				parsed.statusCode = code
			}
		}
	}

	if parsed.action == "" {
		if value, ok := headerValue(line, "Action"); ok {
			word := firstField(value)
			if word != "" {
				parsed.action = word
			}
		}
	}

	if parsed.recipient == "" {
		value, ok := headerValue(line, "Original-Recipient")
		if !ok {
			value, ok = headerValue(line, "Final-Recipient")
		}
		if ok {
			parsed.recipient = rhsOfSemicolon(value)
		}
	}

	if parsed.description == "" {
		if value, ok := headerValue(line, "Diagnostic-Code"); ok {
			parsed.description = rhsOfSemicolon(value)
		}
	}
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// rhsOfSemicolon splits "rfc822; value" style DSN fields and returns the
// trimmed right-hand side, or the whole trimmed value if there's no ';'.
func rhsOfSemicolon(value string) string {
	if _, rhs, ok := strings.Cut(value, ";"); ok {
		rhs = strings.TrimSpace(rhs)
		if rhs != "" {
			return rhs
		}
		return ""
	}
	v := strings.TrimSpace(value)
	return v
}

func mergeMissing(target *parsedFields, source parsedFields) {
	if source.hash != "" && (target.hash == "" || source.hashPriority < target.hashPriority) {
		target.hash = source.hash
		target.hashPriority = source.hashPriority
	}
	if target.statusCode == "" {
		target.statusCode = source.statusCode
	}
	if target.action == "" {
		target.action = source.action
	}
	if target.recipient == "" {
		target.recipient = source.recipient
	}
	if target.description == "" {
		target.description = source.description
	}
}

func hashHeaderPriority(headerName string) uint8 {
	switch strings.ToLower(headerName) {
	case "x-message-id":
		return 0
	case "x-ms-exchange-parent-message-id":
		return 1
	case "in-reply-to":
		return 2
	case "references":
		return 3
	case "message-id":
		return 4
	default:
		return 10
	}
}

func constrainHashSource(parsed *parsedFields, kind candidateKind) {
	if kind != candidateOriginalHeaders && kind != candidateOriginalMessage {
		parsed.hash = ""
		parsed.hashPriority = maxHashPriority
	}
}

func extractHashFromMessageIDLikeHeader(value string) (string, bool) {
	// Prefer explicit RFC 5322 message-id tokens enclosed in angle brackets.
	start := 0
	for {
		openRel := strings.IndexByte(value[start:], '<')
		if openRel < 0 {
			break
		}
		open := start + openRel
		closeRel := strings.IndexByte(value[open+1:], '>')
		if closeRel < 0 {
			break
		}
		close := open + 1 + closeRel
		if hash, ok := normalizeMessageHash(value[open : close+1]); ok {
			return hash, true
		}
		start = close + 1
	}

	// Fallback: parse whitespace-separated tokens.
	for _, token := range strings.Fields(value) {
		if hash, ok := normalizeMessageHash(token); ok {
			return hash, true
		}
	}

	return normalizeMessageHash(value)
}

func normalizeMessageHash(value string) (string, bool) {
	trimmed := strings.Trim(strings.TrimSpace(value), "<>")
	localPart := trimmed
	if at := strings.IndexByte(trimmed, '@'); at >= 0 {
		localPart = trimmed[:at]
	}
	localPart = strings.TrimSpace(localPart)

	var sb strings.Builder
	for _, r := range localPart {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}

func parseStatusCode(value string) (string, bool) {
	candidate := firstField(value)
	if isValidStatusCode(candidate) {
		return candidate, true
	}
	return "", false
}

func isValidStatusCode(code string) bool {
	if code == "" || len(code) > 20 {
		return false
	}
	for _, r := range code {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}

func looksLikeDeliveryReport(text string) bool {
	lower := strings.ToLower(text)
	markers := []string{
		"final-recipient:",
		"original-recipient:",
		"diagnostic-code:",
		"report-type=delivery-status",
		"message/delivery-status",
		"undelivered",
		"mail delivery",
		"returned mail",
	}
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func findStatusCodeInText(text string) (string, bool) {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	for _, token := range tokens {
		if len(token) < 5 {
			continue
		}
		if strings.Count(token, ".") < 2 {
			continue
		}
		if !isValidStatusCode(token) {
			continue
		}
		if strings.HasPrefix(token, "2.") || strings.HasPrefix(token, "4.") || strings.HasPrefix(token, "5.") {
			return token, true
		}
	}
	return "", false
}
