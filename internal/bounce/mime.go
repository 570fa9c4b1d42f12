package bounce

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// candidateKind classifies a text blob found somewhere in the MIME tree by
// what it's likely to contain, so field extraction knows which fields to
// trust from it.
type candidateKind int

const (
	candidateDeliveryStatus candidateKind = iota
	candidateOriginalHeaders
	candidateOriginalMessage
	candidateTextBody
	candidateOther
)

type attachmentCandidate struct {
	label    string
	text     string
	kind     candidateKind
	priority uint8
}

// collectAttachmentTextCandidates walks the MIME tree of raw and returns
// every text-bearing leaf part as a scored candidate, sorted by priority
// (lowest first: message/delivery-status, then original headers/message,
// then inline text bodies, then anything else).
//
// A message that fails to parse as MIME at all (or has no readable parts)
// simply yields no candidates; the caller always has the full raw text as
// a last-resort fallback.
func collectAttachmentTextCandidates(raw []byte) []attachmentCandidate {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil || entity == nil {
		return nil
	}

	var out []attachmentCandidate
	walkEntity(entity, "0", &out)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

func walkEntity(e *gomessage.Entity, path string, out *[]attachmentCandidate) {
	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := e.MultipartReader()
		if mr == nil {
			return
		}
		idx := 0
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			walkEntity(part, fmt.Sprintf("%s.%d", path, idx), out)
			idx++
		}
		return
	}

	if mediaType == "message/rfc822" {
		body, err := io.ReadAll(e.Body)
		if err != nil {
			return
		}
		if full := toValidText(body); strings.TrimSpace(full) != "" {
			kind := candidateOriginalMessage
			*out = append(*out, attachmentCandidate{
				label:    fmt.Sprintf("attachment:%s@%s", mediaType, path),
				text:     full,
				kind:     kind,
				priority: attachmentScanPriority(kind, strings.TrimSpace(full)),
			})
		}

		if nested, err := gomessage.Read(bytes.NewReader(body)); err == nil {
			walkEntity(nested, path+".m", out)
		}
		return
	}

	if !shouldScanAttachmentMime(mediaType) {
		return
	}

	text, ok := decodedPartText(e)
	if !ok {
		return
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	kind := classifyAttachmentKind(mediaType)
	label := scanLabelFor(kind, mediaType, path)
	*out = append(*out, attachmentCandidate{
		label:    label,
		text:     text,
		kind:     kind,
		priority: attachmentScanPriority(kind, trimmed),
	})
}

func scanLabelFor(kind candidateKind, mediaType, path string) string {
	if kind == candidateTextBody {
		return fmt.Sprintf("text_body:%s@%s", mediaType, path)
	}
	return fmt.Sprintf("attachment:%s@%s", mediaType, path)
}

func decodedPartText(e *gomessage.Entity) (string, bool) {
	if e.Body == nil {
		return "", false
	}
	body, err := io.ReadAll(e.Body)
	if err != nil || len(body) == 0 {
		return "", false
	}
	return toValidText(body), true
}

func shouldScanAttachmentMime(mime string) bool {
	return mime == "message/delivery-status" ||
		mime == "message/rfc822" ||
		strings.HasPrefix(mime, "text/")
}

func classifyAttachmentKind(mime string) candidateKind {
	switch mime {
	case "message/delivery-status":
		return candidateDeliveryStatus
	case "text/rfc822-headers":
		return candidateOriginalHeaders
	case "message/rfc822":
		return candidateOriginalMessage
	default:
		if strings.HasPrefix(mime, "text/") {
			return candidateTextBody
		}
		return candidateOther
	}
}

func attachmentScanPriority(kind candidateKind, text string) uint8 {
	switch kind {
	case candidateDeliveryStatus:
		return 0
	case candidateOriginalHeaders:
		return 1
	case candidateOriginalMessage:
		return 2
	case candidateTextBody:
		if looksLikeDeliveryReport(text) {
			return 3
		}
		return 4
	default: // candidateOther
		if looksLikeDeliveryReport(text) {
			return 4
		}
		return 5
	}
}
