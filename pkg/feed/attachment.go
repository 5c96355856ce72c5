package feed

import (
	"encoding/json"
	"strings"
)

// AttachmentKind is the tagged variant of a post attachment.
type AttachmentKind string

const (
	AttachmentPhoto AttachmentKind = "photo"
	AttachmentVideo AttachmentKind = "video"
	AttachmentReel  AttachmentKind = "reel"
	AttachmentLink  AttachmentKind = "link"
	AttachmentShare AttachmentKind = "share"
	AttachmentNone  AttachmentKind = "none"
)

// Attachment describes a post's media in a closed set of variants, produced
// by one classification function instead of field probing at call sites.
type Attachment struct {
	Kind      AttachmentKind
	TargetURL string
	Items     []Attachment
}

// rawAttachment is the provider's loosely-typed attachment payload.
type rawAttachment struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
	Target    struct {
		URL string `json:"url"`
	} `json:"target"`
	Subattachments struct {
		Data []rawAttachment `json:"data"`
	} `json:"subattachments"`
}

// classifyAttachment maps the provider payload to a tagged variant. The
// provider leans on media_type, with reels only distinguishable by their
// target URL, and shares only by the attachment type.
func classifyAttachment(raw *rawAttachment) Attachment {
	if raw == nil {
		return Attachment{Kind: AttachmentNone}
	}

	target := raw.Target.URL
	if target == "" {
		target = raw.URL
	}

	att := Attachment{TargetURL: target}
	for i := range raw.Subattachments.Data {
		att.Items = append(att.Items, classifyAttachment(&raw.Subattachments.Data[i]))
	}

	switch {
	case strings.HasPrefix(raw.Type, "share"):
		att.Kind = AttachmentShare
	case raw.MediaType == "video":
		if strings.Contains(target, "/reel/") {
			att.Kind = AttachmentReel
		} else {
			att.Kind = AttachmentVideo
		}
	case raw.MediaType == "photo", raw.MediaType == "album":
		att.Kind = AttachmentPhoto
	case raw.MediaType == "link", raw.Type == "link":
		att.Kind = AttachmentLink
	default:
		att.Kind = AttachmentNone
	}

	return att
}

// firstAttachment pulls the leading attachment out of the provider's
// attachments envelope, or nil if the post carries none.
func firstAttachment(data json.RawMessage) *rawAttachment {
	if len(data) == 0 {
		return nil
	}
	var envelope struct {
		Data []rawAttachment `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Data) == 0 {
		return nil
	}
	return &envelope.Data[0]
}
