package painter

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
)

// ExtractedImage is the normalized decode of whatever the upstream produced:
// either inline bytes or a remote file reference, never both.
type ExtractedImage struct {
	Data      []byte
	RemoteURI string
	MimeType  string
}

// extraction accumulates what a response scan found: at most one image plus
// any narrative text ("shoot log") and the last seen finish reason.
type extraction struct {
	Image        *ExtractedImage
	FinishReason string
	BlockReason  string
	text         strings.Builder
}

func (x *extraction) Text() string { return strings.TrimSpace(x.text.String()) }

// scanPayload inspects one JSON payload for an image in the first candidate's
// content parts. It reports whether an image was found; text and finish
// reason are accumulated either way.
func (x *extraction) scanPayload(raw []byte) bool {
	var resp wireGenerateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		x.BlockReason = resp.PromptFeedback.BlockReason
	}
	if len(resp.Candidates) == 0 {
		return false
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		x.FinishReason = cand.FinishReason
	}
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			if x.text.Len() > 0 {
				x.text.WriteByte('\n')
			}
			x.text.WriteString(part.Text)
		}
		if x.Image != nil {
			continue
		}
		if blob := part.inline(); blob != nil && blob.Data != "" {
			data, err := base64.StdEncoding.DecodeString(blob.Data)
			if err != nil {
				continue
			}
			x.Image = &ExtractedImage{Data: data, MimeType: blob.mime()}
		} else if fd := part.file(); fd != nil && fd.uri() != "" {
			x.Image = &ExtractedImage{RemoteURI: fd.uri(), MimeType: fd.MimeType}
		}
	}
	return x.Image != nil
}

// maxScanBytes bounds response buffering against an upstream that never
// terminates or sends pathological volumes.
const maxScanBytes = 32 << 20

var errScanBudget = newCallError(KindUpstream, "response exceeded read budget", nil)

// scanJSON reads a complete non-streaming body and extracts from it.
func scanJSON(r io.Reader) (*extraction, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxScanBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxScanBytes {
		return nil, errScanBudget
	}
	x := &extraction{}
	x.scanPayload(body)
	return x, nil
}

// scanEventStream consumes a server-push event stream. Consecutive data:
// lines are accumulated until a blank line marks the event boundary; each
// accumulated payload is scanned as JSON. Reading stops at the first payload
// that yields an image so the connection can be closed early.
func scanEventStream(r io.Reader) (*extraction, error) {
	x := &extraction{}
	br := bufio.NewReader(r)
	var payload bytes.Buffer
	total := 0

	flush := func() bool {
		if payload.Len() == 0 {
			return false
		}
		found := x.scanPayload(payload.Bytes())
		payload.Reset()
		return found
	}

	for {
		line, err := br.ReadString('\n')
		total += len(line)
		if total > maxScanBytes {
			return nil, errScanBudget
		}
		trimmed := strings.TrimRight(line, "\r\n")
		switch {
		case trimmed == "":
			if flush() {
				return x, nil
			}
		case strings.HasPrefix(trimmed, "data:"):
			chunk := strings.TrimPrefix(trimmed, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			// Raw concatenation: producers may split one payload at an
			// arbitrary byte offset across physical lines.
			payload.WriteString(chunk)
		default:
			// event:/id:/retry: fields and comments are ignored.
		}
		if err != nil {
			if err == io.EOF {
				flush()
				return x, nil
			}
			return nil, err
		}
	}
}

// scanLines consumes newline-delimited JSON, treating every line as an
// independent payload. Terminates early on the first image.
func scanLines(r io.Reader) (*extraction, error) {
	x := &extraction{}
	br := bufio.NewReader(r)
	total := 0
	for {
		line, err := br.ReadString('\n')
		total += len(line)
		if total > maxScanBytes {
			return nil, errScanBudget
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if x.scanPayload([]byte(trimmed)) {
				return x, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return x, nil
			}
			return nil, err
		}
	}
}
