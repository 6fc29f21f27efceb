package painter

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
)

func imagePayload(t *testing.T, data []byte) []byte {
	t.Helper()
	resp := wireGenerateResponse{
		Candidates: []wireCandidate{{
			Content: wireContent{Parts: []wirePart{
				{Text: "shot log line"},
				{InlineData: &wireBlob{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(data)}},
			}},
			FinishReason: "STOP",
		}},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestEventStreamSplitAtEveryOffset(t *testing.T) {
	imgBytes := []byte("fake-png-bytes-for-roundtrip-0123456789")
	payload := imagePayload(t, imgBytes)

	for off := 1; off < len(payload); off++ {
		var body bytes.Buffer
		fmt.Fprintf(&body, "data: %s\n", payload[:off])
		fmt.Fprintf(&body, "data: %s\n", payload[off:])
		body.WriteString("\n")

		x, err := scanEventStream(&body)
		if err != nil {
			t.Fatalf("offset %d: scan: %v", off, err)
		}
		if x.Image == nil {
			t.Fatalf("offset %d: no image extracted", off)
		}
		if !bytes.Equal(x.Image.Data, imgBytes) {
			t.Fatalf("offset %d: image bytes differ", off)
		}
		if x.Image.MimeType != "image/png" {
			t.Fatalf("offset %d: mime = %q", off, x.Image.MimeType)
		}
	}
}

func TestEventStreamSingleEventMatchesSplit(t *testing.T) {
	imgBytes := []byte("identical-extraction-check")
	payload := imagePayload(t, imgBytes)

	single := fmt.Sprintf("data: %s\n\n", payload)
	x, err := scanEventStream(strings.NewReader(single))
	if err != nil || x.Image == nil {
		t.Fatalf("single-chunk scan failed: %+v %v", x, err)
	}
	if !bytes.Equal(x.Image.Data, imgBytes) {
		t.Fatal("single-chunk extraction differs from payload")
	}
	if got := x.Text(); got != "shot log line" {
		t.Fatalf("text = %q", got)
	}
}

func TestEventStreamIgnoresCommentsAndEventFields(t *testing.T) {
	payload := imagePayload(t, []byte("img"))
	body := ": keepalive\nevent: update\nid: 3\ndata: " + string(payload) + "\n\n"
	x, err := scanEventStream(strings.NewReader(body))
	if err != nil || x.Image == nil {
		t.Fatalf("scan with metadata lines failed: %v", err)
	}
}

// poisonReader fails the test when read after its content is exhausted,
// proving the scanner stopped at the success line.
type poisonReader struct {
	t      *testing.T
	chunks []string
	i      int
}

func (p *poisonReader) Read(b []byte) (int, error) {
	if p.i >= len(p.chunks) {
		p.t.Fatal("reader consumed past the successful payload")
		return 0, io.EOF
	}
	n := copy(b, p.chunks[p.i])
	if n < len(p.chunks[p.i]) {
		p.chunks[p.i] = p.chunks[p.i][n:]
		return n, nil
	}
	p.i++
	return n, nil
}

func TestLinesImageOnFirstLineStopsReading(t *testing.T) {
	payload := imagePayload(t, []byte("first-line-image"))
	r := &poisonReader{t: t, chunks: []string{string(payload) + "\n"}}
	x, err := scanLines(r)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if x.Image == nil {
		t.Fatal("no image extracted from first line")
	}
}

func TestLinesImageOnLastLine(t *testing.T) {
	textOnly, _ := json.Marshal(wireGenerateResponse{
		Candidates: []wireCandidate{{Content: wireContent{Parts: []wirePart{{Text: "thinking"}}}}},
	})
	payload := imagePayload(t, []byte("last-line-image"))
	body := string(textOnly) + "\n" + string(textOnly) + "\n" + string(payload) + "\n"

	x, err := scanLines(strings.NewReader(body))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if x.Image == nil {
		t.Fatal("no image extracted from last line")
	}
	if !bytes.Equal(x.Image.Data, []byte("last-line-image")) {
		t.Fatal("wrong image bytes")
	}
}

func TestEventStreamEarlyTermination(t *testing.T) {
	payload := imagePayload(t, []byte("early"))
	r := &poisonReader{t: t, chunks: []string{"data: " + string(payload) + "\n\n"}}
	x, err := scanEventStream(r)
	if err != nil || x.Image == nil {
		t.Fatalf("scan: %+v %v", x, err)
	}
}

func TestSnakeCaseSpellings(t *testing.T) {
	raw := []byte(`{"candidates":[{"content":{"parts":[{"inline_data":{"mime_type":"image/webp","data":"` +
		base64.StdEncoding.EncodeToString([]byte("snake")) + `"}}]}}]}`)
	x := &extraction{}
	if !x.scanPayload(raw) {
		t.Fatal("snake_case inline data not extracted")
	}
	if x.Image.MimeType != "image/webp" {
		t.Fatalf("mime = %q", x.Image.MimeType)
	}

	raw = []byte(`{"candidates":[{"content":{"parts":[{"file_data":{"file_uri":"files/abc"}}]}}]}`)
	x = &extraction{}
	if !x.scanPayload(raw) || x.Image.RemoteURI != "files/abc" {
		t.Fatalf("snake_case file data not extracted: %+v", x.Image)
	}
}

// budgetReader yields the same line forever.
type budgetReader struct{ line []byte }

func (b budgetReader) Read(p []byte) (int, error) {
	n := 0
	for n+len(b.line) <= len(p) {
		n += copy(p[n:], b.line)
	}
	if n == 0 {
		n = copy(p, b.line)
	}
	return n, nil
}

func TestLinesReadBudget(t *testing.T) {
	_, err := scanLines(budgetReader{line: []byte(`{"candidates":[]}` + "\n")})
	if KindOf(err) != KindUpstream {
		t.Fatalf("err = %v, want read-budget upstream error", err)
	}
}
