package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/messenger/client/internal/logger"
)

// UploadResult mirrors the file service's upload response.
type UploadResult struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

// progressReader reports the fraction of body bytes written to the wire.
// Progress is monotonic: it only moves forward and caps at 100.
type progressReader struct {
	r        io.Reader
	total    int64
	sent     int64
	last     float64
	progress func(pct float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.progress != nil && p.total > 0 {
		p.sent += int64(n)
		pct := float64(p.sent) * 100 / float64(p.total)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.progress(pct)
		}
	}
	return n, err
}

// Upload sends one file as multipart/form-data (field "file", matching the
// file service). The whole body is buffered first: the server's session
// middleware signs over the full body, and progress then tracks real network
// transfer. Uploads have their own timeout and are never retried.
func (g *Gateway) Upload(ctx context.Context, endpoint, fileName string, file io.Reader, progress func(pct float64)) (*UploadResult, error) {
	defer logger.DeferLogDuration("gateway.Upload", time.Now())()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("upload read %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	body := buf.Bytes()

	uctx, cancel := context.WithTimeout(ctx, g.uploadTimeout)
	defer cancel()

	pr := &progressReader{r: bytes.NewReader(body), total: int64(len(body)), progress: progress}
	req, err := http.NewRequestWithContext(uctx, http.MethodPost, g.baseURL+endpoint, pr)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	g.attachCredentials(req, body)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if uctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Endpoint: endpoint, Attempt: 1}
		}
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upload read response %s: %w", fileName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, data)
	}
	var res UploadResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("upload decode %s: %w", fileName, err)
	}
	if progress != nil {
		progress(100)
	}
	return &res, nil
}
