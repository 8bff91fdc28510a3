// Package transcribe provides the two speech-to-text clients: a batch
// whisper-style HTTP endpoint and a realtime vosk-style WebSocket stream.
// Both return plain transcripts; everything downstream of the text is the
// pipeline's job.
package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// BatchClient posts captured audio to an OpenAI-compatible transcription
// endpoint (typically a local whisper server).
type BatchClient struct {
	hc       *http.Client
	endpoint string
	model    string
	language string
	apiKey   string
}

// NewBatchClient builds a client for the given transcription endpoint.
// apiKey may be empty for unauthenticated local servers.
func NewBatchClient(endpoint, model, language, apiKey string) *BatchClient {
	return &BatchClient{
		hc:       &http.Client{Timeout: 60 * time.Second},
		endpoint: endpoint,
		model:    model,
		language: language,
		apiKey:   apiKey,
	}
}

// Transcribe submits one complete WAV recording and returns its transcript.
func (c *BatchClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("transcribe: build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("transcribe: build form: %w", err)
	}
	_ = form.WriteField("model", c.model)
	_ = form.WriteField("language", c.language)
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("transcribe: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("transcribe: server returned %s: %s", resp.Status, detail)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("transcribe: parse response: %w", err)
	}
	return result.Text, nil
}

// ConnectionTestResult reports the two probes TestConnection runs.
type ConnectionTestResult struct {
	HealthOK           bool   `json:"healthOk"`
	HealthError        string `json:"healthError,omitempty"`
	TranscriptionOK    bool   `json:"transcriptionOk"`
	TranscriptionError string `json:"transcriptionError,omitempty"`
}

// TestConnection probes the server's health route, then submits a short
// silent WAV. The real transcription call doubles as a warm-up for
// scale-to-zero deployments.
func (c *BatchClient) TestConnection(ctx context.Context) ConnectionTestResult {
	var result ConnectionTestResult

	healthURL := strings.Replace(c.endpoint, "/v1/audio/transcriptions", "/health", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err == nil {
		resp, herr := c.hc.Do(req)
		switch {
		case herr != nil:
			result.HealthError = herr.Error()
		case resp.StatusCode == http.StatusOK:
			result.HealthOK = true
			resp.Body.Close()
		default:
			result.HealthError = fmt.Sprintf("health check returned %s", resp.Status)
			resp.Body.Close()
		}
	} else {
		result.HealthError = err.Error()
	}

	if _, terr := c.Transcribe(ctx, silentWAV()); terr != nil {
		result.TranscriptionError = terr.Error()
	} else {
		result.TranscriptionOK = true
	}
	return result
}

// silentWAV builds 0.1 seconds of 16kHz mono PCM silence with a valid
// RIFF header.
func silentWAV() []byte {
	return EncodeWAV(make([]int16, 1600), 16000)
}

// EncodeWAV wraps raw 16-bit mono PCM samples in a RIFF header, the
// container the batch endpoint expects.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const (
		bitsPerSample uint16 = 16
		numChannels   uint16 = 1
	)
	rate := uint32(sampleRate)
	byteRate := rate * uint32(bitsPerSample/8) * uint32(numChannels)
	blockAlign := numChannels * (bitsPerSample / 8)
	dataSize := uint32(len(samples)) * uint32(bitsPerSample/8) * uint32(numChannels)

	buf := bytes.NewBuffer(make([]byte, 0, 44+int(dataSize)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, numChannels)
	binary.Write(buf, binary.LittleEndian, rate)
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, bitsPerSample)

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	binary.Write(buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
