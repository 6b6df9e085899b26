package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/credential"
)

// BedrockAdapter invokes AWS Bedrock runtime with SigV4-signed requests.
// Claude model ids ("anthropic.*") wrap the Anthropic messages payload;
// other families are not bound in the catalog.
type BedrockAdapter struct {
	client *http.Client
}

func NewBedrockAdapter(cat *catalog.Catalog, client *http.Client) *BedrockAdapter {
	return &BedrockAdapter{client: client}
}

func (a *BedrockAdapter) ProviderID() string { return "bedrock" }

func (a *BedrockAdapter) CapabilityCheck(req *ChatRequest, binding catalog.ProviderBinding) error {
	if !modelIsClaude(binding.ModelName) {
		return CapabilityError("bedrock", fmt.Sprintf("unsupported model family: %s", binding.ModelName))
	}
	return checkCapabilities("bedrock", req, binding)
}

func modelIsClaude(model string) bool {
	// Region-prefixed ids look like "us.anthropic.claude-...".
	return strings.HasPrefix(model, "anthropic.") || strings.Contains(model, ".anthropic.")
}

func (a *BedrockAdapter) buildClaudeBody(req *ChatRequest, binding catalog.ProviderBinding) ([]byte, error) {
	body := anthropicRequest{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	body.MaxTokens = anthropicDefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		body.MaxTokens = *req.MaxTokens
	}
	if binding.MaxOutput > 0 && body.MaxTokens > binding.MaxOutput {
		body.MaxTokens = binding.MaxOutput
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.ContentText())
		case "assistant":
			body.Messages = append(body.Messages, anthropicMessage{Role: "assistant", Content: m.ContentText()})
		default:
			body.Messages = append(body.Messages, anthropicMessage{Role: "user", Content: convertUserContent(m.Content)})
		}
	}
	if len(system) > 0 {
		body.System = strings.Join(system, "\n")
	}

	// Bedrock rejects the model field and requires anthropic_version.
	payload := struct {
		anthropicRequest
		AnthropicVersion string `json:"anthropic_version"`
	}{anthropicRequest: body, AnthropicVersion: "bedrock-2023-05-31"}
	payload.Model = ""
	payload.Stream = false

	return json.Marshal(payload)
}

func (a *BedrockAdapter) newSignedRequest(ctx context.Context, cred *credential.Credential, endpoint string, body []byte) (*http.Request, error) {
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", cred.Region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	signSigV4(req, body, cred.APIKey, cred.APISecret, cred.Region)
	return req, nil
}

// signSigV4 signs with AWS Signature V4 for the bedrock service.
func signSigV4(req *http.Request, body []byte, accessKey, secretKey, region string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	bodyHash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(bodyHash[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	date := now.Format("20060102")
	req.Header.Set("X-Amz-Date", amzDate)

	const signedHeaders = "content-type;host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), req.Host, payloadHash, amzDate)
	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		req.Method, req.URL.EscapedPath(), req.URL.RawQuery, canonicalHeaders, signedHeaders, payloadHash)

	requestHash := sha256.Sum256([]byte(canonicalRequest))
	scope := fmt.Sprintf("%s/%s/bedrock/aws4_request", date, region)
	stringToSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s", amzDate, scope, hex.EncodeToString(requestHash[:]))

	key := []byte("AWS4" + secretKey)
	for _, part := range []string{date, region, "bedrock", "aws4_request"} {
		key = hmacSHA256(key, part)
	}
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, scope, signedHeaders, signature))
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func (a *BedrockAdapter) Complete(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (*ChatResponse, error) {
	body, err := a.buildClaudeBody(req, binding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := a.newSignedRequest(ctx, cred, fmt.Sprintf("/model/%s/invoke", binding.ModelName), body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("bedrock", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport("bedrock", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTP("bedrock", resp.StatusCode, string(raw), resp.Header)
	}

	// The invoke payload is the plain Anthropic response.
	parsed, err := (&AnthropicAdapter{}).parseResponse(raw)
	if err != nil {
		return nil, err
	}
	parsed.Model = binding.ModelName
	return parsed, nil
}

func (a *BedrockAdapter) Stream(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (<-chan StreamFrame, error) {
	body, err := a.buildClaudeBody(req, binding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := a.newSignedRequest(ctx, cred, fmt.Sprintf("/model/%s/invoke-with-response-stream", binding.ModelName), body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("bedrock", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, ClassifyHTTP("bedrock", resp.StatusCode, string(raw), resp.Header)
	}

	frames := make(chan StreamFrame, 16)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()
		a.relayEventStream(ctx, resp.Body, binding.ModelName, frames)
	}()
	return frames, nil
}

// relayEventStream decodes the AWS binary event-stream framing and feeds
// the embedded Anthropic events through an SSE re-encoding into the
// shared Anthropic relay. Each frame payload is {"bytes": base64(event)}.
func (a *BedrockAdapter) relayEventStream(ctx context.Context, body io.Reader, model string, frames chan<- StreamFrame) {
	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = pw.Close() }()
		for {
			payload, err := readEventStreamFrame(body)
			if err != nil {
				return
			}
			var wrapper struct {
				Bytes string `json:"bytes"`
			}
			if err := json.Unmarshal(payload, &wrapper); err != nil || wrapper.Bytes == "" {
				continue
			}
			event, err := base64.StdEncoding.DecodeString(wrapper.Bytes)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(pw, "data: %s\n", event); err != nil {
				return
			}
		}
	}()

	relay := &AnthropicAdapter{}
	relay.relayStream(ctx, pr, model, frames)
	// Propagate classification: mid-relay failures already produced the
	// terminal frame inside relayStream.
	_ = pr.Close()
}

// readEventStreamFrame reads one AWS event-stream message and returns its
// payload. Framing: 4-byte total length, 4-byte headers length, 4-byte
// prelude CRC, headers, payload, 4-byte message CRC (big endian).
func readEventStreamFrame(r io.Reader) ([]byte, error) {
	var prelude [12]byte
	if _, err := io.ReadFull(r, prelude[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(prelude[0:4])
	headerLen := binary.BigEndian.Uint32(prelude[4:8])
	if total < 16 || headerLen > total-16 {
		return nil, fmt.Errorf("malformed event stream frame")
	}
	rest := make([]byte, total-12)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	payload := rest[headerLen : len(rest)-4]
	return payload, nil
}
