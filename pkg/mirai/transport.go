package mirai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// Transport issues requests against the gateway's fixed base URL and decodes
// JSON responses. It imposes no timeout of its own; callers bound requests
// through the context.
type Transport struct {
	baseURL    string
	httpClient *http.Client
}

// NewTransport returns a Transport for baseURL. A nil httpClient means
// http.DefaultClient.
func NewTransport(baseURL string, httpClient *http.Client) *Transport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (t *Transport) BaseURL() string {
	return t.baseURL
}

// Get performs GET <base>/<endpoint>?<query> and decodes the body into out.
func (t *Transport) Get(ctx context.Context, endpoint string, query url.Values, out any) error {
	requestURL := t.baseURL + "/" + endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}
	return t.do(ctx, http.MethodGet, endpoint, requestURL, "", nil, out)
}

// PostJSON posts body encoded as a JSON object and decodes the reply into out.
func (t *Transport) PostJSON(ctx context.Context, endpoint string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mirai: failed to encode %s request: %w", endpoint, err)
	}
	return t.do(ctx, http.MethodPost, endpoint, t.baseURL+"/"+endpoint, "application/json", bytes.NewReader(encoded), out)
}

// PostMultipart posts a multipart/form-data body and decodes the reply into out.
func (t *Transport) PostMultipart(ctx context.Context, endpoint string, form *MultipartForm, out any) error {
	body, contentType, err := form.encode()
	if err != nil {
		return fmt.Errorf("mirai: failed to build %s form: %w", endpoint, err)
	}
	return t.do(ctx, http.MethodPost, endpoint, t.baseURL+"/"+endpoint, contentType, body, out)
}

func (t *Transport) do(ctx context.Context, method, endpoint, requestURL, contentType string, body io.Reader, out any) error {
	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return fmt.Errorf("mirai: failed to create request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Accept", "application/json")

	response, err := t.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("mirai: request to %s %s failed: %w", method, endpoint, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("mirai: failed to read %s response: %w", endpoint, err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &TransportError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: response.StatusCode,
			Body:       string(responseBody),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return &MalformedResponseError{Endpoint: endpoint, Err: err}
	}
	return nil
}

// MultipartForm collects the fields and file parts of a multipart request.
type MultipartForm struct {
	fields []formField
	files  []formFile
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	name        string
	filename    string
	contentType string
	content     io.Reader
}

func (f *MultipartForm) AddField(name, value string) {
	f.fields = append(f.fields, formField{name: name, value: value})
}

// AddFile adds a file part with an explicit content type; mime/multipart's
// CreateFormFile always uses application/octet-stream.
func (f *MultipartForm) AddFile(name, filename, contentType string, content io.Reader) {
	f.files = append(f.files, formFile{name: name, filename: filename, contentType: contentType, content: content})
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (f *MultipartForm) encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, field := range f.fields {
		if err := writer.WriteField(field.name, field.value); err != nil {
			return nil, "", err
		}
	}
	for _, file := range f.files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(file.name), quoteEscaper.Replace(file.filename)))
		header.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, file.content); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}
