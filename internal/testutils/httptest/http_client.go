package httptest

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// FakeClient is an in-memory stand-in for *http.Client.
//
// Responses are looked up by request URL; anything unregistered gets the
// default Response.
type FakeClient struct {
	requests  []http.Request
	Response  http.Response
	Err       error
	responses map[string]fakeResponse

	mu sync.Mutex
}

type fakeResponse struct {
	status int
	body   string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Response: http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("FakeClient response uninitialized")),
		},
		responses: make(map[string]fakeResponse),
	}
}

func (fc *FakeClient) Do(req *http.Request) (*http.Response, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.requests = append(fc.requests, *req)
	if fc.Err != nil {
		return nil, fc.Err
	}
	if r, ok := fc.responses[req.URL.String()]; ok {
		return &http.Response{
			StatusCode: r.status,
			Body:       io.NopCloser(strings.NewReader(r.body)),
			Request:    req,
		}, nil
	}

	r := fc.Response
	return &r, nil
}

func (fc *FakeClient) SetResponse(s string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.Response = http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(s)),
	}
}

// SetURLResponse registers a response for one exact URL.
func (fc *FakeClient) SetURLResponse(url string, status int, body string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.responses[url] = fakeResponse{status: status, body: body}
}

func (fc *FakeClient) Requests() []http.Request {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	return append([]http.Request{}, fc.requests...)
}
