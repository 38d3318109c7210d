package requests

// requests is a library for making JSON requests to HTTP APIs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RequestJSON sends 'body' as JSON and decodes the JSON response into T.
// The context bounds the entire request, including reading the response.
func RequestJSON[T any](ctx context.Context, method, url string, body any) (response *T, err error) {
	bodyB, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyB))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%v. %v", resp.Status, string(msg))
	}
	var responseObj T
	if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	response = &responseObj
	return
}
