package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

func itoa(n int) string { return strconv.Itoa(n) }

// httpClient is shared by every command; the timeout covers the full
// request including body read.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// doJSON issues one API request. A non-nil body is JSON-encoded; the
// response body is decoded into a generic map for printing. Non-2xx
// responses become errors carrying the server's message.
func doJSON(method, path string, body any) (any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil {
			if apiErr.Message != "" {
				return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Message)
			}
			if apiErr.Error != "" {
				return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
			}
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, string(data))
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data), nil
	}
	return out, nil
}

// doRaw sends a pre-encoded body (the workflow YAML) without JSON
// wrapping.
func doRaw(method, path string, body []byte) (any, error) {
	req, err := http.NewRequest(method, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/yaml")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", resp.Status, string(data))
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data), nil
	}
	return out, nil
}

// printJSON renders the API response indented for humans and pipelines
// alike.
func printJSON(v any) error {
	if v == nil {
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// run wraps a request-then-print command body.
func run(method, path string, body any) error {
	out, err := doJSON(method, path, body)
	if err != nil {
		return err
	}
	return printJSON(out)
}
