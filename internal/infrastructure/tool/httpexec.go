package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

func headersFromParams(params map[string]any) (map[string]string, error) {
	raw, ok := params["headers"]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("params.headers must be an object")
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}

func (e *Executor) roundTrip(ctx context.Context, method, url string, headers map[string]string, body io.Reader, timeoutMS, maxChars int) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	text := string(data)
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return map[string]any{
		"http": map[string]any{
			"status_code": resp.StatusCode,
			"ok":          resp.StatusCode >= 200 && resp.StatusCode < 300,
			"url":         resp.Request.URL.String(),
		},
		"body": text,
	}, nil
}

func (e *Executor) doHTTPGet(ctx context.Context, params, options, normalized map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	headers, err := headersFromParams(params)
	if err != nil {
		return nil, err
	}
	timeoutMS := optIntDefault(options, "timeout_ms", 2000)
	maxChars := optIntDefault(options, "resp_max_chars", 2048)
	result, err := e.roundTrip(ctx, http.MethodGet, url, headers, nil, timeoutMS, maxChars)
	if err != nil {
		return nil, err
	}
	result["message"] = "http_get executed"
	result["normalized"] = normalized
	return result, nil
}

func (e *Executor) doHTTPPost(ctx context.Context, params, options, normalized map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	headers, err := headersFromParams(params)
	if err != nil {
		return nil, err
	}
	timeoutMS := optIntDefault(options, "timeout_ms", 2000)
	maxChars := optIntDefault(options, "resp_max_chars", 2048)
	contentType := strings.ToLower(optString(options, "content_type", "application/json"))
	rawBody := params["body"]

	if headers == nil {
		headers = map[string]string{}
	}
	message := "http_post executed"
	var payload string

	if contentType == "application/json" {
		switch b := rawBody.(type) {
		case map[string]any, []any:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			payload = string(data)
		case string:
			// 字符串体按 JSON 解析；失败时按原文发送
			if strings.TrimSpace(b) != "" && !json.Valid([]byte(b)) {
				message = "http_post executed (raw content)"
			}
			payload = b
		case nil:
			payload = "null"
		}
		headers["Content-Type"] = "application/json"
	} else {
		switch b := rawBody.(type) {
		case string:
			payload = b
		case nil:
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			payload = string(data)
		}
		headers["Content-Type"] = contentType
	}

	result, err := e.roundTrip(ctx, http.MethodPost, url, headers, strings.NewReader(payload), timeoutMS, maxChars)
	if err != nil {
		return nil, err
	}
	result["message"] = message
	result["normalized"] = normalized
	return result, nil
}
