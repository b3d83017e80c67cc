package webhook

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxBodyBytes bounds how much of a request body is read and persisted.
const maxBodyBytes = 4 << 20

// parseBody reads the request body and decodes it by content type. Parse
// failures yield an empty body map, never an error; the raw bytes are always
// preserved.
func parseBody(r *http.Request) (raw []byte, body map[string]any, contentType string) {
	raw, _ = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	contentType = r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case mediaType == "application/json":
		body = decodeJSONBody(raw)
	case mediaType == "application/x-www-form-urlencoded":
		body = decodeFormBody(raw)
	case strings.HasPrefix(mediaType, "multipart/"):
		// Multipart bodies stay raw; parts are not expanded.
		body = map[string]any{}
	case mediaType == "text/xml", mediaType == "application/xml", strings.HasPrefix(mediaType, "text/"):
		body = map[string]any{"data": string(raw)}
	default:
		// Best effort: JSON first, raw text otherwise.
		body = decodeJSONBody(raw)
		if len(body) == 0 && len(raw) > 0 {
			body = map[string]any{"data": string(raw)}
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	return raw, body, contentType
}

func decodeJSONBody(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]any{"value": v}
	}
	return map[string]any{}
}

func decodeFormBody(raw []byte) map[string]any {
	vals, err := url.ParseQuery(string(raw))
	if err != nil {
		return map[string]any{}
	}
	body := make(map[string]any, len(vals))
	for k, vs := range vals {
		if len(vs) == 1 {
			body[k] = vs[0]
		} else {
			body[k] = vs
		}
	}
	return body
}

// triggerPayload builds the trigger data object webhook-triggered workflows
// receive as their entry input.
func triggerPayload(wh *Webhook, req *Request, r *http.Request) map[string]any {
	host := r.Host
	hostname := host
	port := ""
	if h, p, ok := strings.Cut(r.Host, ":"); ok {
		hostname, port = h, p
	}
	protocol := "http"
	if r.TLS != nil {
		protocol = "https"
	}

	headers := map[string]any{}
	for k, vs := range req.Headers {
		if len(vs) == 1 {
			headers[strings.ToLower(k)] = vs[0]
		} else {
			headers[strings.ToLower(k)] = vs
		}
	}
	query := map[string]any{}
	for k, vs := range req.Query {
		if len(vs) == 1 {
			query[k] = vs[0]
		} else {
			query[k] = vs
		}
	}

	return map[string]any{
		"method":   req.Method,
		"url":      req.URL,
		"protocol": protocol,
		"host":     host,
		"hostname": hostname,
		"port":     port,
		"pathname": r.URL.Path,
		"headers":  headers,
		"body":     req.Body,
		"rawBody":  string(req.RawBody),
		"query":    query,
		"cookies":  req.Cookies,
		"params": map[string]any{
			"organizationId": req.OrganizationID,
			"path":           req.Path,
		},
		"client": map[string]any{
			"ip":        clientIP(r),
			"userAgent": r.UserAgent(),
			"referer":   r.Referer(),
			"origin":    r.Header.Get("Origin"),
		},
		"webhookId":   wh.WebhookID,
		"receivedAt":  req.ReceivedAt.Format(time.RFC3339Nano),
		"contentType": req.ContentType,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, ok := strings.Cut(r.RemoteAddr, ":")
	if ok {
		return host
	}
	return r.RemoteAddr
}
