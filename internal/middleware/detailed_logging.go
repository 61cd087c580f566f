package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"peersync/internal/httputil"
	"peersync/internal/privacy"
	"peersync/internal/service"
	"peersync/internal/tracing"

	"github.com/sirupsen/logrus"
)

const maskedValue = "***MASKED***"

// DetailedLoggingConfig controls what gets logged
type DetailedLoggingConfig struct {
	LogRequestHeaders  bool     `json:"log_request_headers"`
	LogResponseHeaders bool     `json:"log_response_headers"`
	LogRequestBody     bool     `json:"log_request_body"`
	LogResponseBody    bool     `json:"log_response_body"`
	MaxBodySize        int      `json:"max_body_size"`     // Maximum bytes to log
	SensitiveHeaders   []string `json:"sensitive_headers"` // Headers to mask
	SkipEndpoints      []string `json:"skip_endpoints"`    // Path prefixes to skip
}

// DefaultDetailedLoggingConfig returns sensible defaults
func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders:  true,
		LogResponseHeaders: false,
		LogRequestBody:     false,
		LogResponseBody:    false,
		MaxBodySize:        1024,
		SensitiveHeaders: []string{
			"authorization", "x-api-key", "cookie", "set-cookie",
			"x-auth-token", "traceparent", "sec-websocket-key",
		},
		SkipEndpoints: []string{
			"/metrics", "/health", "/p2p",
		},
	}
}

// DetailedLoggingMiddleware logs request and response details at debug level
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipEndpoint(r.URL.Path, config.SkipEndpoints) {
				next.ServeHTTP(w, r)
				return
			}

			requestInfo := tracing.GetRequestInfo(r.Context())
			logRequestDetails(logger, r, requestInfo, config)

			var responseCapture *responseCaptureWrapper
			var wrappedWriter = w

			if config.LogResponseBody || config.LogResponseHeaders {
				responseCapture = &responseCaptureWrapper{
					ResponseWriter: w,
					body:           bytes.NewBuffer(nil),
					headers:        make(http.Header),
					statusCode:     http.StatusOK,
				}
				wrappedWriter = responseCapture
			}

			next.ServeHTTP(wrappedWriter, r)

			if responseCapture != nil {
				logResponseDetails(logger, responseCapture, requestInfo, config)
			}
		})
	}
}

func skipEndpoint(path string, skip []string) bool {
	for _, prefix := range skip {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func logRequestDetails(logger *logrus.Logger, r *http.Request, requestInfo *tracing.RequestInfo, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID: requestInfo.RequestID,
		service.LogFieldTraceID:   requestInfo.TraceID,
		service.LogFieldMethod:    r.Method,
		service.LogFieldURL:       r.URL.Path,
		service.LogFieldRemoteIP:  httputil.GetClientIP(r),
		"content_length":          r.ContentLength,
		"protocol":                r.Proto,
	}

	if config.LogRequestHeaders {
		fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
	}

	if config.LogRequestBody && shouldLogBody(r) {
		if r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				r.Body = io.NopCloser(bytes.NewReader(body))
				fields["request_body"] = maskBody(body)
			}
		}
	}

	logger.WithFields(fields).Debug("Detailed request logging")
}

func logResponseDetails(logger *logrus.Logger, capture *responseCaptureWrapper, requestInfo *tracing.RequestInfo, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID:  requestInfo.RequestID,
		service.LogFieldTraceID:    requestInfo.TraceID,
		service.LogFieldStatusCode: capture.statusCode,
		"response_size":            capture.body.Len(),
	}

	if config.LogResponseHeaders {
		fields["response_headers"] = maskHeaders(capture.headers, config.SensitiveHeaders)
	}

	if config.LogResponseBody && capture.body.Len() > 0 {
		bodySize := capture.body.Len()
		if bodySize <= config.MaxBodySize {
			fields["response_body"] = maskBody(capture.body.Bytes())
		} else {
			fields["response_body"] = fmt.Sprintf("***TRUNCATED*** (size: %d bytes)", bodySize)
		}
	}

	logger.WithFields(fields).Debug("Detailed response logging")
}

func maskHeaders(header http.Header, sensitive []string) map[string]string {
	headers := make(map[string]string, len(header))
	for name, values := range header {
		if isSensitiveHeader(name, sensitive) {
			headers[name] = maskedValue
		} else {
			headers[name] = strings.Join(values, ", ")
		}
	}
	return headers
}

// maskBody masks identifiers and message content in JSON objects. Anything
// else is logged only by size.
func maskBody(body []byte) interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return fmt.Sprintf("[%d bytes]", len(body))
	}
	return privacy.MaskSensitiveFields(obj)
}

// responseCaptureWrapper captures response data for logging
type responseCaptureWrapper struct {
	http.ResponseWriter
	body       *bytes.Buffer
	headers    http.Header
	statusCode int
}

func (rc *responseCaptureWrapper) Write(data []byte) (int, error) {
	n, err := rc.ResponseWriter.Write(data)
	if err == nil {
		rc.body.Write(data[:n])
	}
	return n, err
}

func (rc *responseCaptureWrapper) WriteHeader(statusCode int) {
	rc.statusCode = statusCode
	for name, values := range rc.ResponseWriter.Header() {
		rc.headers[name] = values
	}
	rc.ResponseWriter.WriteHeader(statusCode)
}

func (rc *responseCaptureWrapper) Header() http.Header {
	return rc.ResponseWriter.Header()
}

func (rc *responseCaptureWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rc.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}

// shouldLogBody reports whether the request carries a text body
func shouldLogBody(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")

	textTypes := []string{
		"application/json",
		"text/",
		"application/x-www-form-urlencoded",
	}

	for _, textType := range textTypes {
		if strings.Contains(contentType, textType) {
			return true
		}
	}

	return false
}
