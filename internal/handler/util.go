package handler

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// GetHeader looks up a request header case-insensitively.
func GetHeader(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// HasBearer reports whether the Authorization header is exactly
// "Bearer <apiKey>". An empty key never matches.
func HasBearer(req events.APIGatewayProxyRequest, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	got := GetHeader(req, "Authorization")
	want := "Bearer " + apiKey
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// SourceIP returns the caller address API Gateway saw, falling back to the
// first X-Forwarded-For hop.
func SourceIP(req events.APIGatewayProxyRequest) string {
	if ip := req.RequestContext.Identity.SourceIP; ip != "" {
		return ip
	}
	if xff := GetHeader(req, "X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return "unknown"
}

// JSON encodes v as the response body.
func JSON(status int, v any) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("encode response: %w", err)
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Body: string(body)}, nil
}

// Error returns {"error": msg}.
func Error(status int, msg string) (events.APIGatewayProxyResponse, error) {
	return JSON(status, map[string]string{"error": msg})
}

// Unauthorized is the response for a missing or wrong bearer key.
func Unauthorized() (events.APIGatewayProxyResponse, error) {
	return Error(http.StatusUnauthorized, "Unauthorized")
}
