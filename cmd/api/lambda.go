package main

import (
	"net/http"

	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// newLambdaHandler bridges API Gateway HTTP API (payload v2) events to h.
// Request cookies arrive in the event's cookies field and Set-Cookie headers
// leave in the response's; bodies that are not valid UTF-8, such as gzip
// output, are base64 encoded.
func newLambdaHandler(h http.Handler) *httpadapter.HandlerAdapterV2 {
	return httpadapter.NewV2(h)
}
