package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gorilla/mux"

	"github.com/verdant-tech/gardenauth/core/logger"
)

// LambdaHandler returns a handler function for AWS Lambda behind an API
// gateway proxy integration. The proxy request is translated into a plain
// http.Request and dispatched through the given router, so the service
// behaves identically whether it runs as a server or as a function.
func LambdaHandler(router *mux.Router) func(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return func(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		query := url.Values{}
		for k, v := range request.QueryStringParameters {
			query.Set(k, v)
		}
		for k, vs := range request.MultiValueQueryStringParameters {
			for _, v := range vs {
				query.Add(k, v)
			}
		}

		target := request.Path
		if encoded := query.Encode(); encoded != "" {
			target += "?" + encoded
		}

		r, err := http.NewRequestWithContext(ctx, request.HTTPMethod, target, strings.NewReader(request.Body))
		if err != nil {
			return events.APIGatewayProxyResponse{}, err
		}
		for k, v := range request.Headers {
			r.Header.Set(k, v)
		}
		ctx, _ = logger.ContextWithLogger(ctx)
		r = r.WithContext(ctx)

		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, r)

		headers := map[string]string{}
		for k := range recorder.Header() {
			headers[k] = recorder.Header().Get(k)
		}
		return events.APIGatewayProxyResponse{
			StatusCode: recorder.Code,
			Headers:    headers,
			Body:       recorder.Body.String(),
		}, nil
	}
}
