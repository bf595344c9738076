package aiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

const testAPIKey = "sk-test"

func newTestClient(test *testing.T, handler http.HandlerFunc) *Client {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	client, err := New(Config{APIKey: testAPIKey, BaseURL: server.URL + "/"}, WithHTTPClient(server.Client()))
	require.NoError(test, err)
	return client
}

func TestGenerateSendsImageAndHint(test *testing.T) {
	test.Parallel()
	var captured chatRequest
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(test, chatCompletionsPath, request.URL.Path)
		require.Equal(test, "Bearer "+testAPIKey, request.Header.Get("Authorization"))
		require.NoError(test, json.NewDecoder(request.Body).Decode(&captured))
		_, _ = writer.Write([]byte(`{"choices":[{"message":{"content":"Once upon a time a dragon..."}}]}`))
	})

	story, err := client.Generate(context.Background(), pipeline.Image{Data: []byte("png-bytes"), ContentType: "image/png"}, "a dragon")
	require.NoError(test, err)
	require.Equal(test, "Once upon a time a dragon...", story)

	require.Equal(test, DefaultChatModel, captured.Model)
	require.Len(test, captured.Messages, 1)
	content := captured.Messages[0].Content
	require.Len(test, content, 2)
	require.Contains(test, content[0].Text, "bedtime story")
	require.Contains(test, content[0].Text, "incorporate the following idea: a dragon.")
	require.NotNil(test, content[1].ImageURL)
	require.Equal(test, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("png-bytes")), content[1].ImageURL.URL)
}

func TestCaptionPassesPromptThrough(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		var captured chatRequest
		require.NoError(test, json.NewDecoder(request.Body).Decode(&captured))
		require.Equal(test, "describe it", captured.Messages[0].Content[0].Text)
		_, _ = writer.Write([]byte(`{"choices":[{"message":{"content":"a green dragon"}}]}`))
	})
	caption, err := client.Caption(context.Background(), pipeline.Image{Data: []byte("x")}, "describe it")
	require.NoError(test, err)
	require.Equal(test, "a green dragon", caption)
}

func TestRenderDecodesImage(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(test, imageGenerationsPath, request.URL.Path)
		var captured imageRequest
		require.NoError(test, json.NewDecoder(request.Body).Decode(&captured))
		require.Equal(test, "a green dragon", captured.Prompt)
		require.Equal(test, "b64_json", captured.ResponseFormat)
		require.Equal(test, DefaultImageSize, captured.Size)
		_, _ = writer.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("rendered")) + `"}]}`))
	})
	data, err := client.Render(context.Background(), "a green dragon")
	require.NoError(test, err)
	require.Equal(test, []byte("rendered"), data)
}

func TestRenderEmptyResponse(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"data":[]}`))
	})
	_, err := client.Render(context.Background(), "anything")
	require.ErrorIs(test, err, ErrEmptyResponse)
}

func TestStatusErrorsClassifyRetryability(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		status       int
		nonRetryable bool
	}{
		{name: "bad request", status: http.StatusBadRequest, nonRetryable: true},
		{name: "unauthorized", status: http.StatusUnauthorized, nonRetryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, nonRetryable: false},
		{name: "server error", status: http.StatusBadGateway, nonRetryable: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			var calls atomic.Int32
			client := newTestClient(test, func(writer http.ResponseWriter, request *http.Request) {
				calls.Add(1)
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			})
			_, err := client.Caption(context.Background(), pipeline.Image{Data: []byte("x")}, "p")
			require.Error(test, err)
			require.Equal(test, testCase.nonRetryable, errors.Is(err, pipeline.ErrNonRetryable))
			var apiError *APIError
			require.ErrorAs(test, err, &apiError)
			require.Equal(test, testCase.status, apiError.StatusCode)
			require.Equal(test, "nope", apiError.Message)
			require.Equal(test, int32(1), calls.Load())
		})
	}
}

func TestStoryPrompt(test *testing.T) {
	test.Parallel()
	require.NotContains(test, StoryPrompt("  "), "incorporate")
	require.Contains(test, StoryPrompt("a castle."), "incorporate the following idea: a castle.")
}

func TestNewRequiresAPIKey(test *testing.T) {
	test.Parallel()
	_, err := New(Config{})
	require.Error(test, err)
}
