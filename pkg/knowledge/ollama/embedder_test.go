// SPDX-License-Identifier: Apache-2.0
package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/ipcollab/pkg/errors"
)

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		_ = json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{0.25, -1}})
	}))
	defer srv.Close()

	vec, err := NewEmbedder(srv.URL, "nomic-embed-text").Embed(context.Background(), "naloxone")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -1}, vec)
}

func TestEmbedStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewEmbedder(srv.URL, "missing").Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeIndexUnavailable))
	assert.False(t, errors.As(err).Recoverable)
}
