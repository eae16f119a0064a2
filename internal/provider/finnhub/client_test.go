package finnhub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/provider/finnhub"
)

func TestClient_FetchQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "fh-key", r.Header.Get("X-Finnhub-Token"))
		_, _ = w.Write([]byte(`{"c":189.84,"d":1.2,"dp":0.6362,"h":190.32,"l":188.19,"o":188.5,"pc":188.64,"t":1772452800}`))
	}))
	defer server.Close()

	client := finnhub.NewClient(finnhub.ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	payload, err := client.Fetch(context.Background(), provider.Request{
		DataType: provider.DataTypeStockPrice,
		Symbol:   "aapl",
		APIKey:   "fh-key",
	})
	require.NoError(t, err)

	var quote provider.Quote
	require.NoError(t, json.Unmarshal(payload.Data, &quote))
	assert.Equal(t, "189.84", quote.Price.String())
	assert.Equal(t, "0.6362", quote.ChangePct24h.String())
	assert.Equal(t, int64(1772452800), quote.Timestamp.Unix())
}

func TestClient_UnknownSymbol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"c":0,"d":null,"dp":null,"h":0,"l":0,"o":0,"pc":0,"t":0}`))
	}))
	defer server.Close()

	client := finnhub.NewClient(finnhub.ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := client.Fetch(context.Background(), provider.Request{DataType: provider.DataTypeStockPrice, Symbol: "NOPE"})
	assert.ErrorIs(t, err, provider.ErrSymbolNotFound)
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := finnhub.NewClient(finnhub.ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := client.Fetch(context.Background(), provider.Request{DataType: provider.DataTypeStockPrice, Symbol: "AAPL"})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUpstream)
	assert.True(t, provider.IsTransient(err))
}
