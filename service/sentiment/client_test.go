package sentiment

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func chutesReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}},
			},
		})
	}
}

func daturaReply(texts ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tweets := make([]map[string]any, len(texts))
		for i, text := range texts {
			tweets[i] = map[string]any{"id": "1", "text": text}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": tweets})
	}
}

func newTestAnalyzer(t *testing.T, datura, chutes http.HandlerFunc) *Analyzer {
	t.Helper()
	daturaSrv := httptest.NewServer(datura)
	t.Cleanup(daturaSrv.Close)
	chutesSrv := httptest.NewServer(chutes)
	t.Cleanup(chutesSrv.Close)
	return NewAnalyzer("datura-key", "chutes-key", "test-model", testLogger(),
		WithDaturaBaseURL(daturaSrv.URL),
		WithChutesBaseURL(chutesSrv.URL))
}

func TestAnalyze(t *testing.T) {
	a := newTestAnalyzer(t,
		daturaReply("subnet 18 is mooning", "great dividends lately"),
		chutesReply("47"))

	score, err := a.Analyze(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, 47.0, score)
}

func TestAnalyze_NegativeScore(t *testing.T) {
	a := newTestAnalyzer(t,
		daturaReply("validators leaving subnet 18"),
		chutesReply("-60"))

	score, err := a.Analyze(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, -60.0, score)
}

func TestAnalyze_NoTweetsIsNeutral(t *testing.T) {
	a := newTestAnalyzer(t,
		daturaReply(),
		func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("LLM should not be called with no tweets")
		})

	score, err := a.Analyze(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestAnalyze_DaturaErrorPropagates(t *testing.T) {
	a := newTestAnalyzer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
		chutesReply("1"))

	_, err := a.Analyze(context.Background(), 18)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to search tweets")
}

func TestSearchTweets_QueryShape(t *testing.T) {
	var gotQuery, gotAuth string
	a := newTestAnalyzer(t,
		func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query().Get("query")
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		},
		chutesReply("0"))

	_, err := a.SearchTweets(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "Bittensor netuid 42", gotQuery)
	assert.Equal(t, "datura-key", gotAuth)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		reply   string
		want    float64
		wantErr bool
	}{
		{reply: "47", want: 47},
		{reply: "-60", want: -60},
		{reply: "0", want: 0},
		{reply: "The sentiment score is 25.", want: 25},
		{reply: "150", want: 100},
		{reply: "-500", want: -100},
		{reply: "no idea", wantErr: true},
		{reply: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			got, err := parseScore(tt.reply)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
