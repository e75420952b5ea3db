// Package sentiment scores Twitter chatter about a subnet. Tweets come
// from the Datura search API and are scored by an LLM hosted on Chutes,
// which returns a single integer in [-100, 100].
package sentiment

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	daturaBaseURL = "https://apis.datura.ai"
	chutesBaseURL = "https://llm.chutes.ai"

	// Scores outside this range are clamped.
	minScore = -100
	maxScore = 100
)

const scoringPrompt = `You are a sentiment analyst. Given the following tweets about Bittensor subnet %d, respond with a single integer between -100 (extremely negative) and 100 (extremely positive) representing the overall sentiment. Respond with only the integer.

Tweets:
%s`

// Tweet is one search result from Datura.
type Tweet struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

type daturaSearchResponse struct {
	Data []Tweet `json:"data"`
}

type chutesRequest struct {
	Model       string        `json:"model"`
	Messages    []chutesInput `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chutesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chutesResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyzer fetches tweets about a subnet and scores their sentiment.
type Analyzer struct {
	datura *resty.Client
	chutes *resty.Client
	model  string
	logger *slog.Logger
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithDaturaBaseURL overrides the Datura endpoint. Test hook.
func WithDaturaBaseURL(url string) Option {
	return func(a *Analyzer) { a.datura.SetBaseURL(url) }
}

// WithChutesBaseURL overrides the Chutes endpoint. Test hook.
func WithChutesBaseURL(url string) Option {
	return func(a *Analyzer) { a.chutes.SetBaseURL(url) }
}

// NewAnalyzer creates an Analyzer with the given API credentials.
func NewAnalyzer(daturaKey, chutesKey, model string, logger *slog.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		datura: resty.New().
			SetBaseURL(daturaBaseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Authorization", daturaKey),
		chutes: resty.New().
			SetBaseURL(chutesBaseURL).
			SetTimeout(60 * time.Second).
			SetHeader("Authorization", "Bearer "+chutesKey),
		model:  model,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze returns the sentiment score for a subnet, in [-100, 100].
// No recent tweets yields a neutral score of zero.
func (a *Analyzer) Analyze(ctx context.Context, netuid int64) (float64, error) {
	tweets, err := a.SearchTweets(ctx, netuid)
	if err != nil {
		return 0, fmt.Errorf("failed to search tweets: %w", err)
	}
	if len(tweets) == 0 {
		a.logger.Info("no tweets found, treating sentiment as neutral", "netuid", netuid)
		return 0, nil
	}
	score, err := a.ScoreSentiment(ctx, netuid, tweets)
	if err != nil {
		return 0, fmt.Errorf("failed to score sentiment: %w", err)
	}
	return score, nil
}

// SearchTweets queries Datura for recent tweets mentioning the subnet.
func (a *Analyzer) SearchTweets(ctx context.Context, netuid int64) ([]Tweet, error) {
	var out daturaSearchResponse
	resp, err := a.datura.R().
		SetContext(ctx).
		SetQueryParam("query", fmt.Sprintf("Bittensor netuid %d", netuid)).
		SetQueryParam("sort", "Latest").
		SetQueryParam("count", "10").
		SetResult(&out).
		Get("/twitter")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("datura returned %d: %s", resp.StatusCode(), resp.Body())
	}
	return out.Data, nil
}

// ScoreSentiment asks the LLM for a single integer score over the tweets.
// Out-of-range replies are clamped rather than rejected.
func (a *Analyzer) ScoreSentiment(ctx context.Context, netuid int64, tweets []Tweet) (float64, error) {
	var sb strings.Builder
	for _, tw := range tweets {
		sb.WriteString("- ")
		sb.WriteString(tw.Text)
		sb.WriteString("\n")
	}

	req := chutesRequest{
		Model: a.model,
		Messages: []chutesInput{
			{Role: "user", Content: fmt.Sprintf(scoringPrompt, netuid, sb.String())},
		},
		MaxTokens:   10,
		Temperature: 0,
	}

	var out chutesResponse
	resp, err := a.chutes.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("chutes returned %d: %s", resp.StatusCode(), resp.Body())
	}
	if len(out.Choices) == 0 {
		return 0, fmt.Errorf("chutes returned no choices")
	}

	score, err := parseScore(out.Choices[0].Message.Content)
	if err != nil {
		return 0, err
	}
	return score, nil
}

var scorePattern = regexp.MustCompile(`-?\d+`)

// parseScore extracts the first integer from the model reply and clamps
// it to [-100, 100]. Models occasionally wrap the number in prose.
func parseScore(reply string) (float64, error) {
	match := scorePattern.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("no integer in model reply %q", reply)
	}
	n, err := strconv.ParseInt(match, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable score %q: %w", match, err)
	}
	if n < minScore {
		n = minScore
	}
	if n > maxScore {
		n = maxScore
	}
	return float64(n), nil
}
