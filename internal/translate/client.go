// Package translate is the client of the text translation service.
package translate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const Timeout = 5 * time.Second

type request struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type response struct {
	TranslatedText string `json:"translated_text"`
}

type Client struct {
	http *resty.Client
}

func New(baseURL string) *Client {
	return &Client{http: resty.New().SetBaseURL(baseURL).SetTimeout(Timeout)}
}

func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()
	var out response
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request{Text: text, SourceLang: source, TargetLang: target}).
		SetResult(&out).
		Post("/translate")
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("translate: status %d", resp.StatusCode())
	}
	return out.TranslatedText, nil
}
