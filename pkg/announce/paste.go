package announce

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// PasteSink publishes larger payloads (commit diffs) to a Phabricator-style
// paste endpoint. Best-effort: a failure yields an empty URL, never an
// error that stops the commit.
type PasteSink struct {
	URL   string
	Token string

	client *retryablehttp.Client
}

func NewPasteSink(url, token string) *PasteSink {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &PasteSink{URL: url, Token: token, client: client}
}

type pasteRequest struct {
	Token    string `url:"api.token"`
	Title    string `url:"title"`
	Text     string `url:"text"`
	Language string `url:"language,omitempty"`
}

// Post uploads the content and returns the paste URI, or "" on any failure.
func (p *PasteSink) Post(title, content string) string {
	if p == nil || p.URL == "" {
		return ""
	}
	form, err := query.Values(pasteRequest{
		Token:    p.Token,
		Title:    title,
		Text:     content,
		Language: "diff",
	})
	if err != nil {
		logrus.WithError(err).Warn("could not encode the paste request")
		return ""
	}
	resp, err := p.client.Post(
		strings.TrimRight(p.URL, "/")+"/api/paste.create",
		"application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		logrus.WithError(err).Warn("could not publish the paste")
		return ""
	}
	defer resp.Body.Close()

	var result struct {
		Result struct {
			URI string `json:"uri"`
		} `json:"result"`
		ErrorInfo string `json:"error_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		logrus.WithError(err).Warn("unexpected paste response")
		return ""
	}
	if result.ErrorInfo != "" {
		logrus.Warn(fmt.Sprintf("paste rejected: %s", result.ErrorInfo))
		return ""
	}
	return result.Result.URI
}
