package translator

import (
	"context"
	"errors"
	"fmt"

	translate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleBackend uses Cloud Translation. It ignores prompts and translates the
// marked chunk text as plain text; the sentinels pass through untouched.
type GoogleBackend struct {
	client *translate.Client
}

func NewGoogleBackend(ctx context.Context, cfg Config) (*GoogleBackend, error) {
	var opts []option.ClientOption
	if cfg.Credentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Credentials))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	client, err := translate.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &GoogleBackend{client: client}, nil
}

func (s *GoogleBackend) Name() string {
	return "google"
}

func (s *GoogleBackend) Complete(ctx context.Context, req Request) (string, error) {
	target, err := language.Parse(req.TargetLang)
	if err != nil {
		return "", fmt.Errorf("invalid target language: %w", err)
	}

	opts := &translate.Options{Format: translate.Text}
	if req.SourceLang != "" && req.SourceLang != "auto" {
		if source, err := language.Parse(req.SourceLang); err == nil {
			opts.Source = source
		}
	}

	translations, err := s.client.Translate(ctx, []string{req.Text}, target, opts)
	if err != nil {
		return "", classifyGoogleError(err)
	}
	if len(translations) == 0 {
		return "", &Error{Kind: KindTransient, Err: errors.New("no translation returned")}
	}
	return translations[0].Text, nil
}

func (s *GoogleBackend) Close() error {
	return s.client.Close()
}

func classifyGoogleError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return StatusError(gErr.Code, gErr.Header, err)
	}
	return &Error{Kind: KindOf(err), Err: err}
}
