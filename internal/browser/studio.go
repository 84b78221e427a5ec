package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/chromedp"

	"versebot/internal/metrics"
)

// Studio drives the music studio web UI to generate tracks from text prompts.
// It depends on a logged-in Chrome profile; run the login flow first.
type Studio struct {
	bridge      *Bridge
	baseURL     string
	maxAttempts int
	waitTimeout time.Duration
	logger      *slog.Logger
}

// StudioConfig configures the studio automation.
type StudioConfig struct {
	Bridge      *Bridge
	BaseURL     string
	MaxAttempts int
	WaitTimeout time.Duration // how long to wait for one track to render
	Logger      *slog.Logger
}

// Selectors for the studio's create page. The UI changes without notice;
// these are checked against the live site as of 2026-08.
const (
	studioPromptSel  = "textarea[placeholder*='song'], textarea[data-testid='prompt-input']"
	studioCreateSel  = "button[data-testid='create-button'], button[aria-label='Create']"
	studioTrackSel   = "a[href*='/song/']"
	studioPendingSel = "[data-testid='generation-pending'], .animate-pulse"
)

func NewStudio(cfg StudioConfig) *Studio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://suno.com"
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	return &Studio{
		bridge:      cfg.Bridge,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts: cfg.MaxAttempts,
		waitTimeout: cfg.WaitTimeout,
		logger:      cfg.Logger,
	}
}

// CreateTrack submits a prompt to the studio and returns the URL of the
// finished track. Retries the whole flow up to MaxAttempts times.
func (s *Studio) CreateTrack(ctx context.Context, prompt string) (string, error) {
	var url string
	attempt := 0

	op := func() error {
		attempt++
		s.logger.Info("creating studio track", "attempt", attempt, "max", s.maxAttempts)

		var err error
		url, err = s.createOnce(ctx, prompt)
		if err != nil {
			s.logger.Warn("track creation attempt failed", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(5*time.Second), uint64(s.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", fmt.Errorf("track creation failed after %d attempts: %w", attempt, err)
	}

	metrics.TracksTotal.Inc()
	s.logger.Info("studio track ready", "url", url)
	return url, nil
}

func (s *Studio) createOnce(ctx context.Context, prompt string) (string, error) {
	taskCtx, cancel := s.bridge.NewContext(ctx)
	defer cancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, s.waitTimeout+2*time.Minute)
	defer timeoutCancel()

	err := chromedp.Run(taskCtx,
		chromedp.Navigate(s.baseURL+"/create"),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(studioPromptSel, chromedp.ByQuery),
		chromedp.Sleep(1*time.Second),
		chromedp.Click(studioPromptSel, chromedp.ByQuery),
		chromedp.SendKeys(studioPromptSel, prompt, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(studioCreateSel, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}

	return s.waitForTrack(taskCtx)
}

// waitForTrack polls the page until generation completes or the wait timeout
// expires, then extracts the newest track link.
func (s *Studio) waitForTrack(ctx context.Context) (string, error) {
	deadline := time.Now().Add(s.waitTimeout)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("track not ready after %s", s.waitTimeout)
		}

		var pending bool
		err := chromedp.Run(ctx, chromedp.Evaluate(
			fmt.Sprintf(`document.querySelector(%q) !== null`, studioPendingSel), &pending))
		if err != nil {
			return "", fmt.Errorf("poll generation state: %w", err)
		}
		if pending {
			s.logger.Debug("track still rendering")
			continue
		}

		var href string
		err = chromedp.Run(ctx, chromedp.Evaluate(
			fmt.Sprintf(`
				(function() {
					var links = document.querySelectorAll(%q);
					if (links.length === 0) return '';
					return links[0].href || '';
				})()
			`, studioTrackSel), &href))
		if err != nil {
			return "", fmt.Errorf("extract track link: %w", err)
		}
		if href == "" {
			// Generation ended but no link yet, give the page another tick.
			continue
		}
		return href, nil
	}
}
