package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds every knob of the browser session. Values come from the
// configuration provider and are immutable for the life of the session.
type Config struct {
	URL           string
	FrameSelector string
	UserAgent     string
	Headless      bool
	NavTimeout    time.Duration
	// SettleWait is the pause between scroll iterations while waiting for
	// incremental content to load.
	SettleWait time.Duration
	// MaxScrollIterations caps the scroll loop so a stalled render cannot
	// spin forever.
	MaxScrollIterations int
	// PageSize and MaxPages bound the publish-API pagination per scope.
	PageSize int
	MaxPages int
	// RequestQPS paces in-page publish-API requests.
	RequestQPS float64
}

// Session owns one headless browser for an entire acquisition run. It is a
// single shared stateful resource: callers drive it strictly sequentially.
type Session struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	cfg           Config
	limiter       *rate.Limiter
	logger        *zap.Logger
}

// NewSession launches the browser and warms it up. Close must be called on
// every exit path; the chromedp allocator holds OS resources.
func NewSession(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("portal url is required")
	}
	if cfg.FrameSelector == "" {
		cfg.FrameSelector = "#MF"
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestQPS), 1)
	}

	return &Session{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (s *Session) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.browserCancel()
	s.allocCancel()
	select {
	case <-ctx.Done():
	default:
	}
	return nil
}

// Open navigates to the portal and waits until the nested data frame is
// interactive. A deadline here is transient (the portal is slow or the
// network stalled); a loaded page without the frame is structural.
func (s *Session) Open(ctx context.Context) error {
	navCtx, cancel := s.deadline(ctx)
	defer cancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(s.cfg.URL),
		chromedp.WaitReady(s.cfg.FrameSelector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", s.cfg.URL, s.timeoutErr(ctx, err))
	}

	// The frame bootstraps its area metadata asynchronously; rows cannot be
	// requested before it lands. Missing the deadline here is the portal
	// being slow, not the page having changed shape.
	ready, err := s.pollFrame(ctx, "Array.isArray(w._TopAreaInfo) && w._TopAreaInfo.length > 0")
	if err != nil {
		return fmt.Errorf("wait for area metadata: %w", err)
	}
	if !ready {
		return fmt.Errorf("frame %s area metadata not ready within %s: %w", s.cfg.FrameSelector, s.navTimeout(), ErrTimeout)
	}
	return nil
}

// CaptureHTML returns the rendered frame document for diagnostic snapshots.
func (s *Session) CaptureHTML(ctx context.Context) ([]byte, error) {
	var html string
	if err := s.evalFrame(ctx, "d.documentElement.outerHTML", &html); err != nil {
		return nil, fmt.Errorf("capture frame html: %w", err)
	}
	return []byte(html), nil
}

// deadline derives the navigation-bounded context all browser work runs
// under, forwarding cancellation from the caller.
func (s *Session) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	taskCtx, cancelTask := context.WithTimeout(s.browserCtx, s.navTimeout())
	stop := forwardCancel(ctx, cancelTask)
	return taskCtx, func() {
		stop()
		cancelTask()
	}
}

func (s *Session) navTimeout() time.Duration {
	if s.cfg.NavTimeout > 0 {
		return s.cfg.NavTimeout
	}
	return 30 * time.Second
}

// evalFrame evaluates a JS expression inside the data frame. The expression
// sees `w` (the frame window) and `d` (the frame document); promises are
// awaited so async fetch replays work.
func (s *Session) evalFrame(ctx context.Context, body string, out any) error {
	taskCtx, cancel := s.deadline(ctx)
	defer cancel()

	expr := frameExpr(s.cfg.FrameSelector, body)
	err := chromedp.Run(taskCtx, chromedp.Evaluate(expr, out,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		},
	))
	if err != nil {
		return s.timeoutErr(ctx, err)
	}
	return nil
}

// timeoutErr separates expiry of the session's internal deadline from the
// caller's context ending. Only the former becomes ErrTimeout; the caller's
// own error passes through so it stops the run instead of being retried.
func (s *Session) timeoutErr(ctx context.Context, err error) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("deadline %s elapsed: %w", s.navTimeout(), ErrTimeout)
	}
	return err
}

// pollFrame repeatedly evaluates a boolean expression in the frame until it
// becomes true or the navigation deadline expires. The false return with nil
// error means the deadline passed without the condition holding.
func (s *Session) pollFrame(ctx context.Context, cond string) (bool, error) {
	deadline := time.Now().Add(s.navTimeout())
	for {
		var ok bool
		err := s.evalFrame(ctx, cond, &ok)
		if err == nil && ok {
			return true, nil
		}
		if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
			return false, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func frameExpr(frameSelector, body string) string {
	return fmt.Sprintf(
		`(() => {
	const f = document.querySelector(%q);
	if (!f || !f.contentWindow) { return null; }
	const w = f.contentWindow;
	const d = w.document;
	return (%s);
})()`, frameSelector, body)
}

// forwardCancel propagates cancellation of parent into cancel without tying
// the task context's lifetime to it.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
