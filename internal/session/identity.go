package session

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Identity is the synthetic browser identity presented by one session. All
// fields are fixed at creation and held for the session's life; drifting
// mid-session is itself a detectable signal.
type Identity struct {
	UserAgent string
	ViewportW int
	ViewportH int
	Locale    string
	Timezone  string
	NoiseSeed int64
}

// Pools are deliberately independent so the joint distribution does not
// collapse to a handful of recognizable tuples.
var (
	userAgentPool = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	}
	viewportPool = [][2]int{
		{1920, 1080},
		{1680, 1050},
		{1536, 864},
		{1440, 900},
		{1366, 768},
	}
	localePool   = []string{"en-US", "en-GB", "en-CA", "de-DE", "fr-FR"}
	timezonePool = []string{
		"America/New_York",
		"America/Chicago",
		"America/Los_Angeles",
		"Europe/London",
		"Europe/Berlin",
	}
)

// NewIdentity draws one value from each pool.
func NewIdentity() Identity {
	vp := viewportPool[rand.IntN(len(viewportPool))]
	return Identity{
		UserAgent: userAgentPool[rand.IntN(len(userAgentPool))],
		ViewportW: vp[0],
		ViewportH: vp[1],
		Locale:    localePool[rand.IntN(len(localePool))],
		Timezone:  timezonePool[rand.IntN(len(timezonePool))],
		NoiseSeed: rand.Int64(),
	}
}

// apply returns the chromedp tasks that pin the identity onto a fresh
// browser context before any task navigation happens.
func (id Identity) apply() chromedp.Tasks {
	return chromedp.Tasks{
		emulation.SetUserAgentOverride(id.UserAgent).
			WithAcceptLanguage(id.Locale),
		emulation.SetDeviceMetricsOverride(int64(id.ViewportW), int64(id.ViewportH), 1.0, false),
		emulation.SetTimezoneOverride(id.Timezone),
		emulation.SetLocaleOverride().WithLocale(id.Locale),
		injectRenderNoise(id.NoiseSeed),
	}
}

// injectRenderNoise perturbs canvas readbacks with a per-session constant
// offset so two sessions never share a rendering fingerprint.
func injectRenderNoise(seed int64) chromedp.Action {
	script := fmt.Sprintf(`(() => {
  const offset = %d %% 7 + 1;
  const orig = HTMLCanvasElement.prototype.toDataURL;
  HTMLCanvasElement.prototype.toDataURL = function (...args) {
    const ctx = this.getContext('2d');
    if (ctx && this.width > 0 && this.height > 0) {
      const d = ctx.getImageData(0, 0, 1, 1);
      d.data[0] = (d.data[0] + offset) %% 256;
      ctx.putImageData(d, 0, 0);
    }
    return orig.apply(this, args);
  };
})();`, seed)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	})
}
