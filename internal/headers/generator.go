package headers

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	http "github.com/bogdanfinn/fhttp"
)

type viewport struct {
	Width      int
	Height     int
	PixelRatio float64
}

type clientHints struct {
	EffectiveType string
	Downlink      float64
	RTT           int
	SaveData      string
}

// Profile is one plausible browser identity. Profiles are pooled and reused
// so a UA string shows up with the same companion headers every time.
type Profile struct {
	ua           string
	secCHUA      string
	viewport     viewport
	hints        clientHints
	acceptIdx    int
	langIdx      int
	encIdx       int
	cacheIdx     int
	memIdx       int
	refererIdx   int
	viewportProb []float64
	hintsProb    []float64
	memProb      float64
}

var (
	acceptOpts = []string{
		"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	}
	encOpts = []string{
		"gzip, deflate, br",
		"gzip, deflate, br, zstd",
		"br, gzip, deflate",
	}
	langOpts = []string{
		"en-US,en;q=0.9",
		"en-US,en;q=0.8",
		"en-GB,en;q=0.9,en-US;q=0.8",
		"en-CA,en;q=0.9,en-US;q=0.8",
		"en,en-US;q=0.9",
		"en-US,en;q=0.9,es;q=0.8",
		"en-US",
	}
	cacheOpts = []string{
		"max-age=0",
		"no-cache",
		"",
	}
	refererOpts = []string{
		"",
		"https://www.tiktok.com/",
		"https://www.google.com/",
		"https://www.tiktok.com/explore",
	}
	memOpts = []string{"2", "4", "8"}

	headerOrder = []string{
		"Accept",
		"Accept-Language",
		"Accept-Encoding",
		"User-Agent",
		"Sec-CH-UA",
		"Sec-CH-UA-Mobile",
		"Sec-CH-UA-Platform",
		"Upgrade-Insecure-Requests",
		"Sec-Fetch-Site",
		"Sec-Fetch-Mode",
		"Sec-Fetch-User",
		"Sec-Fetch-Dest",
		"Sec-CH-Viewport-Width",
		"Sec-CH-DPR",
		"Sec-CH-UA-Netinfo",
		"Sec-CH-UA-Downlink",
		"Sec-CH-UA-RTT",
		"Save-Data",
		"Device-Memory",
		"Cache-Control",
		"Referer",
		"Priority",
	}
)

var (
	poolMu      sync.RWMutex
	profilePool = newPool()
)

func newPool() *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			return generateProfile()
		},
	}
}

func randomBuildToken(n int) string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

func generateRandomViewport() viewport {
	w := rand.Intn(80) + 360
	h := rand.Intn(276) + 640
	dprChoices := []float64{2, 2.5, 3, 3.5}
	return viewport{Width: w, Height: h, PixelRatio: dprChoices[rand.Intn(len(dprChoices))]}
}

func generateClientHints() clientHints {
	effOpts := []string{"3g", "4g", "4g", ""}
	saveOpts := []string{"on", "", "", ""}
	return clientHints{
		EffectiveType: effOpts[rand.Intn(len(effOpts))],
		Downlink:      rand.Float64()*9.9 + 0.1,
		RTT:           rand.Intn(251) + 50,
		SaveData:      saveOpts[rand.Intn(len(saveOpts))],
	}
}

func generateRandomUA() string {
	androidVer := rand.Intn(6) + 10

	switch rand.Intn(5) {
	case 0: // Android Chrome
		return fmt.Sprintf(
			"Mozilla/5.0 (Linux; Android %d; K) AppleWebKit/537.36 (KHTML, like Gecko) "+
				"Chrome/%d.0.0.0 Mobile Safari/537.36",
			androidVer, rand.Intn(11)+120,
		)
	case 1: // iOS Safari
		maj := rand.Intn(4) + 15
		min := rand.Intn(6)
		return fmt.Sprintf(
			"Mozilla/5.0 (iPhone; CPU iPhone OS %d_%d like Mac OS X) "+
				"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%d.%d Mobile/15E148 Safari/604.1",
			maj, min, maj, min,
		)
	case 2: // Samsung Internet
		return fmt.Sprintf(
			"Mozilla/5.0 (Linux; Android %d; SAMSUNG SM-G%03d) "+
				"AppleWebKit/537.36 (KHTML, like Gecko) SamsungBrowser/%d.0 "+
				"Chrome/%d.0.0.0 Mobile Safari/537.36",
			androidVer, rand.Intn(80)+900, rand.Intn(7)+20, rand.Intn(11)+120,
		)
	case 3: // Windows Chrome
		return fmt.Sprintf(
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
				"(KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
			rand.Intn(11)+120,
		)
	default: // macOS Chrome
		return fmt.Sprintf(
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_%d) AppleWebKit/537.36 "+
				"(KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36 Build/%s",
			rand.Intn(8), rand.Intn(11)+120, randomBuildToken(5),
		)
	}
}

func generateSecCHUA(ua string) string {
	idx := strings.Index(ua, "Chrome/")
	if idx == -1 {
		return ""
	}
	ver := ua[idx+7:]
	if j := strings.Index(ver, "."); j != -1 {
		ver = ver[:j]
	}
	return fmt.Sprintf(
		`"Not:A-Brand";v="24", "Chromium";v="%s", "Google Chrome";v="%s"`,
		ver, ver,
	)
}

func platformFor(ua string) string {
	switch {
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iPhone"):
		return "iOS"
	case strings.Contains(ua, "Windows"):
		return "Windows"
	default:
		return "macOS"
	}
}

func generateProfile() Profile {
	ua := generateRandomUA()

	viewportProbs := make([]float64, 2)
	for i := range viewportProbs {
		viewportProbs[i] = rand.Float64()
	}

	hintsProbs := make([]float64, 3)
	for i := range hintsProbs {
		hintsProbs[i] = rand.Float64()
	}

	return Profile{
		ua:           ua,
		secCHUA:      generateSecCHUA(ua),
		viewport:     generateRandomViewport(),
		hints:        generateClientHints(),
		acceptIdx:    rand.Intn(len(acceptOpts)),
		langIdx:      rand.Intn(len(langOpts)),
		encIdx:       rand.Intn(len(encOpts)),
		cacheIdx:     rand.Intn(len(cacheOpts)),
		memIdx:       rand.Intn(len(memOpts)),
		refererIdx:   rand.Intn(len(refererOpts)),
		viewportProb: viewportProbs,
		hintsProb:    hintsProbs,
		memProb:      rand.Float64(),
	}
}

// BuildHeaders returns headers for a top-level page navigation, as a browser
// would send when opening a profile link.
func BuildHeaders() http.Header {
	poolMu.RLock()
	pool := profilePool
	poolMu.RUnlock()

	profile := pool.Get().(Profile)
	defer pool.Put(profile)

	h := http.Header{}
	h.Set("Accept", acceptOpts[profile.acceptIdx])
	h.Set("Accept-Language", langOpts[profile.langIdx])
	h.Set("Accept-Encoding", encOpts[profile.encIdx])
	h.Set("User-Agent", profile.ua)

	// Only Chromium sends client hints.
	if profile.secCHUA != "" {
		h.Set("Sec-CH-UA", profile.secCHUA)
		if strings.Contains(profile.ua, "Mobile") {
			h.Set("Sec-CH-UA-Mobile", "?1")
		} else {
			h.Set("Sec-CH-UA-Mobile", "?0")
		}
		h.Set("Sec-CH-UA-Platform", `"`+platformFor(profile.ua)+`"`)

		if profile.viewportProb[0] < 0.5 {
			h.Set("Sec-CH-Viewport-Width", strconv.Itoa(profile.viewport.Width))
		}
		if profile.viewportProb[1] < 0.5 {
			h.Set("Sec-CH-DPR", fmt.Sprintf("%.1f", profile.viewport.PixelRatio))
		}
		if profile.hints.EffectiveType != "" && profile.hintsProb[0] < 0.4 {
			h.Set("Sec-CH-UA-Netinfo", profile.hints.EffectiveType)
		}
		if profile.hintsProb[1] < 0.3 {
			h.Set("Sec-CH-UA-Downlink", fmt.Sprintf("%.1f", profile.hints.Downlink))
		}
		if profile.hintsProb[2] < 0.3 {
			h.Set("Sec-CH-UA-RTT", strconv.Itoa(profile.hints.RTT))
		}
		if profile.memProb < 0.3 {
			h.Set("Device-Memory", memOpts[profile.memIdx])
		}
	}

	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Priority", "u=0, i")

	if ref := refererOpts[profile.refererIdx]; ref != "" {
		h.Set("Referer", ref)
		if strings.HasPrefix(ref, "https://www.tiktok.com") {
			h.Set("Sec-Fetch-Site", "same-origin")
		} else {
			h.Set("Sec-Fetch-Site", "cross-site")
		}
	} else {
		h.Set("Sec-Fetch-Site", "none")
	}

	if cc := cacheOpts[profile.cacheIdx]; cc != "" {
		h.Set("Cache-Control", cc)
	}
	if profile.hints.SaveData == "on" {
		h.Set("Save-Data", "on")
	}

	h[http.HeaderOrderKey] = headerOrder

	return h
}

// InitProfilePool pre-generates count profiles.
func InitProfilePool(count int) {
	poolMu.RLock()
	pool := profilePool
	poolMu.RUnlock()

	for i := 0; i < count; i++ {
		pool.Put(generateProfile())
	}
}

// ResetProfilePool discards every pooled profile.
func ResetProfilePool() {
	poolMu.Lock()
	profilePool = newPool()
	poolMu.Unlock()
}
