package httputil

import (
	"net/http"
	"time"
)

const userAgent = "geo_ranker/1.0 (+listing directory sync)"

type Clients struct {
	API *http.Client // places directory, JSON
	Web *http.Client // listing websites and logo images
}

func NewClients(apiTimeout time.Duration) *Clients {
	if apiTimeout <= 0 {
		apiTimeout = 30 * time.Second
	}

	web := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Clients{
		API: &http.Client{Timeout: apiTimeout},
		Web: web,
	}
}

// SetBrowserHeaders makes requests to listing websites look like a regular visit.
func SetBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}

func SetAPIHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
}
