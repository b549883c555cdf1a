package workers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"geo_ranker/httputil"
	"geo_ranker/metrics"
	"geo_ranker/models"
	"geo_ranker/storage"
)

const maxLogoBytes = 2 << 20

// errNoLogo marks a page that was fetched fine but advertises no image.
var errNoLogo = errors.New("no logo found")

// LogoSource hands out listings without a logo, unchecked ones first.
// MarkLogoChecked records a visit that stored nothing so the next batch moves on.
type LogoSource interface {
	ListingsMissingLogo(ctx context.Context, limit int) ([]models.Listing, error)
	MarkLogoChecked(ctx context.Context, id uuid.UUID) error
}

type LogoWriter interface {
	UpdateLogo(ctx context.Context, id uuid.UUID, logoURL string) error
}

// LogoEnricher finds a logo on each listing's website. With an object store it
// mirrors the image so the listing does not hotlink the third-party site.
type LogoEnricher struct {
	source  LogoSource
	writer  LogoWriter
	client  *http.Client
	objects storage.ObjectStore
	batch   int
	log     *zap.Logger
}

// NewLogoEnricher builds the task. objects may be nil, in which case the
// discovered URL is stored as is.
func NewLogoEnricher(source LogoSource, writer LogoWriter, client *http.Client, objects storage.ObjectStore, batch int, log *zap.Logger) *LogoEnricher {
	if batch <= 0 {
		batch = 50
	}
	return &LogoEnricher{
		source:  source,
		writer:  writer,
		client:  client,
		objects: objects,
		batch:   batch,
		log:     log.Named("logos"),
	}
}

func (e *LogoEnricher) Run(ctx context.Context) (*models.TaskReport, error) {
	listings, err := e.source.ListingsMissingLogo(ctx, e.batch)
	if err != nil {
		return nil, err
	}

	report := &models.TaskReport{}
	e.log.Info("logo enrichment started", zap.Int("listings", len(listings)), zap.Bool("mirror", e.objects != nil))

	for _, l := range listings {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		logoURL, err := e.enrichOne(ctx, l)
		if err != nil && ctx.Err() == nil {
			e.markChecked(ctx, l)
		}
		switch {
		case errors.Is(err, errNoLogo):
			report.Skipped++
			metrics.TaskResults.WithLabelValues("logos", "skipped").Inc()
			e.log.Debug("no logo on site", zap.String("slug", l.Slug), zap.String("website", l.Website))
		case err != nil:
			report.Failed++
			metrics.TaskResults.WithLabelValues("logos", "failed").Inc()
			e.log.Warn("logo enrichment failed", zap.String("slug", l.Slug), zap.String("website", l.Website), zap.Error(err))
		default:
			report.Updated++
			metrics.TaskResults.WithLabelValues("logos", "updated").Inc()
			e.log.Debug("logo stored", zap.String("slug", l.Slug), zap.String("logo_url", logoURL))
		}
	}

	e.log.Info("logo enrichment finished",
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (e *LogoEnricher) markChecked(ctx context.Context, l models.Listing) {
	if err := e.source.MarkLogoChecked(ctx, l.ID); err != nil {
		e.log.Warn("could not mark logo checked", zap.String("slug", l.Slug), zap.Error(err))
	}
}

func (e *LogoEnricher) enrichOne(ctx context.Context, l models.Listing) (string, error) {
	found, err := e.discover(ctx, l.Website)
	if err != nil {
		return "", err
	}

	logoURL := found
	if e.objects != nil {
		if logoURL, err = e.mirror(ctx, found); err != nil {
			return "", err
		}
	}

	if err := e.writer.UpdateLogo(ctx, l.ID, logoURL); err != nil {
		return "", err
	}
	return logoURL, nil
}

func (e *LogoEnricher) discover(ctx context.Context, website string) (string, error) {
	base, err := url.Parse(website)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("bad website url %q", website)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httputil.SetBrowserHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	// redirects change the base relative links resolve against
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	logo := FindLogo(doc, base)
	if logo == "" {
		return "", errNoLogo
	}
	return logo, nil
}

var logoSelectors = []struct {
	selector string
	attr     string
}{
	{`meta[property="og:image"]`, "content"},
	{`link[rel="apple-touch-icon"]`, "href"},
	{`link[rel~="icon"]`, "href"},
	{`img[class*="logo"]`, "src"},
	{`img[src*="logo"]`, "src"},
}

// FindLogo returns the first image candidate in preference order, resolved
// against base. Empty when the page has none.
func FindLogo(doc *goquery.Document, base *url.URL) string {
	for _, s := range logoSelectors {
		var found string
		doc.Find(s.selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			v, ok := sel.Attr(s.attr)
			v = strings.TrimSpace(v)
			if !ok || v == "" || strings.HasPrefix(v, "data:") {
				return true
			}
			ref, err := url.Parse(v)
			if err != nil {
				return true
			}
			found = base.ResolveReference(ref).String()
			return false
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// mirror copies the image into the object store under a content hash.
func (e *LogoEnricher) mirror(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httputil.SetBrowserHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image status: %d", resp.StatusCode)
	}
	contentType := strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0])
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("not an image: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLogoBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxLogoBytes {
		return "", fmt.Errorf("image larger than %d bytes", maxLogoBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty image")
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	sum := sha256.Sum256(data)
	key := "logos/" + hex.EncodeToString(sum[:]) + imageExt(contentType, imageURL)
	if err := e.objects.Upload(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", err
	}
	return e.objects.PublicURL(key), nil
}

func imageExt(contentType, imageURL string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	case "image/x-icon", "image/vnd.microsoft.icon":
		return ".ico"
	}
	if u, err := url.Parse(imageURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return ".img"
}
