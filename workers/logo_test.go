package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"geo_ranker/models"
	"geo_ranker/services"
	"geo_ranker/storage"
)

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestFindLogo(t *testing.T) {
	base, _ := url.Parse("https://greenleaf.example/shop/")

	tests := []struct {
		name string
		html string
		want string
	}{
		{
			"og image wins",
			`<head><link rel="icon" href="/favicon.ico"><meta property="og:image" content="/img/brand.png"></head>`,
			"https://greenleaf.example/img/brand.png",
		},
		{
			"apple touch icon before favicon",
			`<head><link rel="shortcut icon" href="fav.ico"><link rel="apple-touch-icon" href="touch.png"></head>`,
			"https://greenleaf.example/shop/touch.png",
		},
		{
			"shortcut icon",
			`<head><link rel="shortcut icon" href="//cdn.example/fav.ico"></head>`,
			"https://cdn.example/fav.ico",
		},
		{
			"img with logo class",
			`<body><img class="site-logo" src="https://cdn.example/logo.svg"></body>`,
			"https://cdn.example/logo.svg",
		},
		{
			"data uri skipped",
			`<head><meta property="og:image" content="data:image/png;base64,AAAA"><link rel="icon" href="/i.png"></head>`,
			"https://greenleaf.example/i.png",
		},
		{"nothing", `<body><p>hello</p></body>`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindLogo(parseDoc(t, tt.html), base))
		})
	}
}

type fakeLogoSource struct {
	listings []models.Listing
	checked  []uuid.UUID
}

func (f *fakeLogoSource) MarkLogoChecked(ctx context.Context, id uuid.UUID) error {
	f.checked = append(f.checked, id)
	return nil
}

func (f *fakeLogoSource) ListingsMissingLogo(ctx context.Context, limit int) ([]models.Listing, error) {
	if limit < len(f.listings) {
		return f.listings[:limit], nil
	}
	return f.listings, nil
}

type fakeLogoWriter struct {
	logos map[uuid.UUID]string
}

func (f *fakeLogoWriter) UpdateLogo(ctx context.Context, id uuid.UUID, logoURL string) error {
	if f.logos == nil {
		f.logos = make(map[uuid.UUID]string)
	}
	f.logos[id] = logoURL
	return nil
}

type memObjects struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memObjects) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
		m.types = make(map[string]string)
	}
	m.objects[key] = b
	m.types[key] = contentType
	return nil
}

func (m *memObjects) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/with-logo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><meta property="og:image" content="/logo.png"></head></html>`)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body>no images</body></html>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\nfake-image"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func siteListings(base string) []models.Listing {
	return []models.Listing{
		{ID: uuid.New(), Slug: "with-logo", Website: base + "/with-logo"},
		{ID: uuid.New(), Slug: "plain", Website: base + "/plain"},
		{ID: uuid.New(), Slug: "broken", Website: base + "/broken"},
	}
}

func TestLogoEnricher_StoresDiscoveredURLWithoutBucket(t *testing.T) {
	srv := newSiteServer(t)
	listings := siteListings(srv.URL)
	writer := &fakeLogoWriter{}

	source := &fakeLogoSource{listings: listings}
	e := NewLogoEnricher(source, writer, srv.Client(), nil, 10, zaptest.NewLogger(t))
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, srv.URL+"/logo.png", writer.logos[listings[0].ID])
	assert.ElementsMatch(t, []uuid.UUID{listings[1].ID, listings[2].ID}, source.checked)
}

func TestLogoEnricher_MirrorsIntoObjectStore(t *testing.T) {
	srv := newSiteServer(t)
	listings := siteListings(srv.URL)[:1]
	writer := &fakeLogoWriter{}
	objects := &memObjects{}

	e := NewLogoEnricher(&fakeLogoSource{listings: listings}, writer, srv.Client(), objects, 10, zaptest.NewLogger(t))
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	require.Len(t, objects.objects, 1)
	for key, data := range objects.objects {
		assert.True(t, strings.HasPrefix(key, "logos/"))
		assert.True(t, strings.HasSuffix(key, ".png"))
		assert.Equal(t, "image/png", objects.types[key])
		assert.Contains(t, string(data), "fake-image")
		assert.Equal(t, "https://cdn.test/"+key, writer.logos[listings[0].ID])
	}
}

func TestLogoEnricher_MovesPastSitesWithoutLogo(t *testing.T) {
	srv := newSiteServer(t)
	ctx := context.Background()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "logos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))
	listings := services.NewListingService(store, zaptest.NewLogger(t))

	var withLogo *models.Listing
	for i, page := range []string{"/plain", "/plain", "/with-logo"} {
		if i == 2 {
			// oldest updated_at goes first, keep the logo site last
			time.Sleep(10 * time.Millisecond)
		}
		l, _, err := listings.UpsertPlace(ctx, models.PlaceRecord{
			ExternalID: fmt.Sprintf("site-%d", i),
			Name:       fmt.Sprintf("Shop %d", i),
			City:       "Denver",
			Website:    srv.URL + page,
		}, 0)
		require.NoError(t, err)
		withLogo = l
	}

	e := NewLogoEnricher(store, listings, srv.Client(), nil, 2, zaptest.NewLogger(t))

	first, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Updated)
	assert.Equal(t, 2, first.Skipped)

	second, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Updated)

	got, err := store.GetListing(ctx, withLogo.ID)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/logo.png", got.LogoURL)

	// only the two checked sites are left and they still come back
	pending, err := store.ListingsMissingLogo(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestImageExt(t *testing.T) {
	assert.Equal(t, ".jpg", imageExt("image/jpeg", "https://x/a"))
	assert.Equal(t, ".ico", imageExt("image/vnd.microsoft.icon", ""))
	assert.Equal(t, ".webp", imageExt("application/octet-stream", "https://x/brand.WEBP"))
	assert.Equal(t, ".img", imageExt("", "https://x/logo"))
}
