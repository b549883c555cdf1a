package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"geo_ranker/apperr"
	"geo_ranker/config"
	"geo_ranker/httputil"
	"geo_ranker/metrics"
	"geo_ranker/models"
)

const detailFields = "place_id,name,formatted_address,formatted_phone_number,website,opening_hours,rating,user_ratings_total,photos,address_components"

// PlacesClient talks to a Google-Places-style nearby search and details API.
// It does not pace itself; callers wait on a Pacer per logical operation.
type PlacesClient struct {
	baseURL   string
	apiKey    string
	keyword   string
	placeType string
	client    *http.Client
	log       *zap.Logger
}

func NewPlacesClient(cfg config.DirectoryConfig, client *http.Client, log *zap.Logger) *PlacesClient {
	if client == nil {
		client = httputil.NewClients(cfg.Timeout).API
	}
	return &PlacesClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		keyword:   cfg.Keyword,
		placeType: cfg.PlaceType,
		client:    client,
		log:       log.Named("places"),
	}
}

func (c *PlacesClient) SearchNearby(ctx context.Context, center models.LatLng, radiusMeters int, pageToken string) ([]models.PlaceRecord, string, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	if pageToken != "" {
		q.Set("pagetoken", pageToken)
	} else {
		q.Set("location", fmt.Sprintf("%.6f,%.6f", center.Lat, center.Lng))
		q.Set("radius", strconv.Itoa(radiusMeters))
		if c.keyword != "" {
			q.Set("keyword", c.keyword)
		}
		if c.placeType != "" {
			q.Set("type", c.placeType)
		}
	}

	var resp nearbyResponse
	if err := c.get(ctx, "nearbysearch", q, &resp); err != nil {
		return nil, "", err
	}
	if err := checkStatus(resp.Status, resp.ErrorMessage); err != nil {
		return nil, "", err
	}

	records := make([]models.PlaceRecord, 0, len(resp.Results))
	for _, p := range resp.Results {
		if p.PlaceID == "" {
			continue
		}
		records = append(records, c.toRecord(p))
	}

	c.log.Debug("nearby search page",
		zap.Int("results", len(records)),
		zap.Bool("has_next", resp.NextPageToken != ""))

	return records, resp.NextPageToken, nil
}

func (c *PlacesClient) GetDetails(ctx context.Context, externalID string) (*models.DetailRecord, error) {
	if externalID == "" {
		return nil, apperr.Validation("external_id", "required")
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("place_id", externalID)
	q.Set("fields", detailFields)

	var resp detailsResponse
	if err := c.get(ctx, "details", q, &resp); err != nil {
		return nil, err
	}
	if err := checkStatus(resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}
	if resp.Status == "ZERO_RESULTS" || resp.Result.PlaceID == "" && resp.Result.Name == "" {
		return nil, apperr.External(http.StatusNotFound, "place %s not found", externalID)
	}

	r := resp.Result
	detail := &models.DetailRecord{
		ExternalID:  externalID,
		Name:        r.Name,
		Street:      streetFrom(r.FormattedAddress),
		City:        componentCity(r.AddressComponents),
		Phone:       r.FormattedPhoneNumber,
		Website:     r.Website,
		Hours:       r.OpeningHours.toHours(),
		Photos:      c.photoURLs(r.Photos),
		Rating:      r.Rating,
		ReviewCount: r.UserRatingsTotal,
	}
	if detail.Street == "" {
		detail.Street = componentStreet(r.AddressComponents)
	}
	if detail.City == "" {
		detail.City = cityFrom(r.FormattedAddress)
	}
	return detail, nil
}

func (c *PlacesClient) get(ctx context.Context, endpoint string, q url.Values, out interface{}) error {
	reqURL := fmt.Sprintf("%s/%s/json?%s", c.baseURL, endpoint, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	httputil.SetAPIHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.DirectoryRequests.WithLabelValues(endpoint, "transport_error").Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.External(0, "%s request failed: %v", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		metrics.DirectoryRequests.WithLabelValues(endpoint, "http_"+strconv.Itoa(resp.StatusCode)).Inc()
		return apperr.External(resp.StatusCode, "%s: %s", endpoint, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.DirectoryRequests.WithLabelValues(endpoint, "malformed").Inc()
		return apperr.External(resp.StatusCode, "%s: malformed response: %v", endpoint, err)
	}

	metrics.DirectoryRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// checkStatus maps the provider status carried inside a 200 body.
func checkStatus(status, message string) error {
	switch status {
	case "OK", "ZERO_RESULTS":
		return nil
	case "OVER_QUERY_LIMIT":
		return apperr.External(http.StatusTooManyRequests, "%s: %s", status, message)
	case "NOT_FOUND":
		return apperr.External(http.StatusNotFound, "%s: %s", status, message)
	case "":
		return apperr.External(http.StatusBadGateway, "missing status in response")
	default:
		return apperr.External(http.StatusBadRequest, "%s: %s", status, message)
	}
}

func (c *PlacesClient) toRecord(p placeResult) models.PlaceRecord {
	address := p.Vicinity
	city := lastSegment(p.Vicinity)
	if address == "" {
		address = p.FormattedAddress
		city = cityFrom(p.FormattedAddress)
	}

	rec := models.PlaceRecord{
		ExternalID:  p.PlaceID,
		Name:        strings.TrimSpace(p.Name),
		Street:      streetFrom(address),
		City:        city,
		Phone:       p.FormattedPhoneNumber,
		Website:     p.Website,
		Photos:      c.photoURLs(p.Photos),
		Hours:       p.OpeningHours.toHours(),
		Rating:      p.Rating,
		ReviewCount: p.UserRatingsTotal,
	}
	if p.Geometry != nil {
		lat, lng := p.Geometry.Location.Lat, p.Geometry.Location.Lng
		rec.Lat = &lat
		rec.Lng = &lng
	}
	return rec
}

// photoURLs builds photo links without the API key; the key is appended when served.
func (c *PlacesClient) photoURLs(photos []placePhoto) []string {
	var urls []string
	for _, p := range photos {
		if p.PhotoReference == "" {
			continue
		}
		urls = append(urls, fmt.Sprintf("%s/photo?maxwidth=800&photo_reference=%s", c.baseURL, url.QueryEscape(p.PhotoReference)))
	}
	return urls
}

func splitAddress(addr string) []string {
	var parts []string
	for _, p := range strings.Split(addr, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func streetFrom(addr string) string {
	parts := splitAddress(addr)
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

// cityFrom reads "street, city, ST 00000, Country".
func cityFrom(addr string) string {
	parts := splitAddress(addr)
	if len(parts) >= 3 {
		return parts[len(parts)-3]
	}
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

func lastSegment(addr string) string {
	parts := splitAddress(addr)
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// componentCity picks the most specific place name the provider tags as a town.
func componentCity(components []addressComponent) string {
	for _, want := range []string{"locality", "postal_town", "sublocality", "administrative_area_level_3"} {
		for _, c := range components {
			if slices.Contains(c.Types, want) {
				return c.LongName
			}
		}
	}
	return ""
}

func componentStreet(components []addressComponent) string {
	var number, route string
	for _, c := range components {
		switch {
		case slices.Contains(c.Types, "street_number"):
			number = c.LongName
		case slices.Contains(c.Types, "route"):
			route = c.ShortName
		}
	}
	if route == "" {
		return ""
	}
	return strings.TrimSpace(number + " " + route)
}

type nearbyResponse struct {
	Results       []placeResult `json:"results"`
	NextPageToken string        `json:"next_page_token"`
	Status        string        `json:"status"`
	ErrorMessage  string        `json:"error_message"`
}

type detailsResponse struct {
	Result       placeResult `json:"result"`
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message"`
}

type placeResult struct {
	PlaceID              string             `json:"place_id"`
	Name                 string             `json:"name"`
	Vicinity             string             `json:"vicinity"`
	FormattedAddress     string             `json:"formatted_address"`
	FormattedPhoneNumber string             `json:"formatted_phone_number"`
	Website              string             `json:"website"`
	Rating               *float64           `json:"rating"`
	UserRatingsTotal     int                `json:"user_ratings_total"`
	Photos               []placePhoto       `json:"photos"`
	OpeningHours         *openingHours      `json:"opening_hours"`
	AddressComponents    []addressComponent `json:"address_components"`
	Geometry             *struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

type addressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

type placePhoto struct {
	PhotoReference string `json:"photo_reference"`
}

type openingHours struct {
	WeekdayText []string `json:"weekday_text"`
	Periods     []struct {
		Open  models.DayTime  `json:"open"`
		Close *models.DayTime `json:"close"`
	} `json:"periods"`
}

func (o *openingHours) toHours() *models.Hours {
	if o == nil || (len(o.WeekdayText) == 0 && len(o.Periods) == 0) {
		return nil
	}
	h := &models.Hours{WeekdayText: o.WeekdayText}
	for _, p := range o.Periods {
		h.Periods = append(h.Periods, models.HoursPeriod{Open: p.Open, Close: p.Close})
	}
	return h
}
