package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dumpwatch/libs/dedupe"
)

const (
	mapboxDefaultBaseURL    = "https://api.mapbox.com"
	nominatimDefaultBaseURL = "https://nominatim.openstreetmap.org"
)

// GeocodeResult represents the place found for coordinates
type GeocodeResult struct {
	Neighborhood string
	Address      string
	City         string
	PostalCode   string
}

// Label is the most precise human readable place name available.
func (r GeocodeResult) Label() string {
	for _, candidate := range []string{r.Neighborhood, r.Address, r.City} {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

// Geocoder abstraction for reverse lookups
type Geocoder interface {
	Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error)
}

// MapboxGeocoder implements Geocoder using Mapbox API v6
type MapboxGeocoder struct {
	AccessToken string
	Client      *http.Client
	BaseURL     string
}

func (g *MapboxGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if g.AccessToken == "" {
		return nil, errors.New("mapbox access token missing")
	}

	base := g.BaseURL
	if base == "" {
		base = mapboxDefaultBaseURL
	}
	query := url.Values{}
	query.Set("longitude", fmt.Sprintf("%f", lng))
	query.Set("latitude", fmt.Sprintf("%f", lat))
	query.Set("access_token", g.AccessToken)
	query.Set("types", "address,neighborhood,locality")
	query.Set("language", "fr")
	query.Set("limit", "1")
	u := strings.TrimRight(base, "/") + "/search/geocode/v6/reverse?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mapbox error (%d): %s", resp.StatusCode, string(body))
	}

	var data struct {
		Features []struct {
			Properties struct {
				FullAddress string `json:"full_address"`
				Context     struct {
					Neighborhood struct {
						Name string `json:"name"`
					} `json:"neighborhood"`
					Locality struct {
						Name string `json:"name"`
					} `json:"locality"`
					Place struct {
						Name string `json:"name"`
					} `json:"place"`
					Postcode struct {
						Name string `json:"name"`
					} `json:"postcode"`
				} `json:"context"`
			} `json:"properties"`
		} `json:"features"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	if len(data.Features) == 0 {
		return nil, nil
	}

	props := data.Features[0].Properties
	neighborhood := props.Context.Neighborhood.Name
	if neighborhood == "" {
		neighborhood = props.Context.Locality.Name
	}
	return &GeocodeResult{
		Neighborhood: neighborhood,
		Address:      props.FullAddress,
		City:         props.Context.Place.Name,
		PostalCode:   props.Context.Postcode.Name,
	}, nil
}

// NominatimGeocoder implements Geocoder using OSM Nominatim
// CAUTION: Requires User-Agent and has strict rate limits (1 req/sec)
type NominatimGeocoder struct {
	UserAgent string
	Client    *http.Client
	BaseURL   string
	mu        sync.Mutex
	lastCall  time.Time
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	g.mu.Lock()
	elapsed := time.Since(g.lastCall)
	if !g.lastCall.IsZero() && elapsed < time.Second {
		time.Sleep(time.Second - elapsed)
	}
	g.lastCall = time.Now()
	g.mu.Unlock()

	base := g.BaseURL
	if base == "" {
		base = nominatimDefaultBaseURL
	}
	u := fmt.Sprintf("%s/reverse?format=jsonv2&lat=%f&lon=%f&addressdetails=1&accept-language=fr", strings.TrimRight(base, "/"), lat, lng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.UserAgent)

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim error: %d", resp.StatusCode)
	}

	var data struct {
		Address struct {
			Neighbourhood string `json:"neighbourhood"`
			Quarter       string `json:"quarter"`
			Suburb        string `json:"suburb"`
			CityDistrict  string `json:"city_district"`
			Road          string `json:"road"`
			HouseNumber   string `json:"house_number"`
			City          string `json:"city"`
			Town          string `json:"town"`
			Village       string `json:"village"`
			Postcode      string `json:"postcode"`
		} `json:"address"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	city := firstNonEmpty(data.Address.City, data.Address.Town, data.Address.Village)
	neighborhood := firstNonEmpty(data.Address.Neighbourhood, data.Address.Quarter, data.Address.Suburb, data.Address.CityDistrict)

	addr := data.Address.Road
	if data.Address.HouseNumber != "" {
		addr = fmt.Sprintf("%s %s", data.Address.HouseNumber, addr)
	}

	if neighborhood == "" && addr == "" && city == "" {
		return nil, nil
	}

	return &GeocodeResult{
		Neighborhood: neighborhood,
		Address:      addr,
		City:         city,
		PostalCode:   data.Address.Postcode,
	}, nil
}

// FallbackGeocoder prioritizes first, falls back to second
type FallbackGeocoder struct {
	Primary   Geocoder
	Secondary Geocoder
}

func (g *FallbackGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	res, err := g.Primary.Geocode(ctx, lat, lng)
	if err != nil || res == nil {
		return g.Secondary.Geocode(ctx, lat, lng)
	}
	return res, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// backfillNeighborhood names the place of a report that was filed with
// coordinates but without a neighborhood.
func (a *App) backfillNeighborhood(ctx context.Context, reportID string) error {
	report, err := a.getReportByID(ctx, reportID)
	if err != nil {
		return err
	}
	if report == nil {
		return fmt.Errorf("report not found")
	}
	if !report.Location.HasCoordinates() {
		return nil
	}
	current := strings.TrimSpace(report.Location.Neighborhood)
	if current != "" && current != dedupe.UnknownNeighborhood {
		return nil
	}

	res, err := a.geocoder.Geocode(ctx, *report.Location.Latitude, *report.Location.Longitude)
	if err != nil {
		return err
	}
	if res == nil || res.Label() == "" {
		return nil
	}

	a.log.Info("geocoded report", "id", reportID, "neighborhood", res.Label(), "city", res.City)
	return a.updateReportNeighborhood(ctx, reportID, res.Label())
}

func (a *App) scheduleNeighborhoodBackfill(reportID string) {
	if a.geocoder == nil || a.db == nil {
		return
	}
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.backfillNeighborhood(ctx, id); err != nil {
			a.log.Error("background geocoding failed", "id", id, "err", err)
		}
	}(reportID)
}
