package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hausdata/ingestd/internal/httpkit"
	"github.com/hausdata/ingestd/internal/model"
)

// WeatherEnricher implements Enricher against an HTTP weather provider:
// GET <url>?q=<location>&appid=<key>&units=metric, JSON response. Every
// response field is optional; whatever is present is flattened into
// enrichment attributes and the rest is simply absent.
type WeatherEnricher struct {
	endpoint        string
	apiKey          string
	defaultLocation string
	client          *http.Client
	logger          *slog.Logger
}

// NewWeatherEnricher builds an enricher against endpoint. timeout
// bounds a single lookup call; defaultLocation is used for events that
// carry no location attribute of their own.
func NewWeatherEnricher(endpoint, apiKey, defaultLocation string, timeout time.Duration, logger *slog.Logger) *WeatherEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeatherEnricher{
		endpoint:        endpoint,
		apiKey:          apiKey,
		defaultLocation: defaultLocation,
		client:          httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:          logger,
	}
}

func (w *WeatherEnricher) Name() string { return "weather" }

// LocationKey prefers an event's own location attribute, falling back
// to the configured default. Events with neither are not enriched.
func (w *WeatherEnricher) LocationKey(e model.Event) (string, bool) {
	if loc, ok := e.Attr("location").AsString(); ok && loc != "" {
		return loc, true
	}
	if w.defaultLocation != "" {
		return w.defaultLocation, true
	}
	return "", false
}

// weatherResponse mirrors the provider's JSON shape. Pointer fields
// distinguish absent from zero so a missing reading is not attached as
// a spurious 0.
type weatherResponse struct {
	Main *struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Humidity  *float64 `json:"humidity"`
		Pressure  *float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind *struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Clouds *struct {
		All *float64 `json:"all"`
	} `json:"clouds"`
	Visibility *float64 `json:"visibility"`
	Name       string   `json:"name"`
	Sys        *struct {
		Country string `json:"country"`
	} `json:"sys"`
	Coord *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
}

// Lookup fetches current conditions for key and flattens them into
// enrichment attributes (temp_c, humidity_pct, condition, ...).
func (w *WeatherEnricher) Lookup(ctx context.Context, key string) (map[string]model.Value, error) {
	q := url.Values{}
	q.Set("q", key)
	q.Set("appid", w.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("weather: build request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: lookup %q: %w", key, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: lookup %q returned status %d: %s",
			key, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var wr weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("weather: decode response for %q: %w", key, err)
	}
	return flattenWeather(wr), nil
}

func flattenWeather(wr weatherResponse) map[string]model.Value {
	out := make(map[string]model.Value, 14)
	setF := func(k string, f *float64) {
		if f != nil {
			out[k] = model.Float(*f)
		}
	}
	if wr.Main != nil {
		setF("temp_c", wr.Main.Temp)
		setF("feels_like_c", wr.Main.FeelsLike)
		setF("humidity_pct", wr.Main.Humidity)
		setF("pressure_hpa", wr.Main.Pressure)
	}
	if len(wr.Weather) > 0 {
		if wr.Weather[0].Main != "" {
			out["condition"] = model.String(wr.Weather[0].Main)
		}
		if wr.Weather[0].Description != "" {
			out["description"] = model.String(wr.Weather[0].Description)
		}
	}
	if wr.Wind != nil {
		setF("wind_speed_ms", wr.Wind.Speed)
		setF("wind_deg", wr.Wind.Deg)
	}
	if wr.Clouds != nil {
		setF("cloud_cover_pct", wr.Clouds.All)
	}
	setF("visibility_m", wr.Visibility)
	if wr.Name != "" {
		out["location"] = model.String(wr.Name)
	}
	if wr.Sys != nil && wr.Sys.Country != "" {
		out["country"] = model.String(wr.Sys.Country)
	}
	if wr.Coord != nil {
		setF("lat", wr.Coord.Lat)
		setF("lon", wr.Coord.Lon)
	}
	return out
}
