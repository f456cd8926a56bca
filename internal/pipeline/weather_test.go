package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hausdata/ingestd/internal/model"
)

const fullWeatherBody = `{
	"main": {"temp": 21.5, "feels_like": 20.1, "humidity": 64, "pressure": 1013},
	"weather": [{"main": "Clouds", "description": "scattered clouds"}],
	"wind": {"speed": 3.6, "deg": 220},
	"clouds": {"all": 40},
	"visibility": 10000,
	"name": "Portland",
	"sys": {"country": "US"},
	"coord": {"lat": 45.52, "lon": -122.68}
}`

func TestWeatherLookup_FullResponse(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(fullWeatherBody))
	}))
	defer srv.Close()

	we := NewWeatherEnricher(srv.URL, "secret-key", "", 2*time.Second, nil)
	data, err := we.Lookup(context.Background(), "Portland,US")
	if err != nil {
		t.Fatal(err)
	}

	q := "appid=secret-key&q=Portland%2CUS&units=metric"
	if gotQuery != q {
		t.Errorf("query = %q, want %q", gotQuery, q)
	}
	if temp, _ := data["temp_c"].AsFloat(); temp != 21.5 {
		t.Errorf("temp_c = %v, want 21.5", data["temp_c"])
	}
	if cond, _ := data["condition"].AsString(); cond != "Clouds" {
		t.Errorf("condition = %v, want Clouds", data["condition"])
	}
	if country, _ := data["country"].AsString(); country != "US" {
		t.Errorf("country = %v, want US", data["country"])
	}
	if vis, _ := data["visibility_m"].AsFloat(); vis != 10000 {
		t.Errorf("visibility_m = %v, want 10000", data["visibility_m"])
	}
}

func TestWeatherLookup_MissingFieldsDegradeGracefully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"main": {"temp": 5.0}, "name": "Oslo"}`))
	}))
	defer srv.Close()

	we := NewWeatherEnricher(srv.URL, "k", "", 2*time.Second, nil)
	data, err := we.Lookup(context.Background(), "Oslo")
	if err != nil {
		t.Fatal(err)
	}
	if temp, _ := data["temp_c"].AsFloat(); temp != 5.0 {
		t.Errorf("temp_c = %v, want 5.0", data["temp_c"])
	}
	for _, absent := range []string{"humidity_pct", "condition", "wind_speed_ms", "country"} {
		if _, ok := data[absent]; ok {
			t.Errorf("expected %s to be absent, got %v", absent, data[absent])
		}
	}
}

func TestWeatherLookup_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	we := NewWeatherEnricher(srv.URL, "bad", "", 2*time.Second, nil)
	if _, err := we.Lookup(context.Background(), "Berlin"); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestWeatherLookup_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	we := NewWeatherEnricher(srv.URL, "k", "", 2*time.Second, nil)
	if _, err := we.Lookup(context.Background(), "Lima"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWeatherLocationKey(t *testing.T) {
	we := NewWeatherEnricher("http://example.invalid", "k", "Fallbacktown", time.Second, nil)

	e := model.Event{Attributes: map[string]model.Value{"location": model.String("Lisbon")}}
	if key, ok := we.LocationKey(e); !ok || key != "Lisbon" {
		t.Errorf("LocationKey = %q, %v; want Lisbon, true", key, ok)
	}

	if key, ok := we.LocationKey(model.Event{}); !ok || key != "Fallbacktown" {
		t.Errorf("LocationKey fallback = %q, %v; want Fallbacktown, true", key, ok)
	}

	none := NewWeatherEnricher("http://example.invalid", "k", "", time.Second, nil)
	if _, ok := none.LocationKey(model.Event{}); ok {
		t.Error("expected no location key without default or attribute")
	}
}
