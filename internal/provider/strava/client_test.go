package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/fitsync/internal/provider"
)

func TestFetchActivitiesNormalizesDates(t *testing.T) {
	before := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	after := before.Add(-10 * 7 * 24 * time.Hour)

	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		fmt.Fprint(w, `[
			{"id": 9876543210123, "name": "Lunch Ride", "start_date": "2024-05-20T10:00:00Z", "start_date_local": "2024-05-20T12:00:00Z", "distance": 24012.5},
			{"id": 2, "name": "Run", "start_date": "2024-05-18T06:00:00Z", "start_date_local": "2024-05-18T08:00:00Z"}
		]`)
	}))
	defer srv.Close()

	client := NewClient(provider.NewHTTPSession(ProviderName, srv.Client()), WithBaseURL(srv.URL))
	got, err := client.FetchActivities(context.Background(), before, after)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "/athlete/activities", seen.URL.Path)
	require.Equal(t, strconv.FormatInt(before.Unix(), 10), seen.URL.Query().Get("before"))
	require.Equal(t, strconv.FormatInt(after.Unix(), 10), seen.URL.Query().Get("after"))
	require.Equal(t, int64(9876543210123), got[0].ID)
	require.Equal(t, time.Date(2024, time.May, 20, 10, 0, 0, 0, time.UTC), got[0].StartDate)
	require.Equal(t, time.Date(2024, time.May, 20, 12, 0, 0, 0, time.UTC), got[0].StartDateLocal)
	require.Equal(t, "Lunch Ride", got[0].Fields["name"])
	require.Equal(t, json.Number("24012.5"), got[0].Fields["distance"])
}

func TestFetchActivitiesFollowsPages(t *testing.T) {
	var pages, sizes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		sizes = append(sizes, r.URL.Query().Get("per_page"))
		switch page {
		case "1":
			fmt.Fprint(w, `[{"id":1,"start_date":"2024-01-03T00:00:00Z","start_date_local":"2024-01-03T00:00:00Z"},{"id":2,"start_date":"2024-01-02T00:00:00Z","start_date_local":"2024-01-02T00:00:00Z"}]`)
		default:
			fmt.Fprint(w, `[{"id":3,"start_date":"2024-01-01T00:00:00Z","start_date_local":"2024-01-01T00:00:00Z"}]`)
		}
	}))
	defer srv.Close()

	client := NewClient(provider.NewHTTPSession(ProviderName, srv.Client()), WithBaseURL(srv.URL), WithPerPage(2))
	got, err := client.FetchActivities(context.Background(), time.Now(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"1", "2"}, pages)
	require.Equal(t, []string{"2", "2"}, sizes)
}

func TestFetchActivitiesEmptyWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	client := NewClient(provider.NewHTTPSession(ProviderName, srv.Client()), WithBaseURL(srv.URL))
	got, err := client.FetchActivities(context.Background(), time.Now(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFetchActivitiesReturnsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Rate Limit Exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(provider.NewHTTPSession(ProviderName, srv.Client()), WithBaseURL(srv.URL))
	_, err := client.FetchActivities(context.Background(), time.Now(), time.Now().Add(-time.Hour))

	var transportErr *provider.TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, http.StatusTooManyRequests, transportErr.StatusCode)
	require.Equal(t, ProviderName, transportErr.Provider)
	require.Contains(t, transportErr.Body, "Rate Limit Exceeded")
}

func TestFetchActivitiesRejectsMalformedDates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1,"start_date":"yesterday","start_date_local":"2024-01-03T00:00:00Z"}]`)
	}))
	defer srv.Close()

	client := NewClient(provider.NewHTTPSession(ProviderName, srv.Client()), WithBaseURL(srv.URL))
	_, err := client.FetchActivities(context.Background(), time.Now(), time.Now().Add(-time.Hour))
	require.ErrorContains(t, err, "start_date")
}
