// Package metadata enriches recorded shows with rating, overview and
// genre data fetched from TMDB. Enrichment is reporting-only and never
// feeds back into novelty decisions.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"davscan/internal/store"
)

const defaultBaseURL = "https://api.themoviedb.org/3"

// Fetcher queries the TMDB TV search and detail endpoints.
type Fetcher struct {
	apiKey  string
	baseURL string
	http    *http.Client
	log     *logrus.Logger
}

// NewFetcher creates a fetcher. The API key is required.
func NewFetcher(apiKey string, log *logrus.Logger) (*Fetcher, error) {
	if apiKey == "" {
		return nil, errors.New("metadata: TMDB API key is required")
	}
	return &Fetcher{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}, nil
}

type searchPayload struct {
	Results []struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		Overview string `json:"overview"`
	} `json:"results"`
}

type detailPayload struct {
	Name        string   `json:"name"`
	Overview    string   `json:"overview"`
	VoteAverage *float64 `json:"vote_average"`
	Genres      []struct {
		Name string `json:"name"`
	} `json:"genres"`
}

// Fetch looks a show up by title. Language candidates are tried in
// order until one yields usable data; ok is false when TMDB knows
// nothing about the title.
func (f *Fetcher) Fetch(ctx context.Context, title, lang string) (store.ShowMetadata, bool, error) {
	if title == "" {
		return store.ShowMetadata{}, false, nil
	}

	for _, code := range languageCandidates(lang) {
		var search searchPayload
		err := f.get(ctx, "search/tv", url.Values{
			"query":         {title},
			"language":      {code},
			"page":          {"1"},
			"include_adult": {"false"},
		}, &search)
		if err != nil {
			return store.ShowMetadata{}, false, fmt.Errorf("TMDB search for %q: %w", title, err)
		}
		if len(search.Results) == 0 {
			continue
		}

		best := search.Results[0]
		if best.ID == 0 {
			continue
		}

		var detail detailPayload
		err = f.get(ctx, "tv/"+strconv.Itoa(best.ID), url.Values{
			"language": {code},
		}, &detail)
		if err != nil {
			return store.ShowMetadata{}, false, fmt.Errorf("TMDB detail for %q: %w", title, err)
		}

		md := store.ShowMetadata{
			Title:    firstNonEmpty(detail.Name, best.Name, title),
			Lang:     lang,
			Overview: firstNonEmpty(detail.Overview, best.Overview),
			Source:   "tmdb",
		}
		if detail.VoteAverage != nil {
			md.Rating = *detail.VoteAverage
			md.HasRating = true
		}
		for _, g := range detail.Genres {
			if g.Name != "" {
				md.Genres = append(md.Genres, g.Name)
			}
		}
		if md.Overview != "" || md.HasRating || len(md.Genres) > 0 {
			return md, true, nil
		}
	}

	f.log.Infof("TMDB has no metadata for %q", title)
	return store.ShowMetadata{}, false, nil
}

func (f *Fetcher) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("api_key", f.apiKey)
	reqURL := f.baseURL + "/" + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// languageCandidates maps a detected language label to the TMDB
// language codes worth trying, most preferred first.
func languageCandidates(lang string) []string {
	switch lang {
	case "日剧":
		return []string{"zh-CN", "ja-JP"}
	case "美剧":
		return []string{"zh-CN", "en-US"}
	default:
		return []string{"zh-CN", "en-US"}
	}
}

// DeriveTitle extracts the show name from its directory path.
func DeriveTitle(showPath string) string {
	trimmed := strings.TrimRight(showPath, "/")
	if trimmed == "" {
		return ""
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
