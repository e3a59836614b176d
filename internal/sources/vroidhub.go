package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coff33ninja/vrm-auto-scraper/internal/creds"
	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"

	"golang.org/x/oauth2"
)

const (
	vroidAPIBase    = "https://hub.vroid.com/api"
	vroidSiteBase   = "https://hub.vroid.com"
	vroidAPIVersion = "11"
	vroidLicenseURL = "https://hub.vroid.com/license"
)

// VRoidEndpoint is the OAuth2 endpoint for VRoid Hub.
var VRoidEndpoint = oauth2.Endpoint{
	AuthURL:  "https://hub.vroid.com/oauth/authorize",
	TokenURL: "https://hub.vroid.com/oauth/token",
}

// VRoidHub downloads VRM avatars from the VRoid Hub API. Requires an
// OAuth2 credential with refresh-token renewal; the external
// authorization flow must have stored one already.
type VRoidHub struct {
	refresher *creds.Refresher
	client    *Client
	base      string
	siteBase  string
}

// NewVRoidHub builds the adapter around a stored credential.
func NewVRoidHub(refresher *creds.Refresher, httpClient *http.Client, limiter *ratelimit.Registry) *VRoidHub {
	s := &VRoidHub{refresher: refresher, base: vroidAPIBase, siteBase: vroidSiteBase}
	s.client = NewClient(models.SourceVRoidHub, httpClient, limiter,
		func(ctx context.Context) (string, error) {
			tok, err := refresher.Token(ctx)
			if err != nil {
				return "", err
			}
			return "Bearer " + tok, nil
		},
		refresher.ForceRefresh,
		map[string]string{"X-Api-Version": vroidAPIVersion},
	)
	return s
}

func (s *VRoidHub) Name() string { return models.SourceVRoidHub }

// Authenticate verifies a usable token is held, refreshing when the
// stored one is expired.
func (s *VRoidHub) Authenticate(ctx context.Context) error {
	if s.refresher == nil {
		return fmt.Errorf("%w: vroid hub credential not configured", ErrAuth)
	}
	if _, err := s.refresher.Token(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

type vroidSearchResponse struct {
	Data []struct {
		ID             json.Number `json:"id"`
		IsDownloadable bool        `json:"is_downloadable"`
		Character      struct {
			ID   json.Number `json:"id"`
			Name string      `json:"name"`
			User struct {
				Name string `json:"name"`
			} `json:"user"`
		} `json:"character"`
		License struct {
			Modification   string `json:"modification"`
			Redistribution string `json:"redistribution"`
		} `json:"license"`
		PortraitImage struct {
			W300 struct {
				URL string `json:"url"`
			} `json:"w300"`
		} `json:"portrait_image"`
	} `json:"data"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// Discover searches character models by keyword. The cursor is the
// provider's relative next-page href.
func (s *VRoidHub) Discover(ctx context.Context, keywords []string, limit int, cursor string) ([]models.Candidate, string, error) {
	if limit <= 0 {
		return nil, "", nil
	}

	reqURL := cursor
	if reqURL == "" {
		values := url.Values{}
		values.Set("keyword", strings.Join(keywords, " "))
		values.Set("count", strconv.Itoa(min(limit, 100)))
		values.Set("is_downloadable", "true")
		reqURL = s.base + "/search/character_models?" + values.Encode()
	} else if strings.HasPrefix(reqURL, "/") {
		reqURL = s.siteBase + reqURL
	}

	var resp vroidSearchResponse
	if err := s.client.GetJSON(ctx, reqURL, &resp); err != nil {
		return nil, "", err
	}

	cands := make([]models.Candidate, 0, len(resp.Data))
	for _, m := range resp.Data {
		if len(cands) >= limit {
			break
		}
		id := m.ID.String()
		name := m.Character.Name
		if name == "" {
			name = "Model " + id
		}
		sourceURL := fmt.Sprintf("%s/characters/%s/models/%s", s.siteBase, m.Character.ID.String(), id)

		licenseParts := []string{}
		if m.License.Modification == "allow" {
			licenseParts = append(licenseParts, "modification allowed")
		}
		if m.License.Redistribution == "allow" {
			licenseParts = append(licenseParts, "redistribution allowed")
		}
		license := "VRoid Hub License"
		if len(licenseParts) > 0 {
			license += " (" + strings.Join(licenseParts, ", ") + ")"
		}

		cands = append(cands, models.Candidate{
			SourceModelID: id,
			Name:          name,
			Artist:        m.Character.User.Name,
			SourceURL:     sourceURL,
			LicenseType:   license,
			LicenseURL:    vroidLicenseURL,
			ThumbnailURL:  m.PortraitImage.W300.URL,
			Downloadable:  m.IsDownloadable,
			FormatHint:    "vrm",
		})
	}

	return cands, resp.Links.Next.Href, nil
}

type vroidLicenseResponse struct {
	Data struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// ResolveDownload issues a download license and returns the license
// download endpoint, which redirects to a presigned URL when fetched.
func (s *VRoidHub) ResolveDownload(ctx context.Context, cand models.Candidate) (models.ResolvedDownload, error) {
	if !cand.Downloadable {
		return models.ResolvedDownload{}, fmt.Errorf("%w: model %s", ErrNotDownloadable, cand.SourceModelID)
	}

	payload, err := json.Marshal(map[string]string{"character_model_id": cand.SourceModelID})
	if err != nil {
		return models.ResolvedDownload{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var resp vroidLicenseResponse
	if err := s.client.PostJSON(ctx, s.base+"/download_licenses", payload, &resp); err != nil {
		return models.ResolvedDownload{}, err
	}
	licenseID := resp.Data.ID.String()
	if licenseID == "" || licenseID == "0" {
		return models.ResolvedDownload{}, fmt.Errorf("%w: no download license issued for model %s", ErrFetch, cand.SourceModelID)
	}

	return models.ResolvedDownload{
		URL:    fmt.Sprintf("%s/download_licenses/%s/download", s.base, licenseID),
		Format: "vrm",
	}, nil
}

func (s *VRoidHub) FetchBytes(ctx context.Context, url string) ([]byte, int64, error) {
	return s.client.FetchBytes(ctx, url)
}
