package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *ratelimit.Registry {
	return ratelimit.NewRegistry(time.Millisecond)
}

func staticAuth(header string) authFunc {
	return func(ctx context.Context) (string, error) {
		return header, nil
	}
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"server error", http.StatusInternalServerError, ErrFetch},
		{"not found", http.StatusNotFound, ErrFetch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewClient("test", srv.Client(), testRegistry(), nil, nil, nil)
			_, _, err := c.FetchBytes(context.Background(), srv.URL)
			assert.ErrorIs(t, err, tc.expected)
		})
	}
}

func TestClientRefreshesOnceOnUnauthorized(t *testing.T) {
	var calls, refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	token := "stale"
	c := NewClient("test", srv.Client(), testRegistry(),
		func(ctx context.Context) (string, error) { return "Bearer " + token, nil },
		func(ctx context.Context) error {
			refreshes.Add(1)
			token = "fresh"
			return nil
		}, nil)

	body, size, err := c.FetchBytes(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), body)
	assert.Equal(t, int64(7), size)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryAfterFailedRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("test", srv.Client(), testRegistry(), staticAuth("Bearer x"),
		func(ctx context.Context) error { return errors.New("refresh rejected") }, nil)

	_, _, err := c.FetchBytes(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientSendsExtraHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "11", r.Header.Get("X-Api-Version"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := NewClient("test", srv.Client(), testRegistry(), staticAuth("Bearer tok"), nil,
		map[string]string{"X-Api-Version": "11"})

	var out map[string]interface{}
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &out))
}

func TestSketchfabDiscoverDropsNonFreeLicenses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("downloadable"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{
					"uid": "free1", "name": "Open Avatar", "isDownloadable": true,
					"user":    map[string]string{"username": "alice"},
					"license": map[string]string{"slug": "cc0", "url": "https://example.com/cc0"},
				},
				{
					"uid": "paid1", "name": "Store Asset", "isDownloadable": true,
					"license": map[string]string{"slug": "st", "url": ""},
				},
				{
					"uid": "free2", "name": "Shared Avatar", "isDownloadable": true,
					"user":    map[string]string{"username": "bob"},
					"license": map[string]string{"slug": "by-sa", "url": "https://example.com/by-sa"},
				},
			},
			"next": "",
		})
	}))
	defer srv.Close()

	s := NewSketchfab("tok", srv.Client(), testRegistry())
	s.base = srv.URL

	cands, cursor, err := s.Discover(context.Background(), []string{"vrm"}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, cursor)
	require.Len(t, cands, 2)
	assert.Equal(t, "free1", cands[0].SourceModelID)
	assert.Equal(t, "CC0", cands[0].LicenseType)
	assert.Equal(t, "free2", cands[1].SourceModelID)
	assert.Equal(t, "CC BY-SA", cands[1].LicenseType)
}

func TestSketchfabResolvePrefersGLB(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		wantURL string
		wantFmt string
		wantErr error
	}{
		{
			name: "glb wins over gltf",
			payload: map[string]interface{}{
				"glb":  map[string]string{"url": "https://cdn.example.com/m.glb"},
				"gltf": map[string]string{"url": "https://cdn.example.com/m.zip"},
			},
			wantURL: "https://cdn.example.com/m.glb",
			wantFmt: "glb",
		},
		{
			name: "gltf archive fallback",
			payload: map[string]interface{}{
				"gltf": map[string]string{"url": "https://cdn.example.com/m.zip"},
			},
			wantURL: "https://cdn.example.com/m.zip",
			wantFmt: "zip",
		},
		{
			name:    "no archive offered",
			payload: map[string]interface{}{},
			wantErr: ErrNotDownloadable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/models/uid1/download", r.URL.Path)
				json.NewEncoder(w).Encode(tc.payload)
			}))
			defer srv.Close()

			s := NewSketchfab("tok", srv.Client(), testRegistry())
			s.base = srv.URL

			dl, err := s.ResolveDownload(context.Background(), models.Candidate{SourceModelID: "uid1", Downloadable: true})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantURL, dl.URL)
			assert.Equal(t, tc.wantFmt, dl.Format)
		})
	}
}

func TestSketchfabResolveRefusesNonDownloadable(t *testing.T) {
	s := NewSketchfab("tok", http.DefaultClient, testRegistry())
	_, err := s.ResolveDownload(context.Background(), models.Candidate{SourceModelID: "uid1"})
	assert.ErrorIs(t, err, ErrNotDownloadable)
}

func TestVRoidDiscoverParsesSearchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/search/character_models", r.URL.Path)
		assert.Equal(t, "11", r.Header.Get("X-Api-Version"))
		assert.Equal(t, "true", r.URL.Query().Get("is_downloadable"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"id": 42, "is_downloadable": true,
					"character": map[string]interface{}{
						"id": 7, "name": "Hikari",
						"user": map[string]string{"name": "miko"},
					},
					"license": map[string]string{"modification": "allow", "redistribution": "disallow"},
				},
			},
			"_links": map[string]interface{}{
				"next": map[string]string{"href": "/api/search/character_models?page=2"},
			},
		})
	}))
	defer srv.Close()

	s := &VRoidHub{base: srv.URL + "/api", siteBase: srv.URL}
	s.client = NewClient(models.SourceVRoidHub, srv.Client(), testRegistry(), staticAuth("Bearer t"), nil,
		map[string]string{"X-Api-Version": vroidAPIVersion})

	cands, cursor, err := s.Discover(context.Background(), []string{"vrm"}, 5, "")
	require.NoError(t, err)
	assert.Equal(t, "/api/search/character_models?page=2", cursor)
	require.Len(t, cands, 1)
	assert.Equal(t, "42", cands[0].SourceModelID)
	assert.Equal(t, "Hikari", cands[0].Name)
	assert.Equal(t, "miko", cands[0].Artist)
	assert.True(t, cands[0].Downloadable)
	assert.Contains(t, cands[0].LicenseType, "modification allowed")
	assert.NotContains(t, cands[0].LicenseType, "redistribution allowed")
	assert.Equal(t, "vrm", cands[0].FormatHint)
}

func TestVRoidResolveIssuesDownloadLicense(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/download_licenses", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["character_model_id"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"id": 9001},
		})
	}))
	defer srv.Close()

	s := &VRoidHub{base: srv.URL + "/api", siteBase: srv.URL}
	s.client = NewClient(models.SourceVRoidHub, srv.Client(), testRegistry(), staticAuth("Bearer t"), nil, nil)

	dl, err := s.ResolveDownload(context.Background(), models.Candidate{SourceModelID: "42", Downloadable: true})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/api/download_licenses/9001/download", dl.URL)
	assert.Equal(t, "vrm", dl.Format)
}

func TestDeviantArtDiscoverCursorAdvancesThroughKeywords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("tag")
		switch tag {
		case "vrm":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"results": []map[string]interface{}{
					{
						"deviationid": "d-1", "title": "Avatar One", "url": "https://da.example/d-1",
						"is_downloadable": true,
						"author":          map[string]string{"username": "carol"},
					},
				},
				"has_more": true, "next_offset": 24,
			})
		case "vroid":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"results":  []map[string]interface{}{},
				"has_more": false,
			})
		default:
			t.Errorf("unexpected tag %q", tag)
		}
	}))
	defer srv.Close()

	s := &DeviantArt{base: srv.URL}
	s.client = NewClient(models.SourceDeviantArt, srv.Client(), testRegistry(), staticAuth("Bearer t"), nil, nil)

	keywords := []string{"vrm", "vroid"}

	cands, cursor, err := s.Discover(context.Background(), keywords, 10, "")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "d-1", cands[0].SourceModelID)
	assert.Equal(t, "carol", cands[0].Artist)
	assert.Equal(t, "0:24", cursor)

	// Exhausted first feed moves on to the next keyword.
	s2 := &DeviantArt{base: srv.URL}
	s2.client = s.client
	_, cursor, err = s2.Discover(context.Background(), keywords, 10, "1:0")
	require.NoError(t, err)
	assert.Empty(t, cursor)
}

func TestDeviantArtResolveReportsFormatFromFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/deviation/download/d-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"src":      "https://cdn.da.example/files/model.zip",
			"filename": "Model_Pack.ZIP",
		})
	}))
	defer srv.Close()

	s := &DeviantArt{base: srv.URL}
	s.client = NewClient(models.SourceDeviantArt, srv.Client(), testRegistry(), staticAuth("Bearer t"), nil, nil)

	dl, err := s.ResolveDownload(context.Background(), models.Candidate{SourceModelID: "d-1", Downloadable: true})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.da.example/files/model.zip", dl.URL)
	assert.Equal(t, "zip", dl.Format)
}

func TestGitHubDiscoverWalksTreesForVRMFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/repositories":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"total_count": 2,
				"items": []map[string]interface{}{
					{
						"full_name": "carol/avatars", "name": "avatars",
						"owner":          map[string]string{"login": "carol"},
						"html_url":       "https://github.com/carol/avatars",
						"default_branch": "main",
						"license": map[string]string{
							"name": "MIT License", "spdx_id": "MIT",
							"url": "https://api.github.com/licenses/mit",
						},
					},
					{
						"full_name": "dave/unlicensed", "name": "unlicensed",
						"owner":          map[string]string{"login": "dave"},
						"html_url":       "https://github.com/dave/unlicensed",
						"default_branch": "main",
					},
				},
			})
		case "/repos/carol/avatars/git/trees/main":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"tree": []map[string]interface{}{
					{"path": "README.md", "type": "blob", "size": 120},
					{"path": "models/hikari.vrm", "type": "blob", "size": 4096},
					{"path": "models", "type": "tree"},
				},
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	s := NewGitHub("", srv.Client(), testRegistry())
	s.base = srv.URL
	s.rawBase = srv.URL + "/raw"

	cands, cursor, err := s.Discover(context.Background(), []string{"vrm avatar"}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, cursor)
	require.Len(t, cands, 1)
	assert.Equal(t, "carol_avatars_models_hikari.vrm", cands[0].SourceModelID)
	assert.Equal(t, "hikari", cands[0].Name)
	assert.Equal(t, "MIT", cands[0].LicenseType)
	assert.Equal(t, srv.URL+"/raw/carol/avatars/main/models/hikari.vrm", cands[0].DownloadHint)

	dl, err := s.ResolveDownload(context.Background(), cands[0])
	require.NoError(t, err)
	assert.Equal(t, cands[0].DownloadHint, dl.URL)
	assert.Equal(t, "vrm", dl.Format)
}

func TestGitHubResolveWithoutRawURL(t *testing.T) {
	s := NewGitHub("", http.DefaultClient, testRegistry())
	_, err := s.ResolveDownload(context.Background(), models.Candidate{SourceModelID: "x"})
	assert.ErrorIs(t, err, ErrNotDownloadable)
}
