// Package remote implements the record-zone client of the photo service.
// The protocol is reverse-engineered and may drift; everything behind the
// icloud.RemoteLibrary interface is replaceable.
package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"icb-go/internal/icloud"
)

// Transport supplies the authenticated HTTP client and the resolved photo
// service endpoint. Satisfied by *auth.Session.
type Transport interface {
	Client() *http.Client
	PhotosEndpoint() string
}

// Client implements icloud.RemoteLibrary over the record-zone protocol.
type Client struct {
	transport Transport
	logger    icloud.Logger

	// limiter smooths query bursts; the service throttles aggressively.
	limiter *rate.Limiter
}

var _ icloud.RemoteLibrary = (*Client)(nil)

// NewClient creates a record-zone client over the given transport.
func NewClient(transport Transport, logger icloud.Logger) *Client {
	return &Client{
		transport: transport,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
	}
}

// FetchAll lists every album and asset record across all zones and returns
// them as a snapshot.
func (c *Client) FetchAll(ctx context.Context) (*icloud.Snapshot, error) {
	zones, err := c.listZones(ctx)
	if err != nil {
		return nil, err
	}

	snap := icloud.NewSnapshot()
	for _, zone := range zones {
		if err := c.fetchZone(ctx, zone, snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (c *Client) fetchZone(ctx context.Context, zone string, snap *icloud.Snapshot) error {
	albums, err := c.queryAlbums(ctx, zone)
	if err != nil {
		return err
	}

	byRecord, err := c.queryAssets(ctx, zone, snap)
	if err != nil {
		return err
	}

	for _, album := range albums {
		if album.Kind == icloud.KindAlbum {
			members, err := c.queryMembers(ctx, zone, album.ID, byRecord)
			if err != nil {
				return err
			}
			album.Members = members
		}
		snap.AddAlbum(album)
	}
	c.logger.Debug("zone fetched", "zone", zone, "albums", len(albums))
	return nil
}

// queryAlbums pages through the album records of a zone.
func (c *Client) queryAlbums(ctx context.Context, zone string) ([]*icloud.Album, error) {
	var albums []*icloud.Album
	err := c.queryPages(ctx, zone, recordTypeAlbum, nil, func(r *record) error {
		if album, ok := parseAlbum(r); ok {
			albums = append(albums, album)
		}
		return nil
	})
	return albums, err
}

// queryAssets pages through the interleaved master/asset records of a zone,
// joining them into domain assets. Returns the fingerprints keyed by master
// record name for membership resolution.
func (c *Client) queryAssets(ctx context.Context, zone string, snap *icloud.Snapshot) (map[string][]icloud.Fingerprint, error) {
	masters := make(map[string]*masterRecord)
	assetsByMaster := make(map[string]*assetRecord)

	err := c.queryPages(ctx, zone, recordTypeAssets, nil, func(r *record) error {
		switch r.RecordType {
		case recordMaster:
			m, ok := parseMaster(r)
			if !ok {
				return icloud.Fatal(icloud.KindNetwork, "malformed master record", nil).With("record", r.RecordName)
			}
			masters[m.recordName] = m
		case recordAsset:
			a, ok := parseAsset(r)
			if !ok {
				return icloud.Fatal(icloud.KindNetwork, "malformed asset record", nil).With("record", r.RecordName)
			}
			assetsByMaster[a.masterRef] = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	byRecord := make(map[string][]icloud.Fingerprint, len(masters))
	for name, m := range masters {
		for _, asset := range m.assets(assetsByMaster[name]) {
			snap.AddAsset(asset)
			byRecord[name] = append(byRecord[name], asset.Fingerprint)
		}
	}
	return byRecord, nil
}

// queryMembers resolves an album's membership through its container
// relations.
func (c *Client) queryMembers(ctx context.Context, zone, albumID string, byRecord map[string][]icloud.Fingerprint) ([]icloud.Fingerprint, error) {
	filter := []map[string]any{{
		"fieldName":  "parentId",
		"comparator": "EQUALS",
		"fieldValue": map[string]any{"value": albumID, "type": "STRING"},
	}}

	var members []icloud.Fingerprint
	err := c.queryPages(ctx, zone, recordTypeRelation, filter, func(r *record) error {
		child := r.stringField("childId")
		if child == "" {
			return nil
		}
		members = append(members, byRecord[child]...)
		return nil
	})
	return members, err
}

// queryPages drives a paginated records/query call, invoking visit per
// record.
func (c *Client) queryPages(ctx context.Context, zone, recordType string, filter []map[string]any, visit func(*record) error) error {
	var marker string
	for {
		body := map[string]any{
			"zoneID": map[string]any{"zoneName": zone},
			"query":  map[string]any{"recordType": recordType},
		}
		if filter != nil {
			body["query"].(map[string]any)["filterBy"] = filter
		}
		if marker != "" {
			body["continuationMarker"] = marker
		}

		var parsed struct {
			Records            []record `json:"records"`
			ContinuationMarker string   `json:"continuationMarker"`
		}
		if err := c.post(ctx, "/records/query", body, &parsed); err != nil {
			return err
		}
		for i := range parsed.Records {
			if err := visit(&parsed.Records[i]); err != nil {
				return err
			}
		}

		if parsed.ContinuationMarker == "" {
			return nil
		}
		marker = parsed.ContinuationMarker
	}
}

func (c *Client) listZones(ctx context.Context) ([]string, error) {
	var parsed struct {
		Zones []struct {
			ZoneID struct {
				ZoneName string `json:"zoneName"`
			} `json:"zoneID"`
		} `json:"zones"`
	}
	if err := c.post(ctx, "/zones/list", map[string]any{}, &parsed); err != nil {
		return nil, err
	}
	zones := make([]string, 0, len(parsed.Zones))
	for _, z := range parsed.Zones {
		zones = append(zones, z.ZoneID.ZoneName)
	}
	if len(zones) == 0 {
		return nil, icloud.Fatal(icloud.KindNetwork, "no record zones available", nil)
	}
	return zones, nil
}

// DeleteAsset tombstones the remote original of an asset.
func (c *Client) DeleteAsset(ctx context.Context, asset *icloud.Asset) error {
	body := map[string]any{
		"operations": []map[string]any{{
			"operationType": "update",
			"record": map[string]any{
				"recordName": asset.RecordName,
				"recordType": recordAsset,
				"fields":     map[string]any{"isDeleted": map[string]any{"value": 1}},
			},
		}},
		"zoneID": map[string]any{"zoneName": "PrimarySync"},
		"atomic": true,
	}
	var parsed struct{}
	return c.post(ctx, "/records/modify", body, &parsed)
}

// post issues a JSON request with rate limiting and exponential backoff on
// transient failures. Failures that survive the backoff surface as
// recoverable so the sync engine can refresh the session and restart.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return icloud.Fatal(icloud.KindNetwork, "encoding query", err)
	}
	url := c.transport.PhotosEndpoint() + path

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(icloud.Interrupt(err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
		if err != nil {
			return backoff.Permanent(icloud.Fatal(icloud.KindNetwork, "building query", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.transport.Client().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(icloud.Interrupt(ctx.Err()))
			}
			return icloud.Recoverable(icloud.KindNetwork, "query failed", err).With("url", url)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(icloud.Recoverable(icloud.KindAuth, "session expired", nil).With("url", url))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return icloud.Recoverable(icloud.KindNetwork, "service unavailable", nil).
				With("url", url).With("status", resp.StatusCode)
		default:
			return backoff.Permanent(icloud.Fatal(icloud.KindNetwork, "query rejected", nil).
				With("url", url).With("status", resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(icloud.Fatal(icloud.KindNetwork, "malformed query response", err).With("url", url))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), 3), ctx)
	return backoff.Retry(operation, policy)
}

// DownloadAsset streams the asset body to destPath, verifying length and
// fingerprint on the fly. Integrity mismatches are recoverable: the engine
// retries them within a per-asset budget.
func (c *Client) DownloadAsset(ctx context.Context, asset *icloud.Asset, destPath string) error {
	if asset.DownloadURL == "" {
		return icloud.Fatal(icloud.KindNetwork, "asset has no download URL", nil).With("asset", asset.Filename)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return icloud.Interrupt(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return icloud.Fatal(icloud.KindNetwork, "building download request", err)
	}
	resp, err := c.transport.Client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return icloud.Interrupt(ctx.Err())
		}
		return icloud.Recoverable(icloud.KindNetwork, "download failed", err).With("asset", asset.Filename)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Signed URL token expired mid-run.
		return icloud.Recoverable(icloud.KindAuth, "download token expired", nil).With("asset", asset.Filename)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return icloud.Recoverable(icloud.KindNetwork, "download unavailable", nil).
			With("asset", asset.Filename).With("status", resp.StatusCode)
	default:
		return icloud.Fatal(icloud.KindNetwork, "download rejected", nil).
			With("asset", asset.Filename).With("status", resp.StatusCode)
	}

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return icloud.Fatal(icloud.KindLibrary, "opening download target", err).With("path", destPath)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return icloud.Interrupt(ctx.Err())
		}
		return icloud.Recoverable(icloud.KindNetwork, "streaming download", err).With("asset", asset.Filename)
	}

	if asset.Size > 0 && written != asset.Size {
		return icloud.Recoverable(icloud.KindSync, "size mismatch", nil).
			With("asset", asset.Filename).With("want", asset.Size).With("got", written)
	}
	if got := icloud.Fingerprint(hasher.Sum(nil)); got != asset.Fingerprint {
		return icloud.Recoverable(icloud.KindSync, "fingerprint mismatch", nil).
			With("asset", asset.Filename).With("want", asset.Fingerprint.FileStem()).With("got", got.FileStem())
	}
	return nil
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// String renders a stable identity for logs.
func (c *Client) String() string {
	return fmt.Sprintf("remote(%s)", c.transport.PhotosEndpoint())
}
