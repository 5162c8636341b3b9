package remote

import (
	"encoding/base64"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"icb-go/internal/icloud"
)

// Record types used by the photo service record zones.
const (
	recordTypeAlbum    = "CPLAlbumByPositionLive"
	recordTypeAssets   = "CPLAssetAndMasterByAddedDate"
	recordTypeRelation = "CPLContainerRelationLiveByAssetDate"

	recordMaster = "CPLMaster"
	recordAsset  = "CPLAsset"
)

// albumType values inside CPLAlbum records.
const (
	albumTypeAlbum  = 0
	albumTypeFolder = 3
)

// record is the generic envelope of a record zone entry.
type record struct {
	RecordName string           `json:"recordName"`
	RecordType string           `json:"recordType"`
	Fields     map[string]field `json:"fields"`
}

type field struct {
	Value json.RawMessage `json:"value"`
}

func (r *record) stringField(name string) string {
	f, ok := r.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return ""
	}
	return s
}

func (r *record) intField(name string) int64 {
	f, ok := r.Fields[name]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(f.Value, &n); err != nil {
		return 0
	}
	return n
}

// base64Field decodes a base64-encoded string field, as used for names.
func (r *record) base64Field(name string) string {
	raw := r.stringField(name)
	if raw == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return raw
	}
	return string(decoded)
}

// resource is the value shape of a downloadable resource field.
type resource struct {
	DownloadURL  string `json:"downloadURL"`
	Size         int64  `json:"size"`
	FileChecksum string `json:"fileChecksum"`
}

func (r *record) resourceField(name string) (resource, bool) {
	f, ok := r.Fields[name]
	if !ok {
		return resource{}, false
	}
	var res resource
	if err := json.Unmarshal(f.Value, &res); err != nil {
		return resource{}, false
	}
	return res, res.DownloadURL != "" && res.FileChecksum != ""
}

// parseAlbum maps a CPLAlbum record to the domain album. Membership is
// filled in separately from the relation records.
func parseAlbum(r *record) (*icloud.Album, bool) {
	name := r.base64Field("albumNameEnc")
	if name == "" {
		return nil, false
	}
	kind := icloud.KindAlbum
	if r.intField("albumType") == albumTypeFolder {
		kind = icloud.KindFolder
	}
	return &icloud.Album{
		ID:       r.RecordName,
		Name:     name,
		ParentID: r.stringField("parentId"),
		Kind:     kind,
	}, true
}

// masterRecord holds the parsed original of an asset before it is joined
// with its CPLAsset companion.
type masterRecord struct {
	recordName string
	filename   string
	ext        string
	original   resource
}

// parseMaster maps a CPLMaster record. Records without a usable original
// resource are rejected as malformed.
func parseMaster(r *record) (*masterRecord, bool) {
	res, ok := r.resourceField("resOriginalRes")
	if !ok {
		return nil, false
	}
	filename := r.base64Field("filenameEnc")
	ext := path.Ext(filename)
	if ext == "" {
		ext = extensionForType(r.stringField("resOriginalFileType"))
	}
	return &masterRecord{
		recordName: r.RecordName,
		filename:   filename,
		ext:        strings.ToLower(ext),
		original:   res,
	}, true
}

// assetRecord holds the CPLAsset side of the join: favorite flag, the
// reference to its master, and the optional rendered edit.
type assetRecord struct {
	masterRef string
	favorite  bool
	modified  time.Time
	edit      resource
	hasEdit   bool
}

func parseAsset(r *record) (*assetRecord, bool) {
	ref, ok := r.Fields["masterRef"]
	if !ok {
		return nil, false
	}
	var parsed struct {
		RecordName string `json:"recordName"`
	}
	if err := json.Unmarshal(ref.Value, &parsed); err != nil || parsed.RecordName == "" {
		return nil, false
	}

	a := &assetRecord{
		masterRef: parsed.RecordName,
		favorite:  r.intField("isFavorite") == 1,
	}
	if ms := r.intField("assetDate"); ms > 0 {
		a.modified = time.UnixMilli(ms).UTC()
	}
	if res, ok := r.resourceField("resFullRes"); ok && r.intField("adjustmentType") != 0 {
		a.edit = res
		a.hasEdit = true
	}
	return a, true
}

// assets joins a master with its asset record into one or two domain
// assets: the original, plus the rendered edit when one exists.
func (m *masterRecord) assets(a *assetRecord) []*icloud.Asset {
	original := &icloud.Asset{
		RecordName:  m.recordName,
		Fingerprint: decodeChecksum(m.original.FileChecksum),
		Size:        m.original.Size,
		Filename:    m.filename,
		Ext:         m.ext,
		DownloadURL: m.original.DownloadURL,
	}
	if a == nil {
		return []*icloud.Asset{original}
	}

	original.Favorite = a.favorite
	original.Modified = a.modified
	if !a.hasEdit {
		return []*icloud.Asset{original}
	}

	origExt := path.Ext(m.filename)
	if origExt == "" {
		origExt = m.ext
	}
	stem := strings.TrimSuffix(m.filename, origExt)
	edited := &icloud.Asset{
		RecordName:  m.recordName,
		Fingerprint: decodeChecksum(a.edit.FileChecksum),
		Size:        a.edit.Size,
		Filename:    stem + "-edited" + origExt,
		Ext:         m.ext,
		Favorite:    a.favorite,
		Modified:    a.modified,
		Edit:        true,
		DownloadURL: a.edit.DownloadURL,
	}
	return []*icloud.Asset{original, edited}
}

// decodeChecksum turns the service's base64 checksum into the raw
// fingerprint bytes. Undecodable values are kept verbatim so the asset is
// still addressable, just never verifiable.
func decodeChecksum(encoded string) icloud.Fingerprint {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return icloud.Fingerprint(encoded)
	}
	return icloud.Fingerprint(raw)
}

// utiMIME maps the file type identifiers the service reports to MIME types.
var utiMIME = map[string]string{
	"public.jpeg":               "image/jpeg",
	"public.png":                "image/png",
	"public.heic":               "image/heic",
	"com.compuserve.gif":        "image/gif",
	"com.adobe.raw-image":       "image/x-dcraw",
	"public.mpeg-4":             "video/mp4",
	"com.apple.quicktime-movie": "video/quicktime",
}

// extensionForType derives a filename extension from the service file type
// when the original filename has none.
func extensionForType(uti string) string {
	mime, ok := utiMIME[uti]
	if !ok {
		return ".bin"
	}
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}
