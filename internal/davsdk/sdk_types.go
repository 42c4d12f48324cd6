package davsdk

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteItem is one entry of a remote listing.
type RemoteItem struct {
	// Path is slash-separated, relative to the WebDAV root.
	Path        string
	Name        string
	IsDir       bool
	Size        int64
	ETag        string
	ContentType string
	// Checksum is the server-reported SHA-256 of the content in lowercase
	// hex, empty when the server exposes none.
	Checksum     string
	LastModified time.Time
}

// QuotaInfo reports server-side storage usage in bytes.
// Available < 0 means the server does not enforce a quota.
type QuotaInfo struct {
	Used      int64
	Available int64
}

// Capabilities are the optional transport features the server advertises.
// Discovered once via OPTIONS; the scheduler consults them before choosing
// a transfer strategy.
type Capabilities struct {
	ChunkedUpload bool
	DeltaSync     bool
}

// RFC 4918 multistatus body, parsed leniently by local element name.
type multiStatus struct {
	XMLName   xml.Name     `xml:"multistatus"`
	Responses []msResponse `xml:"response"`
}

type msResponse struct {
	Href      string       `xml:"href"`
	Propstats []msPropstat `xml:"propstat"`
}

type msPropstat struct {
	Status string `xml:"status"`
	Prop   msProp `xml:"prop"`
}

type msProp struct {
	DisplayName     string      `xml:"displayname"`
	ContentLength   int64       `xml:"getcontentlength"`
	LastModified    string      `xml:"getlastmodified"`
	ETag            string      `xml:"getetag"`
	ContentType     string      `xml:"getcontenttype"`
	ResourceType    msResType   `xml:"resourcetype"`
	Checksums       msChecksums `xml:"checksums"`
	QuotaUsedBytes  *int64      `xml:"quota-used-bytes"`
	QuotaAvailBytes *int64      `xml:"quota-available-bytes"`
}

type msResType struct {
	Collection *struct{} `xml:"collection"`
}

// owncloud-style checksum list: each entry is "ALGO:hex", possibly several
// space-separated per element.
type msChecksums struct {
	Values []string `xml:"checksum"`
}

// okPropstat returns the 200-status property set of a response, if any.
func (r *msResponse) okPropstat() (*msProp, bool) {
	for i := range r.Propstats {
		if strings.Contains(r.Propstats[i].Status, "200") {
			return &r.Propstats[i].Prop, true
		}
	}
	return nil, false
}

// relPath strips the dav root and URL escaping from a multistatus href.
func hrefToRelPath(href string) string {
	unescaped, err := url.PathUnescape(href)
	if err != nil {
		unescaped = href
	}

	// href may be absolute (http://host/remote.php/webdav/a/b) or rooted.
	if u, err := url.Parse(unescaped); err == nil && u.Path != "" {
		unescaped = u.Path
	}

	if idx := strings.Index(unescaped, davRoot); idx >= 0 {
		unescaped = unescaped[idx+len(davRoot):]
	}
	return strings.Trim(unescaped, "/")
}

func toRemoteItem(resp *msResponse) (*RemoteItem, bool) {
	prop, ok := resp.okPropstat()
	if !ok {
		return nil, false
	}

	relPath := hrefToRelPath(resp.Href)
	name := relPath
	if idx := strings.LastIndex(relPath, "/"); idx >= 0 {
		name = relPath[idx+1:]
	}
	if prop.DisplayName != "" {
		name = prop.DisplayName
	}

	item := &RemoteItem{
		Path:        relPath,
		Name:        name,
		IsDir:       prop.ResourceType.Collection != nil,
		Size:        prop.ContentLength,
		ETag:        strings.Trim(prop.ETag, `"`),
		ContentType: prop.ContentType,
		Checksum:    sha256Checksum(prop.Checksums.Values),
	}
	if prop.LastModified != "" {
		if t, err := http.ParseTime(prop.LastModified); err == nil {
			item.LastModified = t.UTC()
		}
	}
	return item, true
}

const sha256ChecksumPrefix = "SHA256:"

// sha256Checksum picks the SHA-256 value out of a checksum list like
// ["SHA1:... MD5:... SHA256:..."] and normalizes the hex to lowercase.
func sha256Checksum(values []string) string {
	for _, value := range values {
		for _, token := range strings.Fields(value) {
			if len(token) > len(sha256ChecksumPrefix) &&
				strings.EqualFold(token[:len(sha256ChecksumPrefix)], sha256ChecksumPrefix) {
				return strings.ToLower(token[len(sha256ChecksumPrefix):])
			}
		}
	}
	return ""
}
