package apiversion

import (
	"net/http"
	"regexp"
	"strconv"
)

// DetectionSource names where the version was found.
type DetectionSource string

const (
	SourcePath    DetectionSource = "path"
	SourceAccept  DetectionSource = "accept"
	SourceHeader  DetectionSource = "header"
	SourceDefault DetectionSource = "default"
)

// VersionHeader carries an explicit version request.
const VersionHeader = "API-Version"

var pathVersionRE = regexp.MustCompile(`^/api/v(\d+)(?:/|$)`)

// acceptVersionRE is built per coordinator because it embeds the brand.
func (c *Coordinator) acceptVersionRE() *regexp.Regexp {
	return regexp.MustCompile(`application/vnd\.` + regexp.QuoteMeta(c.brand) + `\.v(\d+)\+json`)
}

// Detect resolves the requested API version. Precedence: URL path, then
// vendor media type in Accept, then the API-Version header, then the
// latest stable version.
func (c *Coordinator) Detect(r *http.Request) (int, DetectionSource) {
	if m := pathVersionRE.FindStringSubmatch(r.URL.Path); m != nil {
		if major, err := strconv.Atoi(m[1]); err == nil {
			return major, SourcePath
		}
	}
	if m := c.acceptVersionRE().FindStringSubmatch(r.Header.Get("Accept")); m != nil {
		if major, err := strconv.Atoi(m[1]); err == nil {
			return major, SourceAccept
		}
	}
	if raw := r.Header.Get(VersionHeader); raw != "" {
		if major, err := strconv.Atoi(raw); err == nil && major > 0 {
			return major, SourceHeader
		}
	}
	return c.LatestStable(), SourceDefault
}
